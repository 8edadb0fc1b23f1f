package mapreduce

import (
	"context"
	"fmt"

	"DistMR/internal/partition"
	"DistMR/internal/types"
)

// runMap executes one attempt of a map task. Output is staged per bucket
// and committed to the shuffle buffer only after the whole shard mapped
// cleanly, so a failed attempt leaves nothing behind.
func (r *jobRun[K, V, O]) runMap(ctx context.Context, t types.Task) ([]types.Pair[K, O], error) {
	shard := r.shards[t.ID]
	numBuckets := r.opts.NumBuckets
	staged := make([][]types.Pair[K, V], numBuckets)

	it := shard.Records(shard.Start)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := it.Record()

		pairs, err := r.job.Map(rec)
		if err != nil {
			return nil, fmt.Errorf("map failed for record at %s:%d: %w", rec.Source, rec.Offset, err)
		}

		for _, p := range pairs {
			b, err := r.opts.Partition(p.Key, numBuckets)
			if err != nil {
				return nil, fatal(err)
			}
			if err := partition.Check(b, numBuckets); err != nil {
				return nil, fatal(err)
			}
			staged[b] = append(staged[b], p)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emitted := 0
	for b, pairs := range staged {
		if len(pairs) == 0 {
			continue
		}
		// A partially committed attempt cannot be undone, so commit
		// failures are not retried.
		if err := r.buffer.Append(b, t.ID, pairs...); err != nil {
			return nil, fatal(fmt.Errorf("failed to commit map output to bucket %d: %w", b, err))
		}
		emitted += len(pairs)
	}

	r.logger.Debug("Map task output committed: task=%d shard=%s pairs=%d", t.ID, t.Shard, emitted)
	return nil, nil
}
