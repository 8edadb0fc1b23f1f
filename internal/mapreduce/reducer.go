package mapreduce

import (
	"context"
	"fmt"

	"DistMR/internal/types"
)

// runReduce executes one attempt of a reduce task: Reduce is called once
// per key of the bucket, in drain order. The output is returned to the
// controller, which keeps it only if the attempt succeeded.
func (r *jobRun[K, V, O]) runReduce(ctx context.Context, t types.Task) ([]types.Pair[K, O], error) {
	groups, err := r.buffer.Drain(t.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to drain bucket %d: %w", t.Bucket, err)
	}
	defer groups.Close()

	var out []types.Pair[K, O]
	keys := 0
	for groups.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g := groups.Group()

		res, err := r.job.Reduce(g.Key, g.Values)
		if err != nil {
			return nil, fmt.Errorf("reduce failed for key %v: %w", g.Key, err)
		}
		out = append(out, res...)
		keys++
	}
	if err := groups.Err(); err != nil {
		return nil, fmt.Errorf("failed to drain bucket %d: %w", t.Bucket, err)
	}

	r.logger.Debug("Reduce task finished: task=%d bucket=%d keys=%d outputs=%d", t.ID, t.Bucket, keys, len(out))
	return out, nil
}
