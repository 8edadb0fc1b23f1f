package shuffle

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

var (
	ErrSealed    = errors.New("shuffle buffer is sealed")
	ErrNotSealed = errors.New("shuffle buffer is not sealed; map phase still running")
)

// Config sizes a Buffer.
type Config struct {
	Buckets int
	// SpillThreshold is the number of in-memory entries a bucket holds
	// before they are written out as a segment. Zero keeps everything in
	// memory.
	SpillThreshold int
}

// Stats counts buffer activity.
type Stats struct {
	Appended       int64
	Segments       int64
	SpilledEntries int64
}

// entry is one buffered pair plus the ordering data used to merge spilled
// segments back into a deterministic order.
type entry[K cmp.Ordered, V any] struct {
	Key   K
	Value V
	Task  int
	Seq   uint64
}

func compareEntries[K cmp.Ordered, V any](a, b entry[K, V]) int {
	if c := cmp.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Task, b.Task); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

type bucket[K cmp.Ordered, V any] struct {
	mu       sync.Mutex
	mem      []entry[K, V]
	seq      uint64
	segments []int
}

// Buffer collects intermediate pairs per bucket and presents them grouped
// by key once sealed. Spilled entries are gob encoded, so with a non-zero
// SpillThreshold values must be gob-encodable and concrete types stored in
// interface-typed values must be registered with gob.Register.
type Buffer[K cmp.Ordered, V any] struct {
	cfg     Config
	store   SpillStore
	logger  *logger.Logger
	buckets []*bucket[K, V]
	sealed  atomic.Bool

	appended       atomic.Int64
	segments       atomic.Int64
	spilledEntries atomic.Int64
}

// NewBuffer creates a buffer with cfg.Buckets buckets. store may be nil when
// SpillThreshold is zero.
func NewBuffer[K cmp.Ordered, V any](cfg Config, store SpillStore, lg *logger.Logger) (*Buffer[K, V], error) {
	if cfg.Buckets <= 0 {
		return nil, fmt.Errorf("bucket count must be positive, got %d", cfg.Buckets)
	}
	if cfg.SpillThreshold < 0 {
		return nil, fmt.Errorf("spill threshold must not be negative, got %d", cfg.SpillThreshold)
	}
	if cfg.SpillThreshold > 0 && store == nil {
		return nil, fmt.Errorf("spill threshold %d set without a spill store", cfg.SpillThreshold)
	}
	if lg == nil {
		lg = logger.Nop()
	}

	b := &Buffer[K, V]{
		cfg:     cfg,
		store:   store,
		logger:  lg,
		buckets: make([]*bucket[K, V], cfg.Buckets),
	}
	for i := range b.buckets {
		b.buckets[i] = &bucket[K, V]{}
	}
	return b, nil
}

// NumBuckets returns the bucket count.
func (b *Buffer[K, V]) NumBuckets() int {
	return len(b.buckets)
}

func (b *Buffer[K, V]) bucket(i int) (*bucket[K, V], error) {
	if i < 0 || i >= len(b.buckets) {
		return nil, fmt.Errorf("bucket %d out of range [0, %d)", i, len(b.buckets))
	}
	return b.buckets[i], nil
}

// Append adds pairs emitted by task to a bucket. Pairs keep their relative
// order among equal keys. Safe for concurrent use; appends to different
// buckets never contend.
func (b *Buffer[K, V]) Append(idx int, task int, pairs ...types.Pair[K, V]) error {
	bk, err := b.bucket(idx)
	if err != nil {
		return err
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	if b.sealed.Load() {
		return ErrSealed
	}

	for _, p := range pairs {
		bk.mem = append(bk.mem, entry[K, V]{Key: p.Key, Value: p.Value, Task: task, Seq: bk.seq})
		bk.seq++
		if b.cfg.SpillThreshold > 0 && len(bk.mem) >= b.cfg.SpillThreshold {
			if err := b.spill(idx, bk); err != nil {
				return err
			}
		}
	}
	b.appended.Add(int64(len(pairs)))
	return nil
}

// spill writes the bucket's in-memory entries as one sorted segment.
// Caller holds bk.mu.
func (b *Buffer[K, V]) spill(idx int, bk *bucket[K, V]) error {
	slices.SortFunc(bk.mem, compareEntries[K, V])

	seg := len(bk.segments)
	w, err := b.store.Create(idx, seg)
	if err != nil {
		return fmt.Errorf("failed to create spill segment %d for bucket %d: %w", seg, idx, err)
	}
	enc := newSegmentEncoder[K, V](w)
	for _, e := range bk.mem {
		if err := enc.encode(e); err != nil {
			w.Close()
			return fmt.Errorf("failed to write spill segment %d for bucket %d: %w", seg, idx, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close spill segment %d for bucket %d: %w", seg, idx, err)
	}

	b.logger.Debug("Spilled segment: bucket=%d segment=%d entries=%d", idx, seg, len(bk.mem))
	bk.segments = append(bk.segments, seg)
	b.segments.Add(1)
	b.spilledEntries.Add(int64(len(bk.mem)))
	bk.mem = bk.mem[:0]
	return nil
}

// Seal closes the buffer to writers and sorts the in-memory tail of every
// bucket. It marks the barrier between the map and reduce phases.
func (b *Buffer[K, V]) Seal() {
	if b.sealed.Swap(true) {
		return
	}

	var wg sync.WaitGroup
	for _, bk := range b.buckets {
		wg.Add(1)
		go func(bk *bucket[K, V]) {
			defer wg.Done()
			bk.mu.Lock()
			slices.SortFunc(bk.mem, compareEntries[K, V])
			bk.mu.Unlock()
		}(bk)
	}
	wg.Wait()
}

// Sealed reports whether Seal has been called.
func (b *Buffer[K, V]) Sealed() bool {
	return b.sealed.Load()
}

// Drain returns the bucket's contents grouped by key in ascending key
// order. It may be called more than once, for instance by a retried reduce
// task.
func (b *Buffer[K, V]) Drain(idx int) (*Groups[K, V], error) {
	if !b.sealed.Load() {
		return nil, ErrNotSealed
	}
	bk, err := b.bucket(idx)
	if err != nil {
		return nil, err
	}

	bk.mu.Lock()
	mem := bk.mem
	segs := slices.Clone(bk.segments)
	bk.mu.Unlock()

	cursors := make([]cursor[K, V], 0, len(segs)+1)
	for _, seg := range segs {
		r, err := b.store.Open(idx, seg)
		if err != nil {
			closeCursors(cursors)
			return nil, fmt.Errorf("failed to open spill segment %d for bucket %d: %w", seg, idx, err)
		}
		cursors = append(cursors, &segmentCursor[K, V]{r: r, dec: newSegmentDecoder[K, V](r)})
	}
	if len(mem) > 0 {
		cursors = append(cursors, &sliceCursor[K, V]{entries: mem})
	}

	m, err := newMerger(cursors)
	if err != nil {
		closeCursors(cursors)
		return nil, err
	}
	return &Groups[K, V]{m: m}, nil
}

// Collect drains a bucket fully into memory.
func (b *Buffer[K, V]) Collect(idx int) ([]types.Group[K, V], error) {
	g, err := b.Drain(idx)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	var out []types.Group[K, V]
	for g.Next() {
		out = append(out, g.Group())
	}
	return out, g.Err()
}

// Release drops a bucket's data and deletes its spilled segments.
func (b *Buffer[K, V]) Release(idx int) error {
	bk, err := b.bucket(idx)
	if err != nil {
		return err
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	var first error
	for _, seg := range bk.segments {
		if err := b.store.Remove(idx, seg); err != nil && first == nil {
			first = fmt.Errorf("failed to remove spill segment %d for bucket %d: %w", seg, idx, err)
		}
	}
	bk.segments = nil
	bk.mem = nil
	return first
}

// Close releases every bucket. It does not close the spill store, which
// the caller owns.
func (b *Buffer[K, V]) Close() error {
	var first error
	for i := range b.buckets {
		if err := b.Release(i); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stats returns counters since the buffer was created.
func (b *Buffer[K, V]) Stats() Stats {
	return Stats{
		Appended:       b.appended.Load(),
		Segments:       b.segments.Load(),
		SpilledEntries: b.spilledEntries.Load(),
	}
}
