package mapreduce

import (
	"cmp"
	"runtime"

	"DistMR/internal/logger"
	"DistMR/internal/partition"
	"DistMR/internal/reader"
	"DistMR/internal/types"
)

// Mapper turns one input record into intermediate pairs. It must be safe to
// call again for the same record: failed map tasks are re-run from the start
// of their shard.
type Mapper[K cmp.Ordered, V any] interface {
	Map(rec types.Record) ([]types.Pair[K, V], error)
}

// Reducer turns every value of one key into zero or more output pairs.
type Reducer[K cmp.Ordered, V any, O any] interface {
	Reduce(key K, values []V) ([]types.Pair[K, O], error)
}

// Job is the pair of user functions executed by the engine.
type Job[K cmp.Ordered, V any, O any] interface {
	Mapper[K, V]
	Reducer[K, V, O]
}

// Funcs adapts two plain functions to Job.
type Funcs[K cmp.Ordered, V any, O any] struct {
	MapFunc    func(rec types.Record) ([]types.Pair[K, V], error)
	ReduceFunc func(key K, values []V) ([]types.Pair[K, O], error)
}

func (f Funcs[K, V, O]) Map(rec types.Record) ([]types.Pair[K, V], error) {
	return f.MapFunc(rec)
}

func (f Funcs[K, V, O]) Reduce(key K, values []V) ([]types.Pair[K, O], error) {
	return f.ReduceFunc(key, values)
}

// Journal receives every job and task transition. Implementations must be
// safe for concurrent use by several jobs.
type Journal interface {
	RecordJob(rec types.JobRecord) error
	RecordTask(jobID string, task types.Task) error
}

// Spill backends
const (
	SpillFile = "file"
	SpillBolt = "bolt"
)

// DefaultRetryBound is the number of extra attempts a failing task gets.
const DefaultRetryBound = 3

// NoRetry as a RetryBound gives every task exactly one attempt. A zero
// RetryBound means "not set" and resolves to the default.
const NoRetry = -1

// Config is the controller's injected configuration.
type Config struct {
	MapWorkers    int
	ReduceWorkers int
	// NumBuckets is used when a submission does not set its own.
	NumBuckets int
	// RetryBound is the number of retries after a task's first attempt.
	// Zero means DefaultRetryBound; NoRetry (or any negative value)
	// disables retries.
	RetryBound int
	ShardSize  int64
	// SpillThreshold is the per-bucket in-memory entry count that triggers a
	// spill. Zero keeps intermediate data in memory.
	SpillThreshold int
	SpillBackend   string
	// SpillDir holds per-job spill directories; empty means the system
	// temporary directory.
	SpillDir string
	Journal  Journal
	Logger   *logger.Logger
}

// DefaultConfig returns a configuration sized to the machine.
func DefaultConfig() Config {
	return Config{
		MapWorkers:    runtime.NumCPU(),
		ReduceWorkers: runtime.NumCPU(),
		NumBuckets:    4,
		RetryBound:    DefaultRetryBound,
		ShardSize:     reader.DefaultShardSize,
		SpillBackend:  SpillFile,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MapWorkers <= 0 {
		c.MapWorkers = def.MapWorkers
	}
	if c.ReduceWorkers <= 0 {
		c.ReduceWorkers = def.ReduceWorkers
	}
	if c.NumBuckets <= 0 {
		c.NumBuckets = def.NumBuckets
	}
	c.RetryBound = retryBound(c.RetryBound, def.RetryBound)
	if c.ShardSize <= 0 {
		c.ShardSize = def.ShardSize
	}
	if c.SpillBackend == "" {
		c.SpillBackend = def.SpillBackend
	}
	if c.Logger == nil {
		c.Logger = logger.New("INFO")
	}
	return c
}

func retryBound(v, def int) int {
	switch {
	case v == 0:
		return def
	case v < 0:
		return 0
	}
	return v
}

// SubmitOptions are fixed for the lifetime of one job.
type SubmitOptions[K cmp.Ordered] struct {
	// NumBuckets is R. Zero uses the controller's default.
	NumBuckets int
	// RetryBound is the retries per task after the first attempt. Zero uses
	// the controller's value and NoRetry disables retries for this job.
	RetryBound int
	// Partition overrides the default hash partitioner.
	Partition partition.Func[K]
}
