package mapreduce

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"DistMR/internal/logger"
	"DistMR/internal/partition"
	"DistMR/internal/reader"
	"DistMR/internal/shuffle"
	"DistMR/internal/types"
)

var ErrUnknownJob = errors.New("unknown job")

// tracked is the type-erased view of a Handle kept by the controller.
type tracked interface {
	Record() types.JobRecord
	Tasks() []types.Task
	Cancel()
	Done() <-chan struct{}
}

// Controller schedules jobs onto its map and reduce worker pools.
type Controller struct {
	cfg     Config
	logger  *logger.Logger
	journal Journal

	mu   sync.RWMutex
	jobs map[string]tracked
	wg   sync.WaitGroup
}

// NewController creates a controller from cfg, filling unset fields with
// defaults.
func NewController(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()

	switch cfg.SpillBackend {
	case SpillFile, SpillBolt:
	default:
		return nil, fmt.Errorf("unknown spill backend %q", cfg.SpillBackend)
	}
	if cfg.SpillThreshold < 0 {
		return nil, fmt.Errorf("spill threshold must not be negative, got %d", cfg.SpillThreshold)
	}
	if cfg.SpillDir != "" {
		if err := os.MkdirAll(cfg.SpillDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spill directory: %w", err)
		}
	}

	cfg.Logger.Info("Controller initialized: map_workers=%d reduce_workers=%d buckets=%d retry_bound=%d spill_threshold=%d",
		cfg.MapWorkers, cfg.ReduceWorkers, cfg.NumBuckets, cfg.RetryBound, cfg.SpillThreshold)

	return &Controller{
		cfg:     cfg,
		logger:  cfg.Logger,
		journal: cfg.Journal,
		jobs:    make(map[string]tracked),
	}, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Submit starts a job over sources and returns its handle immediately.
// Cancelling ctx cancels the job.
func Submit[K cmp.Ordered, V any, O any](
	ctx context.Context,
	c *Controller,
	sources []reader.Source,
	job Job[K, V, O],
	opts SubmitOptions[K],
) (*Handle[K, O], error) {
	if job == nil {
		return nil, fmt.Errorf("job must not be nil")
	}
	if opts.NumBuckets < 0 {
		return nil, fmt.Errorf("bucket count must be positive, got %d", opts.NumBuckets)
	}
	if opts.NumBuckets == 0 {
		opts.NumBuckets = c.cfg.NumBuckets
	}
	opts.RetryBound = retryBound(opts.RetryBound, c.cfg.RetryBound)
	if opts.Partition == nil {
		opts.Partition = partition.Partition[K]
	}

	id := "job-" + uuid.New().String()[:8]
	lg := c.logger.With("job", id)

	shards := reader.Split(sources, c.cfg.ShardSize)
	infos := make([]types.ShardInfo, len(shards))
	for i, s := range shards {
		infos[i] = s.Info()
	}

	store, spillDir, err := c.newSpillStore(id)
	if err != nil {
		return nil, err
	}
	buf, err := shuffle.NewBuffer[K, V](shuffle.Config{
		Buckets:        opts.NumBuckets,
		SpillThreshold: c.cfg.SpillThreshold,
	}, store, lg)
	if err != nil {
		closeSpill(store, spillDir)
		return nil, fmt.Errorf("failed to create shuffle buffer: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	h := newHandle[K, O](id, opts.NumBuckets, infos, cancel)

	r := &jobRun[K, V, O]{
		c:        c,
		id:       id,
		job:      job,
		opts:     opts,
		shards:   shards,
		buffer:   buf,
		store:    store,
		spillDir: spillDir,
		handle:   h,
		logger:   lg,
	}

	c.mu.Lock()
	c.jobs[id] = h
	c.mu.Unlock()

	c.journalJob(h.Record())
	lg.Info("Job submitted: shards=%d buckets=%d retry_bound=%d", len(shards), opts.NumBuckets, opts.RetryBound)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		r.run(jobCtx)
	}()

	return h, nil
}

// newSpillStore creates the job's spill directory and store. Both are nil
// when spilling is disabled.
func (c *Controller) newSpillStore(jobID string) (shuffle.SpillStore, string, error) {
	if c.cfg.SpillThreshold == 0 {
		return nil, "", nil
	}

	dir, err := os.MkdirTemp(c.cfg.SpillDir, jobID+"-")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create spill directory: %w", err)
	}

	var store shuffle.SpillStore
	switch c.cfg.SpillBackend {
	case SpillBolt:
		store, err = shuffle.NewBoltStore(filepath.Join(dir, "spill.db"))
	default:
		store, err = shuffle.NewFileStore(dir)
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}
	return store, dir, nil
}

func closeSpill(store shuffle.SpillStore, dir string) error {
	var result *multierror.Error
	if store != nil {
		if err := store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close spill store: %w", err))
		}
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove spill directory: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Jobs returns a summary of every job, oldest first.
func (c *Controller) Jobs() []types.JobRecord {
	c.mu.RLock()
	recs := make([]types.JobRecord, 0, len(c.jobs))
	for _, j := range c.jobs {
		recs = append(recs, j.Record())
	}
	c.mu.RUnlock()

	sort.Slice(recs, func(i, k int) bool {
		if recs[i].Submitted.Equal(recs[k].Submitted) {
			return recs[i].ID < recs[k].ID
		}
		return recs[i].Submitted.Before(recs[k].Submitted)
	})
	return recs
}

// Job returns the summary of one job.
func (c *Controller) Job(id string) (types.JobRecord, error) {
	c.mu.RLock()
	j, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return types.JobRecord{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return j.Record(), nil
}

// Tasks returns the task table of a job, map tasks first. Unknown jobs
// have no tasks.
func (c *Controller) Tasks(jobID string) []types.Task {
	c.mu.RLock()
	j, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return j.Tasks()
}

// Cancel cancels a job by id.
func (c *Controller) Cancel(id string) error {
	c.mu.RLock()
	j, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	j.Cancel()
	return nil
}

// Forget drops a terminal job from the registry.
func (c *Controller) Forget(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !j.Record().Status.Terminal() {
		return fmt.Errorf("job %s is still %s", id, j.Record().Status)
	}
	delete(c.jobs, id)
	return nil
}

// Close cancels every running job and waits for their workers to exit.
func (c *Controller) Close() error {
	c.mu.RLock()
	for _, j := range c.jobs {
		j.Cancel()
	}
	c.mu.RUnlock()

	c.wg.Wait()
	return nil
}

func (c *Controller) journalJob(rec types.JobRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordJob(rec); err != nil {
		c.logger.Warn("Failed to journal job: job_id=%s status=%s err=%v", rec.ID, rec.Status, err)
	}
}

func (c *Controller) journalTask(jobID string, t types.Task) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordTask(jobID, t); err != nil {
		c.logger.Warn("Failed to journal task: job_id=%s task=%s err=%v", jobID, t.Name(), err)
	}
}
