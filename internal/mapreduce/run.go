package mapreduce

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/reader"
	"DistMR/internal/shuffle"
	"DistMR/internal/types"
)

// fatalError marks a task failure that retrying cannot fix.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var f *fatalError
	var p *types.PartitionError
	return errors.As(err, &f) || errors.As(err, &p)
}

// protect runs fn, turning a panic into an error.
func protect[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

type assignment struct {
	id      int
	attempt int
}

type event[K cmp.Ordered, O any] struct {
	id      int
	attempt int
	started bool
	output  []types.Pair[K, O]
	err     error
}

// execFunc runs one attempt of a task. Map tasks return no output.
type execFunc[K cmp.Ordered, O any] func(ctx context.Context, t types.Task) ([]types.Pair[K, O], error)

// jobRun is the controller loop of a single job. Only its goroutine changes
// task or job state; workers report back over a channel.
type jobRun[K cmp.Ordered, V any, O any] struct {
	c        *Controller
	id       string
	job      Job[K, V, O]
	opts     SubmitOptions[K]
	shards   []reader.Shard
	buffer   *shuffle.Buffer[K, V]
	store    shuffle.SpillStore
	spillDir string
	handle   *Handle[K, O]
	logger   *logger.Logger

	// workers counts worker goroutines of both phases.
	workers sync.WaitGroup
}

func (r *jobRun[K, V, O]) run(ctx context.Context) {
	start := time.Now()
	result, phase, err := r.execute(ctx)

	var rec types.JobRecord
	if err != nil {
		for _, t := range r.handle.failOpen(reasonFor(ctx, err)) {
			r.c.journalTask(r.id, t)
		}
		jobErr := &types.JobError{JobID: r.id, Phase: phase, Err: err}
		rec = r.handle.finish(nil, jobErr)
		r.logger.Error("Job failed: phase=%s err=%v", phase, err)
	} else {
		rec = r.handle.finish(result, nil)
		r.logger.Info("Job completed: outputs=%d elapsed=%s", len(result), time.Since(start))
	}
	r.c.journalJob(rec)

	// Workers still inside a user function finish on their own; their
	// results are dropped.
	r.handle.cancel()
	r.workers.Wait()
	if err := r.buffer.Close(); err != nil {
		r.logger.Warn("Failed to release shuffle buffer: %v", err)
	}
	if err := closeSpill(r.store, r.spillDir); err != nil {
		r.logger.Warn("Failed to remove spill data: %v", err)
	}
}

func reasonFor(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "job cancelled"
	}
	return "job failed: " + err.Error()
}

// execute walks the job through its phases. It returns the phase in which
// an error occurred.
func (r *jobRun[K, V, O]) execute(ctx context.Context) ([]types.Pair[K, O], types.JobStatus, error) {
	if err := r.transition(types.JobMapping); err != nil {
		return nil, types.JobSubmitted, err
	}
	if _, err := r.runPhase(ctx, types.MapTask, r.c.cfg.MapWorkers, r.runMap); err != nil {
		return nil, types.JobMapping, err
	}

	// Every map task is complete: this is the barrier.
	if err := r.transition(types.JobShuffling); err != nil {
		return nil, types.JobMapping, err
	}
	r.buffer.Seal()
	stats := r.buffer.Stats()
	r.logger.Info("Shuffle sealed: pairs=%d spilled_segments=%d spilled_pairs=%d",
		stats.Appended, stats.Segments, stats.SpilledEntries)

	if err := r.transition(types.JobReducing); err != nil {
		return nil, types.JobShuffling, err
	}
	outputs, err := r.runPhase(ctx, types.ReduceTask, r.c.cfg.ReduceWorkers, r.runReduce)
	if err != nil {
		return nil, types.JobReducing, err
	}

	n := 0
	for _, out := range outputs {
		n += len(out)
	}
	result := make([]types.Pair[K, O], 0, n)
	for _, out := range outputs {
		result = append(result, out...)
	}
	return result, types.JobReducing, nil
}

func (r *jobRun[K, V, O]) transition(next types.JobStatus) error {
	rec, err := r.handle.setStatus(next)
	if err != nil {
		return err
	}
	r.logger.Info("Job phase: status=%s", next)
	r.c.journalJob(rec)
	return nil
}

func (r *jobRun[K, V, O]) setTask(kind types.TaskKind, id int, next types.TaskStatus, errMsg string) types.Task {
	t, err := r.handle.updateTask(kind, id, next, errMsg)
	if err != nil {
		// Only reachable through a controller bug.
		r.logger.Error("Task state rejected: %v", err)
		return t
	}
	r.c.journalTask(r.id, t)
	return t
}

// runPhase runs every task of kind on a pool of workers and returns the
// outputs indexed by task id. The first task to exhaust its retries, or any
// fatal error, ends the phase.
func (r *jobRun[K, V, O]) runPhase(ctx context.Context, kind types.TaskKind, workers int, exec execFunc[K, O]) ([][]types.Pair[K, O], error) {
	tasks := r.handle.Tasks()
	var phaseTasks []types.Task
	for _, t := range tasks {
		if t.Kind == kind {
			phaseTasks = append(phaseTasks, t)
		}
	}
	total := len(phaseTasks)
	outputs := make([][]types.Pair[K, O], total)
	if total == 0 {
		return outputs, nil
	}

	phaseCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Each task has at most one assignment outstanding and each assignment
	// produces at most two events, so neither channel ever blocks a sender.
	work := make(chan assignment, total)
	events := make(chan event[K, O], 2*total)

	for i := 0; i < min(workers, total); i++ {
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			r.worker(phaseCtx, kind, phaseTasks, work, events, exec)
		}()
	}

	for _, t := range phaseTasks {
		work <- assignment{id: t.ID, attempt: 1}
	}
	defer close(work)

	maxAttempts := r.opts.RetryBound + 1
	completed := 0
	for completed < total {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev := <-events:
			if ev.started {
				r.setTask(kind, ev.id, types.TaskRunning, "")
				continue
			}

			if ev.err == nil {
				t := r.setTask(kind, ev.id, types.TaskCompleted, "")
				outputs[ev.id] = ev.output
				completed++
				if kind == types.ReduceTask {
					if err := r.buffer.Release(t.Bucket); err != nil {
						r.logger.Warn("Failed to release bucket: bucket=%d err=%v", t.Bucket, err)
					}
				}
				r.logger.Debug("Task completed: task=%s attempts=%d progress=%d/%d", t.Name(), t.Attempts, completed, total)
				continue
			}

			t := r.setTask(kind, ev.id, types.TaskFailed, ev.err.Error())
			if isFatal(ev.err) || ev.attempt >= maxAttempts {
				return nil, taskError(t, ev.attempt, ev.err)
			}
			r.logger.Warn("Task attempt failed, retrying: task=%s attempt=%d/%d err=%v", t.Name(), ev.attempt, maxAttempts, ev.err)
			r.setTask(kind, ev.id, types.TaskPending, ev.err.Error())
			work <- assignment{id: ev.id, attempt: ev.attempt + 1}
		}
	}
	return outputs, nil
}

func (r *jobRun[K, V, O]) worker(
	ctx context.Context,
	kind types.TaskKind,
	tasks []types.Task,
	work <-chan assignment,
	events chan<- event[K, O],
	exec execFunc[K, O],
) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-work:
			if !ok || ctx.Err() != nil {
				return
			}
			events <- event[K, O]{id: a.id, attempt: a.attempt, started: true}
			out, err := protect(func() ([]types.Pair[K, O], error) {
				return exec(ctx, tasks[a.id])
			})
			events <- event[K, O]{id: a.id, attempt: a.attempt, output: out, err: err}
		}
	}
}

func taskError(t types.Task, attempts int, err error) error {
	if t.Kind == types.MapTask {
		return &types.MapTaskError{TaskID: t.ID, Shard: t.Shard, Attempts: attempts, Err: err}
	}
	return &types.ReduceTaskError{TaskID: t.ID, Bucket: t.Bucket, Attempts: attempts, Err: err}
}
