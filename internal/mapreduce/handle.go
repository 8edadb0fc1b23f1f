package mapreduce

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"DistMR/internal/types"
)

// Handle tracks one submitted job.
type Handle[K cmp.Ordered, O any] struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	record  types.JobRecord
	maps    []types.Task
	reduces []types.Task
	result  []types.Pair[K, O]
	err     error
}

func newHandle[K cmp.Ordered, O any](id string, numBuckets int, shards []types.ShardInfo, cancel context.CancelFunc) *Handle[K, O] {
	h := &Handle[K, O]{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		record: types.JobRecord{
			ID:          id,
			Status:      types.JobSubmitted,
			NumBuckets:  numBuckets,
			MapTasks:    len(shards),
			ReduceTasks: numBuckets,
			Submitted:   time.Now(),
		},
		maps:    make([]types.Task, len(shards)),
		reduces: make([]types.Task, numBuckets),
	}
	for i, s := range shards {
		h.maps[i] = types.Task{ID: i, Kind: types.MapTask, Status: types.TaskPending, Shard: s, Bucket: -1}
	}
	for i := range h.reduces {
		h.reduces[i] = types.Task{ID: i, Kind: types.ReduceTask, Status: types.TaskPending, Bucket: i}
	}
	return h
}

// ID returns the job id.
func (h *Handle[K, O]) ID() string {
	return h.id
}

// Status returns the current job phase.
func (h *Handle[K, O]) Status() types.JobStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.record.Status
}

// Record returns a summary of the job.
func (h *Handle[K, O]) Record() types.JobRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.record
}

// Tasks returns a snapshot of every map task followed by every reduce task.
func (h *Handle[K, O]) Tasks() []types.Task {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append(slices.Clone(h.maps), h.reduces...)
}

// Done is closed once the job reaches a terminal state.
func (h *Handle[K, O]) Done() <-chan struct{} {
	return h.done
}

// Cancel stops the job. Tasks still running are not interrupted, but their
// results are discarded and the job ends Failed.
func (h *Handle[K, O]) Cancel() {
	h.cancel()
}

// Wait blocks until the job is terminal or ctx is done. It returns the
// job's error, if any.
func (h *Handle[K, O]) Wait(ctx context.Context) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Result waits for the job and returns its complete output in bucket order.
// A failed job returns its *types.JobError and never a partial result.
// Each call returns a fresh copy.
func (h *Handle[K, O]) Result(ctx context.Context) ([]types.Pair[K, O], error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.result), nil
}

func (h *Handle[K, O]) tasksOf(kind types.TaskKind) []types.Task {
	if kind == types.MapTask {
		return h.maps
	}
	return h.reduces
}

// updateTask applies a transition to one task and returns the new state.
func (h *Handle[K, O]) updateTask(kind types.TaskKind, id int, next types.TaskStatus, errMsg string) (types.Task, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tasks := h.tasksOf(kind)
	if id < 0 || id >= len(tasks) {
		return types.Task{}, fmt.Errorf("unknown %s task %d", kind, id)
	}
	t := &tasks[id]
	if !t.Status.CanTransition(next) {
		return *t, fmt.Errorf("illegal transition for %s: %s -> %s", t.Name(), t.Status, next)
	}
	t.Status = next
	switch next {
	case types.TaskRunning:
		t.Attempts++
		t.Err = ""
	case types.TaskFailed:
		t.Err = errMsg
	case types.TaskCompleted:
		h.record.Completed++
	}
	return *t, nil
}

// failOpen marks every non-terminal task failed and returns the changed
// tasks.
func (h *Handle[K, O]) failOpen(reason string) []types.Task {
	h.mu.Lock()
	defer h.mu.Unlock()

	var changed []types.Task
	for _, tasks := range [][]types.Task{h.maps, h.reduces} {
		for i := range tasks {
			if tasks[i].Status == types.TaskPending || tasks[i].Status == types.TaskRunning {
				tasks[i].Status = types.TaskFailed
				tasks[i].Err = reason
				changed = append(changed, tasks[i])
			}
		}
	}
	return changed
}

func (h *Handle[K, O]) setStatus(next types.JobStatus) (types.JobRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.record.Status.CanTransition(next) {
		return h.record, fmt.Errorf("illegal job transition %s -> %s", h.record.Status, next)
	}
	h.record.Status = next
	return h.record, nil
}

// finish publishes the terminal state and wakes waiters.
func (h *Handle[K, O]) finish(result []types.Pair[K, O], err error) types.JobRecord {
	h.mu.Lock()
	now := time.Now()
	h.record.Finished = &now
	if err != nil {
		h.record.Status = types.JobFailed
		h.record.Error = err.Error()
		h.err = err
	} else {
		h.record.Status = types.JobCompleted
		h.result = result
	}
	rec := h.record
	h.mu.Unlock()

	close(h.done)
	return rec
}
