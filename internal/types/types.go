package types

import (
	"cmp"
	"fmt"
	"time"
)

// Record is one line of raw input. Offset is the byte offset of the line's
// first byte within its source.
type Record struct {
	Source string
	Offset int64
	Value  string
}

// Pair is a key-value pair emitted by a mapper or a reducer.
type Pair[K cmp.Ordered, V any] struct {
	Key   K
	Value V
}

// Group is every value collected for one key within a bucket.
type Group[K cmp.Ordered, V any] struct {
	Key    K
	Values []V
}

// ShardInfo identifies the slice of input owned by a map task.
type ShardInfo struct {
	Source string `json:"source"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
}

func (s ShardInfo) String() string {
	return fmt.Sprintf("%s[%d:%d]", s.Source, s.Start, s.End)
}

// TaskKind tells map tasks from reduce tasks
type TaskKind string

const (
	MapTask    TaskKind = "map"
	ReduceTask TaskKind = "reduce"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// CanTransition reports whether a task may move from s to next.
// failed -> pending is a retry, pending -> failed a cancellation.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskFailed
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed
	case TaskFailed:
		return next == TaskPending
	}
	return false
}

// Task is a unit of work inside a job. Bucket is only meaningful for reduce
// tasks and Shard only for map tasks.
type Task struct {
	ID       int        `json:"id"`
	Kind     TaskKind   `json:"kind"`
	Status   TaskStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Shard    ShardInfo  `json:"shard"`
	Bucket   int        `json:"bucket"`
	Err      string     `json:"error,omitempty"`
}

// Name is the task's identity in logs and journal keys.
func (t Task) Name() string {
	return fmt.Sprintf("%s-%d", t.Kind, t.ID)
}

// JobStatus is the phase of a job.
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobMapping   JobStatus = "mapping"
	JobShuffling JobStatus = "shuffling"
	JobReducing  JobStatus = "reducing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

var jobOrder = map[JobStatus]int{
	JobSubmitted: 0,
	JobMapping:   1,
	JobShuffling: 2,
	JobReducing:  3,
	JobCompleted: 4,
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether the job state machine allows s -> next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == JobFailed {
		return true
	}
	cur, ok := jobOrder[s]
	if !ok {
		return false
	}
	n, ok := jobOrder[next]
	return ok && n == cur+1
}

// JobRecord is the externally visible summary of a job.
type JobRecord struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	NumBuckets  int        `json:"num_buckets"`
	MapTasks    int        `json:"map_tasks"`
	ReduceTasks int        `json:"reduce_tasks"`
	Completed   int        `json:"completed_tasks"`
	Error       string     `json:"error,omitempty"`
	Submitted   time.Time  `json:"submitted"`
	Finished    *time.Time `json:"finished,omitempty"`
}
