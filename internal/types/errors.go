package types

import "fmt"

// InputError reports an unreadable or malformed shard. It aborts only the
// map task owning the shard.
type InputError struct {
	Source string
	Offset int64
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input error in %s at offset %d: %v", e.Source, e.Offset, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// PartitionError reports a key that cannot be hashed or ordered. It is
// deterministic, so the job fails without retrying.
type PartitionError struct {
	Key    string
	Reason string
}

func (e *PartitionError) Error() string {
	if e.Key == "" {
		return "partition error: " + e.Reason
	}
	return fmt.Sprintf("partition error for key %q: %s", e.Key, e.Reason)
}

// MapTaskError is returned when a map task fails beyond its retry bound.
type MapTaskError struct {
	TaskID   int
	Shard    ShardInfo
	Attempts int
	Err      error
}

func (e *MapTaskError) Error() string {
	return fmt.Sprintf("map task %d (shard %s) failed after %d attempts: %v", e.TaskID, e.Shard, e.Attempts, e.Err)
}

func (e *MapTaskError) Unwrap() error { return e.Err }

// ReduceTaskError is returned when a reduce task fails beyond its retry bound.
type ReduceTaskError struct {
	TaskID   int
	Bucket   int
	Attempts int
	Err      error
}

func (e *ReduceTaskError) Error() string {
	return fmt.Sprintf("reduce task %d (bucket %d) failed after %d attempts: %v", e.TaskID, e.Bucket, e.Attempts, e.Err)
}

func (e *ReduceTaskError) Unwrap() error { return e.Err }

// JobError is the single error a caller sees for a failed job. Phase is the
// status the job was in when it failed.
type JobError struct {
	JobID string
	Phase JobStatus
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed during %s: %v", e.JobID, e.Phase, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
