package types

import (
	"encoding/json"
	"time"
)

// PeerStatus represents the membership status of a journal node
type PeerStatus string

const (
	PeerAlive PeerStatus = "alive"
	PeerLeft  PeerStatus = "left"
)

// Peer represents a node in the journal cluster
type Peer struct {
	ID       string     `json:"id"`
	RaftAddr string     `json:"raft_addr"`
	Status   PeerStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`
}

// TaskRecord is a replicated task entry, keyed by JobID and task name.
type TaskRecord struct {
	JobID   string    `json:"job_id"`
	Task    Task      `json:"task"`
	Updated time.Time `json:"updated"`
}

// JournalState represents the shared state across all Raft nodes
type JournalState struct {
	Jobs    map[string]*JobRecord  `json:"jobs"`
	Tasks   map[string]*TaskRecord `json:"tasks"`
	Peers   map[string]*Peer       `json:"peers"`
	Leader  string                 `json:"leader"`
	Version int64                  `json:"version"`
}

// NewJournalState returns an empty state with initialized maps.
func NewJournalState() *JournalState {
	return &JournalState{
		Jobs:  make(map[string]*JobRecord),
		Tasks: make(map[string]*TaskRecord),
		Peers: make(map[string]*Peer),
	}
}

// TaskKey is the Tasks map key for a job's task.
func TaskKey(jobID string, t Task) string {
	return jobID + "/" + t.Name()
}

// Log entry types and operations
const (
	EntryJob  = "job"
	EntryTask = "task"
	EntryPeer = "peer"

	OpUpdate   = "update"
	OpRegister = "register"
	OpLeave    = "leave"
)

// LogEntry represents an entry in the Raft log
type LogEntry struct {
	Type      string          `json:"type"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewLogEntry encodes payload into a log entry.
func NewLogEntry(typ, op string, payload any) (*LogEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &LogEntry{Type: typ, Operation: op, Data: data, Timestamp: time.Now()}, nil
}

// TaskUpdate is a log entry operation
type TaskUpdate struct {
	JobID string `json:"job_id"`
	Task  Task   `json:"task"`
}

// PeerRegistration is a log entry operation
type PeerRegistration struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// PeerDeparture is a log entry operation
type PeerDeparture struct {
	NodeID string `json:"node_id"`
}
