package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"DistMR/internal/logger"
	"DistMR/internal/types"
	raft "github.com/hashicorp/raft"
)

// FSM implements the Finite State Machine for Raft
// It holds the replicated job journal that all nodes agree on
type FSM struct {
	mu     sync.RWMutex
	state  *types.JournalState
	logger *logger.Logger
}

// NewFSM creates a new FSM with an empty journal
func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &FSM{
		state:  types.NewJournalState(),
		logger: lg,
	}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}
	return f.applyEntry(&entry)
}

func (f *FSM) applyEntry(entry *types.LogEntry) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Debug("Applying log entry: type=%s operation=%s", entry.Type, entry.Operation)

	switch entry.Type {
	case types.EntryJob:
		return f.applyJob(entry)
	case types.EntryTask:
		return f.applyTask(entry)
	case types.EntryPeer:
		return f.applyPeer(entry)
	default:
		f.logger.Warn("Unknown log entry type: %s", entry.Type)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

// applyJob stores a job snapshot. A job that reached a terminal status
// keeps it.
func (f *FSM) applyJob(entry *types.LogEntry) interface{} {
	if entry.Operation != types.OpUpdate {
		return fmt.Errorf("unknown job operation: %s", entry.Operation)
	}
	var rec types.JobRecord
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return fmt.Errorf("invalid job data: %w", err)
	}
	if rec.ID == "" {
		return fmt.Errorf("invalid job data: empty id")
	}

	if cur, ok := f.state.Jobs[rec.ID]; ok && cur.Status.Terminal() && cur.Status != rec.Status {
		f.logger.Warn("Rejected job update: job_id=%s status=%s current=%s", rec.ID, rec.Status, cur.Status)
		return fmt.Errorf("job %s is already %s", rec.ID, cur.Status)
	}

	f.state.Jobs[rec.ID] = &rec
	f.state.Version++
	f.logger.Debug("Job journaled: job_id=%s status=%s completed=%d", rec.ID, rec.Status, rec.Completed)
	return nil
}

func (f *FSM) applyTask(entry *types.LogEntry) interface{} {
	if entry.Operation != types.OpUpdate {
		return fmt.Errorf("unknown task operation: %s", entry.Operation)
	}
	var upd types.TaskUpdate
	if err := json.Unmarshal(entry.Data, &upd); err != nil {
		return fmt.Errorf("invalid task data: %w", err)
	}
	if upd.JobID == "" {
		return fmt.Errorf("invalid task data: empty job id")
	}

	key := types.TaskKey(upd.JobID, upd.Task)
	f.state.Tasks[key] = &types.TaskRecord{JobID: upd.JobID, Task: upd.Task, Updated: entry.Timestamp}
	f.state.Version++
	f.logger.Debug("Task journaled: key=%s status=%s attempts=%d", key, upd.Task.Status, upd.Task.Attempts)
	return nil
}

func (f *FSM) applyPeer(entry *types.LogEntry) interface{} {
	switch entry.Operation {
	case types.OpRegister:
		var reg types.PeerRegistration
		if err := json.Unmarshal(entry.Data, &reg); err != nil {
			return fmt.Errorf("invalid registration data: %w", err)
		}
		f.state.Peers[reg.NodeID] = &types.Peer{
			ID:       reg.NodeID,
			RaftAddr: reg.RaftAddr,
			Status:   types.PeerAlive,
			LastSeen: entry.Timestamp,
		}
		f.state.Version++
		f.logger.Info("Peer registered: node_id=%s raft_addr=%s", reg.NodeID, reg.RaftAddr)
		return nil

	case types.OpLeave:
		var dep types.PeerDeparture
		if err := json.Unmarshal(entry.Data, &dep); err != nil {
			return fmt.Errorf("invalid departure data: %w", err)
		}
		peer, ok := f.state.Peers[dep.NodeID]
		if !ok {
			f.logger.Warn("Peer not found for departure: node_id=%s", dep.NodeID)
			return fmt.Errorf("peer not found: %s", dep.NodeID)
		}
		peer.Status = types.PeerLeft
		peer.LastSeen = entry.Timestamp
		f.state.Version++
		f.logger.Info("Peer left: node_id=%s", dep.NodeID)
		return nil

	default:
		f.logger.Warn("Unknown peer operation: %s", entry.Operation)
		return fmt.Errorf("unknown peer operation: %s", entry.Operation)
	}
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: f.copyState()}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := types.NewJournalState()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	// Decoding a null map leaves it nil.
	if state.Jobs == nil {
		state.Jobs = make(map[string]*types.JobRecord)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]*types.TaskRecord)
	}
	if state.Peers == nil {
		state.Peers = make(map[string]*types.Peer)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	return nil
}

// copyState deep copies the state. Callers hold f.mu.
func (f *FSM) copyState() *types.JournalState {
	c := types.NewJournalState()
	c.Leader = f.state.Leader
	c.Version = f.state.Version
	for k, v := range f.state.Jobs {
		rec := *v
		c.Jobs[k] = &rec
	}
	for k, v := range f.state.Tasks {
		tr := *v
		c.Tasks[k] = &tr
	}
	for k, v := range f.state.Peers {
		p := *v
		c.Peers[k] = &p
	}
	return c
}

// GetState returns a copy of the current journal state
func (f *FSM) GetState() *types.JournalState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.copyState()
}

// GetJob returns a job by ID
func (f *FSM) GetJob(jobID string) (types.JobRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.state.Jobs[jobID]
	if !ok {
		return types.JobRecord{}, false
	}
	return *rec, true
}

// ListJobs returns every journaled job, oldest first
func (f *FSM) ListJobs() []types.JobRecord {
	f.mu.RLock()
	recs := make([]types.JobRecord, 0, len(f.state.Jobs))
	for _, rec := range f.state.Jobs {
		recs = append(recs, *rec)
	}
	f.mu.RUnlock()

	sort.Slice(recs, func(i, k int) bool {
		if recs[i].Submitted.Equal(recs[k].Submitted) {
			return recs[i].ID < recs[k].ID
		}
		return recs[i].Submitted.Before(recs[k].Submitted)
	})
	return recs
}

// TasksOf returns the journaled tasks of a job, map tasks first
func (f *FSM) TasksOf(jobID string) []types.Task {
	f.mu.RLock()
	var tasks []types.Task
	for _, tr := range f.state.Tasks {
		if tr.JobID == jobID {
			tasks = append(tasks, tr.Task)
		}
	}
	f.mu.RUnlock()

	sort.Slice(tasks, func(i, k int) bool {
		if tasks[i].Kind != tasks[k].Kind {
			return tasks[i].Kind == types.MapTask
		}
		return tasks[i].ID < tasks[k].ID
	})
	return tasks
}

// GetAlivePeers returns all registered peers that have not left
func (f *FSM) GetAlivePeers() []*types.Peer {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var alive []*types.Peer
	for _, p := range f.state.Peers {
		if p.Status == types.PeerAlive {
			cp := *p
			alive = append(alive, &cp)
		}
	}
	sort.Slice(alive, func(i, k int) bool { return alive[i].ID < alive[k].ID })
	return alive
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state *types.JournalState
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

func (s *snapshot) Release() {}
