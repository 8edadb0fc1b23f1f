package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/raft"
	"DistMR/internal/types"
)

var ErrJobNotFound = errors.New("job not found")

// Master journals map-reduce jobs through Raft consensus. It implements
// mapreduce.Journal and serves the replicated job table to status readers.
type Master struct {
	cluster *raft.Cluster
	logger  *logger.Logger

	mu       sync.Mutex
	rejected int64
}

// NewMaster creates a new master with Raft consensus
func NewMaster(cfg raft.Config) (*Master, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO")
	}
	cluster, err := raft.NewCluster(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft cluster: %w", err)
	}

	lg := cfg.Logger.With("node_id", cfg.NodeID)
	lg.Info("Master initialized: raft_addr=%s", cluster.RaftAddr())

	return &Master{
		cluster: cluster,
		logger:  lg,
	}, nil
}

func (m *Master) notLeader() error {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
	return fmt.Errorf("not the leader, current leader: %s", m.cluster.GetLeader())
}

// RecordJob journals a job snapshot. Only the leader accepts writes.
func (m *Master) RecordJob(rec types.JobRecord) error {
	if !m.cluster.IsLeader() {
		return m.notLeader()
	}
	if err := m.cluster.RecordJob(rec); err != nil {
		return fmt.Errorf("failed to journal job %s: %w", rec.ID, err)
	}
	return nil
}

// RecordTask journals a task transition. Only the leader accepts writes.
func (m *Master) RecordTask(jobID string, task types.Task) error {
	if !m.cluster.IsLeader() {
		return m.notLeader()
	}
	if err := m.cluster.RecordTask(jobID, task); err != nil {
		return fmt.Errorf("failed to journal task %s/%s: %w", jobID, task.Name(), err)
	}
	return nil
}

// RegisterPeer adds a discovered node to the Raft configuration and
// journals it. Followers ignore the call; the leader sees the same join.
func (m *Master) RegisterPeer(nodeID, raftAddr string) error {
	if nodeID == m.cluster.NodeID() {
		return nil
	}
	if !m.cluster.IsLeader() {
		m.logger.Debug("Not leader, skipping peer registration: peer=%s leader=%s", nodeID, m.cluster.GetLeader())
		return nil
	}
	if raftAddr == "" {
		return fmt.Errorf("peer %s has no raft address", nodeID)
	}

	if err := m.cluster.AddPeer(nodeID, raftAddr); err != nil {
		m.logger.Error("Failed to add raft voter: peer=%s err=%v", nodeID, err)
		return fmt.Errorf("failed to add peer %s: %w", nodeID, err)
	}
	if err := m.cluster.RegisterPeer(nodeID, raftAddr); err != nil {
		return fmt.Errorf("failed to register peer %s: %w", nodeID, err)
	}

	m.logger.Info("Peer registered: peer=%s raft_addr=%s", nodeID, raftAddr)
	return nil
}

// RemovePeer drops a departed node from the Raft configuration.
func (m *Master) RemovePeer(nodeID string) error {
	if nodeID == m.cluster.NodeID() || !m.cluster.IsLeader() {
		return nil
	}
	if err := m.cluster.RemovePeer(nodeID); err != nil {
		return fmt.Errorf("failed to remove peer %s: %w", nodeID, err)
	}
	if err := m.cluster.PeerLeft(nodeID); err != nil {
		m.logger.Warn("Failed to journal departure: peer=%s err=%v", nodeID, err)
	}
	m.logger.Info("Peer removed: peer=%s", nodeID)
	return nil
}

// Jobs returns every journaled job, oldest first
func (m *Master) Jobs() []types.JobRecord {
	return m.cluster.GetFSM().ListJobs()
}

// Job returns the journaled summary of one job
func (m *Master) Job(id string) (types.JobRecord, error) {
	rec, ok := m.cluster.GetFSM().GetJob(id)
	if !ok {
		return types.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec, nil
}

// Tasks returns the journaled tasks of a job
func (m *Master) Tasks(jobID string) []types.Task {
	return m.cluster.GetFSM().TasksOf(jobID)
}

// GetJournalState returns the current journal state
func (m *Master) GetJournalState() *types.JournalState {
	return m.cluster.GetJournalState()
}

// Rejected returns how many writes were refused because this node was not
// the leader.
func (m *Master) Rejected() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

// NodeID returns this master's node id
func (m *Master) NodeID() string {
	return m.cluster.NodeID()
}

// RaftAddr returns this master's raft address
func (m *Master) RaftAddr() string {
	return m.cluster.RaftAddr()
}

// IsLeader returns true if this master is the current leader
func (m *Master) IsLeader() bool {
	return m.cluster.IsLeader()
}

// GetLeader returns the current leader ID
func (m *Master) GetLeader() string {
	return m.cluster.GetLeader()
}

// WaitForLeader waits until a leader is elected
func (m *Master) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if m.cluster.GetLeader() != "" {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("no leader elected within timeout")
}

// GetPeers returns all servers in the Raft configuration
func (m *Master) GetPeers() map[string]string {
	peers := m.cluster.GetPeers()
	result := make(map[string]string)

	for id, server := range peers {
		result[id] = string(server.Address)
	}

	return result
}

// GetStats returns Raft statistics
func (m *Master) GetStats() map[string]string {
	return m.cluster.Stats()
}

// Close closes the master and its Raft cluster
func (m *Master) Close() error {
	return m.cluster.Close()
}
