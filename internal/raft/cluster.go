package raft

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Cluster manages a Raft cluster replicating the job journal
type Cluster struct {
	nodeID        string
	raftAddr      string
	applyTimeout  time.Duration
	raft          *raft.Raft
	fsm           *FSM
	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	logger        *logger.Logger
}

// Config for creating a new cluster
type Config struct {
	NodeID       string        // Unique node identifier
	BindAddr     string        // Address to bind Raft transport
	BindPort     int           // Port for Raft transport
	DataDir      string        // Directory for log store and snapshots
	Join         bool          // Wait to be added by an existing leader instead of bootstrapping
	ApplyTimeout time.Duration // Per-entry apply timeout
	Logger       *logger.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO")
	}
	return cfg
}

// NewCluster creates a new Raft cluster node
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}

	cfg = cfg.withDefaults()
	lg := cfg.Logger.With("node_id", cfg.NodeID)
	lg.Info("Initializing Raft journal node: bind_addr=%s:%d", cfg.BindAddr, cfg.BindPort)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		lg.Error("Failed to create data directory: %v", err)
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Cluster{
		nodeID:       cfg.NodeID,
		applyTimeout: cfg.ApplyTimeout,
		fsm:          NewFSM(lg),
		logger:       lg,
	}

	hlog := hclog.New(&hclog.LoggerOptions{
		Name:   "raft." + cfg.NodeID,
		Level:  hclogLevel(cfg.Logger.Level()),
		Output: os.Stderr,
	})

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db"))
	if err != nil {
		lg.Error("Failed to create log store: %v", err)
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	c.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		lg.Error("Failed to create stable store: %v", err)
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	c.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, 3, hlog)
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create snapshot store: %v", err)
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	c.snapshotStore = snapshotStore

	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort))
	if err != nil {
		c.closeStores()
		lg.Error("Failed to resolve address: %v", err)
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(addr.String(), addr, 3, 10*time.Second, hlog)
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create transport: %v", err)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.transport = transport
	c.raftAddr = string(transport.LocalAddr())

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = hlog
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 64

	r, err := raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, transport)
	if err != nil {
		transport.Close()
		c.closeStores()
		lg.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r
	lg.Info("Raft node initialized: raft_addr=%s", c.raftAddr)

	if !cfg.Join {
		// An existing on-disk configuration means we are restarting.
		hasState, err := raft.HasExistingState(c.logStore, c.stableStore, c.snapshotStore)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to inspect raft state: %w", err)
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{
					{
						Suffrage: raft.Voter,
						ID:       raft.ServerID(cfg.NodeID),
						Address:  transport.LocalAddr(),
					},
				},
			}
			f := c.raft.BootstrapCluster(configuration)
			if err := f.Error(); err != nil {
				c.Close()
				lg.Error("Failed to bootstrap cluster: %v", err)
				return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			lg.Info("Cluster bootstrapped as first node")
		}
	}

	return c, nil
}

func hclogLevel(l logger.Level) hclog.Level {
	switch l {
	case logger.DEBUG:
		return hclog.Debug
	case logger.INFO:
		// raft is chatty at info; keep it to leadership changes and worse
		return hclog.Warn
	case logger.WARN:
		return hclog.Warn
	default:
		return hclog.Error
	}
}

// NodeID returns this node's raft server id
func (c *Cluster) NodeID() string {
	return c.nodeID
}

// RaftAddr returns the address other nodes use to reach this node
func (c *Cluster) RaftAddr() string {
	return c.raftAddr
}

// AddPeer adds a peer to the Raft cluster as a voter
func (c *Cluster) AddPeer(nodeID, address string) error {
	f := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0)
	return f.Error()
}

// RemovePeer removes a peer from the Raft cluster
func (c *Cluster) RemovePeer(nodeID string) error {
	f := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	return f.Error()
}

// IsLeader returns true if this node is the current leader
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the current leader ID
func (c *Cluster) GetLeader() string {
	_, id := c.raft.LeaderWithID()
	return string(id)
}

// ApplyLog applies a log entry to the state machine
// This should only be called on the leader
func (c *Cluster) ApplyLog(entry *types.LogEntry) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", c.GetLeader())
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(data, c.applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return fmt.Errorf("journal rejected %s %s: %w", entry.Type, entry.Operation, err)
	}

	return nil
}

func (c *Cluster) apply(typ, op string, payload any) error {
	entry, err := types.NewLogEntry(typ, op, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s entry: %w", typ, err)
	}
	return c.ApplyLog(entry)
}

// RecordJob journals a job snapshot
func (c *Cluster) RecordJob(rec types.JobRecord) error {
	return c.apply(types.EntryJob, types.OpUpdate, rec)
}

// RecordTask journals a task transition
func (c *Cluster) RecordTask(jobID string, task types.Task) error {
	return c.apply(types.EntryTask, types.OpUpdate, types.TaskUpdate{JobID: jobID, Task: task})
}

// RegisterPeer journals a node joining the cluster
func (c *Cluster) RegisterPeer(nodeID, raftAddr string) error {
	return c.apply(types.EntryPeer, types.OpRegister, types.PeerRegistration{NodeID: nodeID, RaftAddr: raftAddr})
}

// PeerLeft journals a node leaving the cluster
func (c *Cluster) PeerLeft(nodeID string) error {
	return c.apply(types.EntryPeer, types.OpLeave, types.PeerDeparture{NodeID: nodeID})
}

// GetJournalState returns the current journal state
func (c *Cluster) GetJournalState() *types.JournalState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeader()
	return state
}

// GetPeers returns all known peers in the cluster
func (c *Cluster) GetPeers() map[string]raft.Server {
	config := c.raft.GetConfiguration()
	peers := make(map[string]raft.Server)

	if config.Error() == nil {
		for _, server := range config.Configuration().Servers {
			peers[string(server.ID)] = server
		}
	}

	return peers
}

// GetFSM returns the underlying FSM
func (c *Cluster) GetFSM() *FSM {
	return c.fsm
}

func (c *Cluster) closeStores() error {
	var result *multierror.Error
	for _, s := range []any{c.logStore, c.stableStore} {
		if closer, ok := s.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Close closes the Raft node
func (c *Cluster) Close() error {
	var result *multierror.Error

	if err := c.raft.Shutdown().Error(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to shut down raft: %w", err))
	}
	if err := c.closeStores(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.transport.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close transport: %w", err))
	}

	c.logger.Info("Raft node closed")
	return result.ErrorOrNil()
}

// Stats returns the Raft statistics
func (c *Cluster) Stats() map[string]string {
	return c.raft.Stats()
}
