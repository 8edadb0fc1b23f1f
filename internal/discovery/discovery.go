package discovery

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"DistMR/internal/logger"
)

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeUpdate(node)
}

// metaDelegate advertises the local raft address as node metadata.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// Member is a discovered node.
type Member struct {
	NodeID     string
	GossipAddr string
	RaftAddr   string
}

// NodeDiscovery uses memberlist for automatic node discovery and health tracking
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	// onNodeJoin and onNodeLeave are callbacks when nodes join/leave
	onNodeJoin  func(nodeID, raftAddr string)
	onNodeLeave func(nodeID string)

	members     map[string]Member
	localNodeID string
}

// Config for node discovery
type Config struct {
	NodeID       string   // Unique node identifier
	LocalAddress string   // Address to bind to
	LocalPort    int      // Port to bind to
	RaftAddr     string   // Raft address advertised to other nodes
	JoinAddrs    []string // Addresses to join cluster (format: "host:port")
	Logger       *logger.Logger
}

// NewNodeDiscovery creates a new node discovery service. Join and leave
// callbacks should be registered before calling Join.
func NewNodeDiscovery(cfg Config) (*NodeDiscovery, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = "127.0.0.1"
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.With("node_id", cfg.NodeID)
	lg.Info("Initializing node discovery: addr=%s:%d raft_addr=%s", cfg.LocalAddress, cfg.LocalPort, cfg.RaftAddr)

	nd := &NodeDiscovery{
		logger:      lg,
		localNodeID: cfg.NodeID,
		members:     make(map[string]Member),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.LocalPort
	mlConfig.BindAddr = cfg.LocalAddress
	mlConfig.AdvertiseAddr = cfg.LocalAddress
	mlConfig.AdvertisePort = cfg.LocalPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.Events = &EventDelegate{discovery: nd}
	mlConfig.Delegate = &metaDelegate{meta: []byte(cfg.RaftAddr)}
	mlConfig.LogOutput = logWriter{lg}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		nd.Join(cfg.JoinAddrs)
	}

	return nd, nil
}

// logWriter forwards memberlist's own log lines at debug level.
type logWriter struct {
	lg *logger.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.lg.Debug("memberlist: %s", trimNewline(p))
	return len(p), nil
}

func trimNewline(p []byte) string {
	if n := len(p); n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	return string(p)
}

// Join contacts existing members. A failed join leaves this node running
// as a cluster of one.
func (nd *NodeDiscovery) Join(addrs []string) int {
	n, err := nd.memberlist.Join(addrs)
	if err != nil {
		nd.logger.Warn("Failed to join cluster: %v (continuing as single node)", err)
		return n
	}
	nd.logger.Info("Successfully joined cluster with %d nodes", nd.memberlist.NumMembers())
	return n
}

// LocalNodeID returns this node's id
func (nd *NodeDiscovery) LocalNodeID() string {
	return nd.localNodeID
}

// GetMembers returns all discovered nodes, sorted by id
func (nd *NodeDiscovery) GetMembers() []Member {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	result := make([]Member, 0, len(nd.members))
	for _, m := range nd.members {
		result = append(result, m)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].NodeID < result[k].NodeID })
	return result
}

// RaftAddrs returns nodeID -> raft address for every discovered node
func (nd *NodeDiscovery) RaftAddrs() map[string]string {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	result := make(map[string]string, len(nd.members))
	for id, m := range nd.members {
		result[id] = m.RaftAddr
	}
	return result
}

// RegisterJoinCallback registers a callback for when nodes join
func (nd *NodeDiscovery) RegisterJoinCallback(callback func(nodeID, raftAddr string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeJoin = callback
}

// RegisterLeaveCallback registers a callback for when nodes leave
func (nd *NodeDiscovery) RegisterLeaveCallback(callback func(nodeID string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeLeave = callback
}

func memberOf(node *memberlist.Node) Member {
	return Member{
		NodeID:     node.Name,
		GossipAddr: net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port))),
		RaftAddr:   string(node.Meta),
	}
}

// handleNodeJoin processes a node join event
func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	m := memberOf(node)
	nd.mu.Lock()
	nd.members[m.NodeID] = m
	callback := nd.onNodeJoin
	nd.mu.Unlock()

	nd.logger.Info("Node joined: peer=%s gossip_addr=%s raft_addr=%s", m.NodeID, m.GossipAddr, m.RaftAddr)

	// memberlist holds its lock while notifying; the callback may block on raft.
	if callback != nil && m.NodeID != nd.localNodeID {
		go callback(m.NodeID, m.RaftAddr)
	}
}

// handleNodeLeave processes a node leave event
func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.Lock()
	nodeID := node.Name
	delete(nd.members, nodeID)
	callback := nd.onNodeLeave
	nd.mu.Unlock()

	nd.logger.Info("Node left: peer=%s", nodeID)

	if callback != nil && nodeID != nd.localNodeID {
		go callback(nodeID)
	}
}

// handleNodeUpdate processes a node update event (e.g., metadata change)
func (nd *NodeDiscovery) handleNodeUpdate(node *memberlist.Node) {
	m := memberOf(node)
	nd.mu.Lock()
	nd.members[m.NodeID] = m
	nd.mu.Unlock()

	nd.logger.Debug("Node updated: peer=%s gossip_addr=%s", m.NodeID, m.GossipAddr)
}

// NumMembers returns the number of known cluster members
func (nd *NodeDiscovery) NumMembers() int {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return len(nd.members)
}

// Leave gracefully leaves the cluster
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown shuts down the discovery service
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}
