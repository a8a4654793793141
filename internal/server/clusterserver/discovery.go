package clusterserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/memberlist"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// Discovery tracks live nodes with the memberlist gossip protocol.
type Discovery struct {
	memberList *memberlist.Memberlist
	logger     *slog.Logger

	mu       sync.RWMutex
	shutdown bool
	onJoin   func(domain.Member)
	onLeave  func(nodeID string)
}

// DiscoveryConfig configures the discovery mechanism.
type DiscoveryConfig struct {
	// NodeID is the unique node identifier.
	NodeID string

	// BindAddr is the address to bind for gossip communication.
	BindAddr string

	// BindPort is the port to bind for gossip communication.
	BindPort int

	// RaftAddr is the Raft communication address (host:port).
	RaftAddr string

	// APIAddr is the HTTP address serving the admin API and cluster RPC.
	APIAddr string

	// SeedNodes are the initial gossip addresses to join.
	SeedNodes []string

	// Logger for logging.
	Logger *slog.Logger
}

// nodeMetadata is gossiped with every node.
type nodeMetadata struct {
	RaftAddr string `json:"raft_addr"`
	APIAddr  string `json:"api_addr,omitempty"`
}

// NewDiscovery creates a new discovery instance and joins the seeds.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "discovery")

	meta, err := json.Marshal(nodeMetadata{RaftAddr: cfg.RaftAddr, APIAddr: cfg.APIAddr})
	if err != nil {
		return nil, fmt.Errorf("encode node metadata: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node metadata exceeds %d bytes", memberlist.MetaMaxSize)
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.LogOutput = &slogWriter{logger: logger}
	mlConfig.Delegate = &metadataDelegate{meta: meta}

	d := &Discovery{logger: logger}
	mlConfig.Events = &eventDelegate{discovery: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	d.memberList = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("join seed nodes: %w", err)
		}
		logger.Info("joined gossip cluster",
			"node_id", cfg.NodeID,
			"seed_nodes", cfg.SeedNodes,
			"joined_count", n)
	} else {
		logger.Info("started discovery (bootstrap mode)", "node_id", cfg.NodeID)
	}
	return d, nil
}

// Live returns the live nodes as members.
func (d *Discovery) Live() []domain.Member {
	nodes := d.memberList.Members()
	out := make([]domain.Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memberFromNode(n))
	}
	return out
}

// LocalNode returns the local node information.
func (d *Discovery) LocalNode() *memberlist.Node {
	return d.memberList.LocalNode()
}

// OnJoin registers a callback for node join events.
func (d *Discovery) OnJoin(fn func(domain.Member)) {
	d.mu.Lock()
	d.onJoin = fn
	d.mu.Unlock()
}

// OnLeave registers a callback for node leave events.
func (d *Discovery) OnLeave(fn func(nodeID string)) {
	d.mu.Lock()
	d.onLeave = fn
	d.mu.Unlock()
}

// Leave gracefully leaves the cluster.
func (d *Discovery) Leave() error {
	if err := d.memberList.Leave(0); err != nil {
		d.logger.Error("failed to leave cluster", "error", err)
		return err
	}
	d.logger.Info("left gossip cluster")
	return nil
}

// Shutdown stops the discovery mechanism.
func (d *Discovery) Shutdown() error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	if err := d.memberList.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	d.logger.Info("discovery shutdown complete")
	return nil
}

func memberFromNode(n *memberlist.Node) domain.Member {
	var meta nodeMetadata
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	if meta.RaftAddr == "" {
		meta.RaftAddr = net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
	}
	return domain.Member{NodeID: n.Name, Addr: meta.RaftAddr, APIAddr: meta.APIAddr}
}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	discovery *Discovery
}

// NotifyJoin is called when a node joins.
func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	m := memberFromNode(node)
	e.discovery.logger.Info("node joined",
		"node_id", m.NodeID,
		"raft_addr", m.Addr,
		"api_addr", m.APIAddr)

	e.discovery.mu.RLock()
	fn := e.discovery.onJoin
	e.discovery.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

// NotifyLeave is called when a node leaves or is declared dead.
func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.discovery.logger.Info("node left", "node_id", node.Name)

	e.discovery.mu.RLock()
	fn := e.discovery.onLeave
	e.discovery.mu.RUnlock()
	if fn != nil {
		fn(node.Name)
	}
}

// NotifyUpdate is called when a node's metadata changes.
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.NotifyJoin(node)
}

// metadataDelegate provides node metadata to memberlist.
type metadataDelegate struct {
	meta []byte
}

// NodeMeta returns metadata about this node.
func (m *metadataDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return nil
	}
	return m.meta
}

func (m *metadataDelegate) NotifyMsg([]byte)                           {}
func (m *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metadataDelegate) LocalState(join bool) []byte                { return nil }
func (m *metadataDelegate) MergeRemoteState(buf []byte, join bool)     {}
