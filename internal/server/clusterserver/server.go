package clusterserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// Config configures a clustered node.
type Config struct {
	// NodeID is the unique node identifier.
	NodeID string

	// RaftBindAddr is the Raft transport address (host:port).
	RaftBindAddr string

	// RaftDataDir holds the Raft log, stable store and snapshots.
	RaftDataDir string

	// Bootstrap makes this node form a new cluster.
	Bootstrap bool

	// GossipBindAddr and GossipBindPort bind memberlist. An empty address
	// disables gossip; members then join through JoinAddrs only.
	GossipBindAddr string
	GossipBindPort int

	// SeedNodes are gossip addresses to join.
	SeedNodes []string

	// APIAddr is the advertised HTTP address serving cluster RPC.
	APIAddr string

	// JoinAddrs are API addresses of existing nodes to ask for admission.
	JoinAddrs []string

	// MembershipInterval is the period of the leader's membership sync.
	MembershipInterval time.Duration

	// MembershipTimeout bounds voter changes and member proposals.
	MembershipTimeout time.Duration

	// TLS, when set, is used to call peers over HTTPS.
	TLS *tls.Config

	// Logger for logging.
	Logger *slog.Logger
}

func (c *Config) validate() error {
	switch {
	case c.NodeID == "":
		return errors.New("node_id is required")
	case c.RaftBindAddr == "":
		return errors.New("raft bind address is required")
	case c.RaftDataDir == "":
		return errors.New("raft data dir is required")
	case c.GossipBindAddr != "" && c.GossipBindPort < 0:
		return fmt.Errorf("invalid gossip port %d", c.GossipBindPort)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MembershipInterval <= 0 {
		c.MembershipInterval = 5 * time.Second
	}
	if c.MembershipTimeout <= 0 {
		c.MembershipTimeout = defaultApplyTimeout
	}
	return nil
}

// Server runs one node of a Raft-replicated cluster: consensus, gossip
// discovery, membership reconciliation and the cluster RPC client.
type Server struct {
	cfg        Config
	fsm        *FSM
	raft       *RaftNode
	discovery  *Discovery
	membership *Membership
	client     *Client
	logger     *slog.Logger
}

// NewServer creates the node. Nothing runs until Start.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}

	fsm := NewFSM(cfg.Logger.With("component", "fsm"))
	node, err := NewRaftNode(RaftConfig{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.RaftBindAddr,
		DataDir:   cfg.RaftDataDir,
		Bootstrap: cfg.Bootstrap,
		Logger:    cfg.Logger,
	}, fsm)
	if err != nil {
		return nil, err
	}

	client := NewClient(nil, DefaultInterceptors(cfg.NodeID, cfg.Logger)...)
	if cfg.TLS != nil {
		client = NewTLSClient(cfg.TLS, DefaultInterceptors(cfg.NodeID, cfg.Logger)...)
	}
	s := &Server{
		cfg:        cfg,
		fsm:        fsm,
		raft:       node,
		membership: NewMembership(node, node, cfg.MembershipTimeout, cfg.Logger),
		client:     client,
		logger:     cfg.Logger,
	}

	if cfg.GossipBindAddr != "" {
		d, err := NewDiscovery(DiscoveryConfig{
			NodeID:    cfg.NodeID,
			BindAddr:  cfg.GossipBindAddr,
			BindPort:  cfg.GossipBindPort,
			RaftAddr:  node.Addr(),
			APIAddr:   cfg.APIAddr,
			SeedNodes: cfg.SeedNodes,
			Logger:    cfg.Logger,
		})
		if err != nil {
			node.Close()
			return nil, err
		}
		s.discovery = d
	}
	return s, nil
}

// Cluster returns the consensus node.
func (s *Server) Cluster() *RaftNode { return s.raft }

// IsLeader reports whether this node leads.
func (s *Server) IsLeader() bool { return s.raft.IsLeader() }

// GetMembers returns the replicated member list.
func (s *Server) GetMembers() []*domain.Member {
	state := s.raft.State()
	out := make([]*domain.Member, 0, len(state.Members))
	for _, id := range state.MemberIDs() {
		m, _ := state.Member(id)
		out = append(out, m)
	}
	return out
}

// Dispatcher returns a shard dispatcher running local tasks on runner.
func (s *Server) Dispatcher(runner ShardRunner) *Dispatcher {
	return NewDispatcher(s.cfg.NodeID, runner, s.raft, s.client)
}

// Mount registers the cluster RPC procedures on mux.
func (s *Server) Mount(mux *http.ServeMux, runner ShardRunner) {
	h := NewHandler(s.membership, runner, s.raft.LeaderAddr, s.logger)
	h.Mount(mux, connect.WithInterceptors(DefaultInterceptors(s.cfg.NodeID, s.logger)...))
}

// Start joins the cluster and keeps membership in sync until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	self := domain.Member{NodeID: s.cfg.NodeID, Addr: s.raft.Addr(), APIAddr: s.cfg.APIAddr}

	if s.discovery != nil {
		s.discovery.OnJoin(func(m domain.Member) {
			if s.raft.IsLeader() {
				go s.apply(ctx, "join", func(ctx context.Context) error { return s.membership.Join(ctx, m) })
			}
		})
		s.discovery.OnLeave(func(nodeID string) {
			if s.raft.IsLeader() {
				go s.apply(ctx, "leave", func(ctx context.Context) error { return s.membership.Leave(ctx, nodeID) })
			}
		})
	}

	if !s.cfg.Bootstrap && len(s.cfg.JoinAddrs) > 0 {
		addr, err := s.client.JoinCluster(ctx, s.cfg.JoinAddrs, self)
		if err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		s.logger.Info("joined cluster", "node_id", s.cfg.NodeID, "via", addr)
	}

	live := func() []domain.Member {
		if s.discovery != nil {
			return s.discovery.Live()
		}
		// Without gossip nothing is known to have left.
		members := []domain.Member{self}
		for _, m := range s.GetMembers() {
			if m.NodeID != self.NodeID {
				members = append(members, *m)
			}
		}
		return members
	}
	s.membership.Run(ctx, live, s.cfg.MembershipInterval)
	return ctx.Err()
}

func (s *Server) apply(ctx context.Context, what string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("membership change failed, the periodic sync will retry", "change", what, "error", err)
	}
}

// Shutdown leaves gossip and stops Raft.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.discovery != nil {
		if err := s.discovery.Leave(); err != nil {
			errs = append(errs, err)
		}
		if err := s.discovery.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.raft.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
