package clusterserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// Proposer is the part of a cluster node membership changes go through.
type Proposer interface {
	NodeID() string
	IsLeader() bool
	State() *clusterstate.State
	Submit(ctx context.Context, cmd clusterstate.Command) error
}

// Voters changes the consensus configuration. LocalCluster has none.
type Voters interface {
	AddVoter(nodeID, addr string, timeout time.Duration) error
	RemoveServer(nodeID string, timeout time.Duration) error
}

// Membership keeps the replicated member list in line with the live nodes.
// Only the leader acts; followers ignore events.
type Membership struct {
	cluster Proposer
	voters  Voters
	timeout time.Duration
	logger  *slog.Logger
}

// NewMembership creates a Membership. voters may be nil.
func NewMembership(cluster Proposer, voters Voters, timeout time.Duration, logger *slog.Logger) *Membership {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultApplyTimeout
	}
	return &Membership{cluster: cluster, voters: voters, timeout: timeout, logger: logger}
}

// Join adds a member as voter and records it in cluster state.
func (m *Membership) Join(ctx context.Context, member domain.Member) error {
	if !m.cluster.IsLeader() {
		return domain.ErrNotLeader
	}
	if member.NodeID == "" {
		return domain.ErrMissingArgument.WithDetails("node_id is required")
	}
	if m.voters != nil && member.NodeID != m.cluster.NodeID() && member.Addr != "" {
		if err := m.voters.AddVoter(member.NodeID, member.Addr, m.timeout); err != nil {
			return domain.ErrProposalFailed.WithCause(err).WithDetails("add voter " + member.NodeID)
		}
	}
	if err := m.submit(ctx, clusterstate.CmdMemberJoin, clusterstate.MemberJoinPayload{Member: member}); err != nil {
		return err
	}
	m.logger.Info("member joined", "node_id", member.NodeID, "addr", member.Addr, "api_addr", member.APIAddr)
	return nil
}

// Leave removes a member. Its in-flight work is resolved by the state
// machine.
func (m *Membership) Leave(ctx context.Context, nodeID string) error {
	if !m.cluster.IsLeader() {
		return domain.ErrNotLeader
	}
	if nodeID == m.cluster.NodeID() {
		return nil
	}
	if err := m.submit(ctx, clusterstate.CmdMemberLeave, clusterstate.MemberLeavePayload{NodeID: nodeID}); err != nil {
		return err
	}
	if m.voters != nil {
		if err := m.voters.RemoveServer(nodeID, m.timeout); err != nil {
			m.logger.Warn("failed to remove raft server", "node_id", nodeID, "error", err)
		}
	}
	m.logger.Info("member left", "node_id", nodeID)
	return nil
}

// Sync reconciles the member list against the live set: missing nodes join,
// recorded nodes that are no longer live leave.
func (m *Membership) Sync(ctx context.Context, live []domain.Member) error {
	if !m.cluster.IsLeader() {
		return nil
	}
	state := m.cluster.State()
	seen := make(map[string]bool, len(live))
	for _, mem := range live {
		seen[mem.NodeID] = true
		prev, ok := state.Member(mem.NodeID)
		if ok && prev.Addr == mem.Addr && prev.APIAddr == mem.APIAddr {
			continue
		}
		if err := m.Join(ctx, mem); err != nil {
			return err
		}
	}
	for _, id := range state.MemberIDs() {
		if !seen[id] {
			if err := m.Leave(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run periodically syncs against live() while ctx is not done.
func (m *Membership) Run(ctx context.Context, live func() []domain.Member, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Sync(ctx, live()); err != nil && ctx.Err() == nil {
			m.logger.Warn("membership sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Membership) submit(ctx context.Context, typ clusterstate.CommandType, payload any) error {
	cmd, err := clusterstate.NewCommand(typ, time.Now().UnixMilli(), payload)
	if err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.cluster.Submit(ctx, cmd)
}
