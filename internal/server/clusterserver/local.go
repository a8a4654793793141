package clusterserver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// LocalCluster replicates state between nodes of one process. It backs
// single-node deployments and tests; commands pass through the same encoding
// and state machine as the Raft log.
type LocalCluster struct {
	fsm *FSM

	mu     sync.Mutex
	leader string
	term   uint64
	nodes  map[string]*LocalNode
}

// NewLocalCluster creates an in-process cluster without a leader.
func NewLocalCluster(logger *slog.Logger) *LocalCluster {
	return &LocalCluster{
		fsm:   NewFSM(logger),
		nodes: make(map[string]*LocalNode),
	}
}

// Node returns the handle for nodeID, creating it on first use.
func (lc *LocalCluster) Node(nodeID, apiAddr string) *LocalNode {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if n, ok := lc.nodes[nodeID]; ok {
		return n
	}
	n := &LocalNode{cluster: lc, id: nodeID, apiAddr: apiAddr}
	lc.nodes[nodeID] = n
	return n
}

// SetLeader makes nodeID the leader in a new term. An empty id leaves the
// cluster leaderless.
func (lc *LocalCluster) SetLeader(nodeID string) {
	lc.mu.Lock()
	lc.leader = nodeID
	lc.term++
	lc.mu.Unlock()
	lc.fsm.Notify()
}

// FSM returns the shared state machine.
func (lc *LocalCluster) FSM() *FSM { return lc.fsm }

func (lc *LocalCluster) leadership() (string, uint64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.leader, lc.term
}

// LocalNode is one node's view of a LocalCluster.
type LocalNode struct {
	cluster *LocalCluster
	id      string
	apiAddr string
}

// NodeID returns the node id.
func (n *LocalNode) NodeID() string { return n.id }

// IsLeader reports whether this node leads.
func (n *LocalNode) IsLeader() bool {
	leader, _ := n.cluster.leadership()
	return leader == n.id
}

// LeaderAddr returns the leader's API address.
func (n *LocalNode) LeaderAddr() string {
	leader, _ := n.cluster.leadership()
	if leader == "" {
		return ""
	}
	if m, ok := n.cluster.fsm.State().Member(leader); ok && m.APIAddr != "" {
		return m.APIAddr
	}
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	if ln, ok := n.cluster.nodes[leader]; ok {
		return ln.apiAddr
	}
	return ""
}

// State returns a copy of the applied state.
func (n *LocalNode) State() *clusterstate.State { return n.cluster.fsm.State() }

// Changed returns a channel closed on the next change.
func (n *LocalNode) Changed() <-chan struct{} { return n.cluster.fsm.Changed() }

// Submit applies cmd if this node leads.
func (n *LocalNode) Submit(ctx context.Context, cmd clusterstate.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	leader, term := n.cluster.leadership()
	if leader != n.id {
		return domain.ErrNotLeader.WithDetails("leader is " + leader)
	}
	data, err := cmd.Encode()
	if err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}
	decoded, err := clusterstate.DecodeCommand(data)
	if err != nil {
		return domain.ErrProposalFailed.WithCause(err)
	}
	return n.cluster.fsm.apply(decoded, term)
}
