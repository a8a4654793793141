package clusterserver

import (
	"context"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
)

// StateReader exposes the applied cluster state.
type StateReader interface {
	State() *clusterstate.State
}

// Dispatcher runs shard tasks on the node that owns them: locally when that
// is this node, over cluster RPC otherwise.
type Dispatcher struct {
	nodeID string
	local  ShardRunner
	state  StateReader
	client *Client
}

// NewDispatcher creates a Dispatcher. client may be nil for a single-node
// cluster.
func NewDispatcher(nodeID string, local ShardRunner, state StateReader, client *Client) *Dispatcher {
	return &Dispatcher{nodeID: nodeID, local: local, state: state, client: client}
}

// Dispatch runs task on nodeID.
func (d *Dispatcher) Dispatch(ctx context.Context, nodeID string, task shardstore.Task) (shardstore.Result, error) {
	if nodeID == d.nodeID || nodeID == "" {
		return d.local.Run(ctx, task)
	}
	m, ok := d.state.State().Member(nodeID)
	if !ok {
		return shardstore.Result{}, domain.ErrNodeLost.WithDetails(nodeID)
	}
	if d.client == nil || m.APIAddr == "" {
		return shardstore.Result{}, domain.ErrServiceUnavailable.WithDetails("no route to node " + nodeID)
	}
	return d.client.SnapshotShard(ctx, m.APIAddr, task)
}
