package service

import (
	"context"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
)

// Cluster is the consensus layer as seen by the services.
type Cluster interface {
	// NodeID returns the local node id.
	NodeID() string

	// IsLeader reports whether the local node currently leads.
	IsLeader() bool

	// LeaderAddr returns the API address of the current leader, if known.
	LeaderAddr() string

	// State returns a copy of the applied cluster state.
	State() *clusterstate.State

	// Submit proposes a command and returns once it was applied cluster-wide
	// or rejected. A rejection carries the domain error returned by Apply.
	Submit(ctx context.Context, cmd clusterstate.Command) error

	// Changed returns a channel closed on the next state or leadership change.
	Changed() <-chan struct{}
}

// Catalog describes the indices shards can be snapshotted from.
type Catalog interface {
	Indices(ctx context.Context) ([]string, error)
	ShardCount(ctx context.Context, index string) (int, error)
}

// Allocator places shards on members.
type Allocator interface {
	// Owner returns the member responsible for a shard, or false when
	// members is empty.
	Owner(key domain.ShardKey, members []string) (string, bool)
}

// ShardDispatcher runs a shard task on the given node.
type ShardDispatcher interface {
	Dispatch(ctx context.Context, nodeID string, task shardstore.Task) (shardstore.Result, error)
}

// DispatchFunc adapts a function to ShardDispatcher.
type DispatchFunc func(ctx context.Context, nodeID string, task shardstore.Task) (shardstore.Result, error)

// Dispatch implements ShardDispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, nodeID string, task shardstore.Task) (shardstore.Result, error) {
	return f(ctx, nodeID, task)
}

// propose submits one command with the proposer's clock and a timeout.
func propose(ctx context.Context, c Cluster, timeout time.Duration, typ clusterstate.CommandType, payload any) error {
	cmd, err := clusterstate.NewCommand(typ, time.Now().UnixMilli(), payload)
	if err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.Submit(ctx, cmd)
}

// requireLeader rejects requests on followers, naming the leader.
func requireLeader(c Cluster) error {
	if c.IsLeader() {
		return nil
	}
	if addr := c.LeaderAddr(); addr != "" {
		return domain.ErrNotLeader.WithDetails("leader is " + addr)
	}
	return domain.ErrNotLeader.WithDetails("no leader elected")
}
