package clusterserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
)

// Cluster RPC procedures. Messages are structpb.Struct values holding the
// JSON form of the Go types.
const (
	ServicePath            = "/snapkeep.cluster.v1.ClusterService/"
	ProcedureJoin          = ServicePath + "Join"
	ProcedureSnapshotShard = ServicePath + "SnapshotShard"
)

// ShardRunner executes shard tasks locally.
type ShardRunner interface {
	Run(ctx context.Context, task shardstore.Task) (shardstore.Result, error)
}

// JoinResponse answers a join request.
type JoinResponse struct {
	Accepted   bool   `json:"accepted"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// Handler implements the cluster RPC procedures.
type Handler struct {
	membership *Membership
	runner     ShardRunner
	leaderAddr func() string
	logger     *slog.Logger
}

// NewHandler creates a new RPC handler. leaderAddr names the leader in
// rejected joins.
func NewHandler(membership *Membership, runner ShardRunner, leaderAddr func() string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		membership: membership,
		runner:     runner,
		leaderAddr: leaderAddr,
		logger:     logger,
	}
}

// Mount registers the procedures on mux.
func (h *Handler) Mount(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(ProcedureJoin, connect.NewUnaryHandler(ProcedureJoin, h.Join, opts...))
	mux.Handle(ProcedureSnapshotShard, connect.NewUnaryHandler(ProcedureSnapshotShard, h.SnapshotShard, opts...))
}

// Join handles the Join RPC.
//
// Only the leader accepts new members; followers answer with the leader's
// address so the caller can retry there.
func (h *Handler) Join(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	var member domain.Member
	if err := fromStruct(req.Msg, &member); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	h.logger.Info("join request received",
		"node_id", member.NodeID,
		"addr", member.Addr)

	if err := h.membership.Join(ctx, member); err != nil {
		if domain.IsDomainError(err, domain.ErrNotLeader.Code) {
			return respond(JoinResponse{Accepted: false, LeaderAddr: h.leaderAddr()})
		}
		return nil, err
	}
	return respond(JoinResponse{Accepted: true, LeaderAddr: h.leaderAddr()})
}

// SnapshotShard handles the SnapshotShard RPC.
func (h *Handler) SnapshotShard(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	var task shardstore.Task
	if err := fromStruct(req.Msg, &task); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if task.Repository == nil {
		return nil, domain.ErrMissingArgument.WithDetails("repository is required")
	}

	res, err := h.runner.Run(ctx, task)
	if err != nil {
		return nil, err
	}
	return respond(res)
}

func respond(v any) (*connect.Response[structpb.Struct], error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(s), nil
}

// toStruct converts v to a structpb.Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("message is not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
