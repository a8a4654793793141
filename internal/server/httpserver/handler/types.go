package handler

import (
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/core/service"
)

// Response is the standard API response envelope.
// All JSON responses use this format (except /metrics).
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// PutRepositoryRequest is the body of POST /v1/repositories.
type PutRepositoryRequest struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Settings map[string]string `json:"settings,omitempty"`
}

// CreateSnapshotRequest is the body of POST /v1/repositories/{repo}/snapshots.
type CreateSnapshotRequest struct {
	Name               string   `json:"name"`
	Indices            []string `json:"indices,omitempty"`
	IncludeGlobalState bool     `json:"include_global_state"`
	Partial            bool     `json:"partial"`
	WaitForCompletion  bool     `json:"wait_for_completion"`
}

// CloneSnapshotRequest is the body of POST .../snapshots/{name}/clone.
type CloneSnapshotRequest struct {
	Target            string   `json:"target"`
	Indices           []string `json:"indices,omitempty"`
	WaitForCompletion bool     `json:"wait_for_completion"`
}

// DeleteSnapshotRequest is the optional body of POST .../snapshots/{name}/delete.
type DeleteSnapshotRequest struct {
	WaitForCompletion bool `json:"wait_for_completion"`
}

// OperationResponse describes a registered snapshot operation. Outcome is
// set once the caller waited for completion.
type OperationResponse struct {
	ID         string               `json:"id"`
	Repository string               `json:"repository"`
	Kind       domain.OperationKind `json:"kind"`
	Snapshot   domain.SnapshotID    `json:"snapshot"`
	Outcome    *service.Outcome     `json:"outcome,omitempty"`
}

// ClusterStateResponse is the body of GET /v1/cluster/state.
type ClusterStateResponse struct {
	NodeID     string              `json:"node_id"`
	IsLeader   bool                `json:"is_leader"`
	LeaderAddr string              `json:"leader_addr,omitempty"`
	State      *clusterstate.State `json:"state"`
}
