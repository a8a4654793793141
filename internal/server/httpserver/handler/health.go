package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// HealthResponse is the body of GET /health and GET /ready.
type HealthResponse struct {
	Status   string `json:"status"`
	Time     string `json:"time"`
	NodeID   string `json:"node_id,omitempty"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader_addr,omitempty"`
}

func (h *Handler) health(status string) HealthResponse {
	resp := HealthResponse{Status: status, Time: time.Now().UTC().Format(time.RFC3339)}
	if h.cluster != nil {
		resp.NodeID = h.cluster.NodeID()
		resp.IsLeader = h.cluster.IsLeader()
		resp.Leader = h.cluster.LeaderAddr()
	}
	return resp
}

// handleHealth reports liveness; it never consults the cluster's readiness.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.health("healthy"))
}

// handleReady answers 503 until a leader is known.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			h.handleServiceError(w, r, domain.ErrServiceUnavailable.WithDetails(err.Error()))
			return
		}
	}
	h.writeJSON(w, r, http.StatusOK, h.health("ready"))
}
