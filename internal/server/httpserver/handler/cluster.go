package handler

import "net/http"

// handleClusterState handles GET /v1/cluster/state.
func (h *Handler) handleClusterState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, ClusterStateResponse{
		NodeID:     h.cluster.NodeID(),
		IsLeader:   h.cluster.IsLeader(),
		LeaderAddr: h.cluster.LeaderAddr(),
		State:      h.cluster.State(),
	})
}
