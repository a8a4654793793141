package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/core/service"
	"github.com/yndnr/snapkeep-go/internal/telemetry/logger"
)

// handleCreateSnapshot handles POST /v1/repositories/{repo}/snapshots.
func (h *Handler) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CreateSnapshotRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	wait, err := waitForCompletion(r, req.WaitForCompletion)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	handle, err := h.coord.CreateSnapshot(r.Context(), &service.CreateSnapshotRequest{
		Repository:         r.PathValue("repo"),
		Name:               req.Name,
		Indices:            req.Indices,
		IncludeGlobalState: req.IncludeGlobalState,
		Partial:            req.Partial,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.respondOperation(w, r, handle, wait)
}

// handleDeleteSnapshot handles POST /v1/repositories/{repo}/snapshots/{name}/delete.
func (h *Handler) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	var req DeleteSnapshotRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	wait, err := waitForCompletion(r, req.WaitForCompletion)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	handle, err := h.coord.DeleteSnapshot(r.Context(), r.PathValue("repo"), r.PathValue("name"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.respondOperation(w, r, handle, wait)
}

// handleCloneSnapshot handles POST /v1/repositories/{repo}/snapshots/{name}/clone.
func (h *Handler) handleCloneSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CloneSnapshotRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	wait, err := waitForCompletion(r, req.WaitForCompletion)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	handle, err := h.coord.CloneSnapshot(r.Context(), &service.CloneSnapshotRequest{
		Repository: r.PathValue("repo"),
		Source:     r.PathValue("name"),
		Target:     req.Target,
		Indices:    req.Indices,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.respondOperation(w, r, handle, wait)
}

// handleSnapshotStatus handles GET /v1/repositories/{repo}/snapshots/{name}/status.
func (h *Handler) handleSnapshotStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.coord.Status(r.Context(), r.PathValue("repo"), r.PathValue("name"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, status)
}

// waitForCompletion returns the wait_for_completion query parameter, or the
// body flag when the parameter is absent.
func waitForCompletion(r *http.Request, body bool) (bool, error) {
	if r.URL.Query().Get("wait_for_completion") == "" {
		return body, nil
	}
	return queryBool(r, "wait_for_completion")
}

// respondOperation answers 202 with the registered operation, or 200 with
// its outcome when the caller waits. An optional timeout parameter bounds
// the wait; a wait that times out still answers 202.
func (h *Handler) respondOperation(w http.ResponseWriter, r *http.Request, handle *service.Handle, wait bool) {
	resp := OperationResponse{
		ID:         handle.ID,
		Repository: handle.Repository,
		Kind:       handle.Kind,
		Snapshot:   handle.Snapshot,
	}
	ctx := logger.WithOperationID(r.Context(), handle.ID)
	logger.L(ctx).Info("snapshot operation registered",
		"repository", handle.Repository,
		"kind", handle.Kind,
		"snapshot", handle.Snapshot.Name)

	if !wait {
		h.writeJSON(w, r, http.StatusAccepted, resp)
		return
	}

	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			h.handleServiceError(w, r, domain.ErrInvalidArgument.WithDetails("timeout: "+t))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out, err := handle.Wait(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.writeJSON(w, r, http.StatusAccepted, resp)
		return
	case err != nil:
		h.handleServiceError(w, r, err)
		return
	}
	resp.Outcome = out
	h.writeJSON(w, r, http.StatusOK, resp)
}
