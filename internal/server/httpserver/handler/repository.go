package handler

import (
	"net/http"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/core/service"
)

// handleListRepositories handles GET /v1/repositories.
func (h *Handler) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.repos.List())
}

// handlePutRepository handles POST /v1/repositories.
func (h *Handler) handlePutRepository(w http.ResponseWriter, r *http.Request) {
	var req PutRepositoryRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	meta, err := h.repos.Put(r.Context(), &service.PutRepositoryRequest{
		Name:     req.Name,
		Type:     domain.RepositoryType(req.Type),
		Settings: req.Settings,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, meta)
}

// handleGetRepository handles GET /v1/repositories/{repo}.
func (h *Handler) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	meta, err := h.repos.Get(r.PathValue("repo"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, meta)
}

// handleDeleteRepository handles POST /v1/repositories/{repo}/delete.
func (h *Handler) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("repo")
	if err := h.repos.Delete(r.Context(), name); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"repository": name})
}

// handleRepositoryData handles GET /v1/repositories/{repo}/data.
func (h *Handler) handleRepositoryData(w http.ResponseWriter, r *http.Request) {
	data, err := h.coord.RepositoryData(r.Context(), r.PathValue("repo"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, data)
}
