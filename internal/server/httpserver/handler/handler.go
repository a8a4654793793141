package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/core/service"
	"github.com/yndnr/snapkeep-go/internal/telemetry/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// LeaderHeader carries the leader's API address on SK-CLUS-5031 responses.
const LeaderHeader = "X-Leader-Addr"

// Config wires the handler to the core services.
type Config struct {
	Coordinator  *service.Coordinator
	Repositories *service.RepositoryService
	Cluster      service.Cluster

	// Ready reports whether the node serves requests. Nil means always.
	Ready func() error

	Logger *slog.Logger
}

// Handler routes admin API requests to the core services.
type Handler struct {
	coord   *service.Coordinator
	repos   *service.RepositoryService
	cluster service.Cluster
	ready   func() error
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a Handler with its routes registered.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		coord:   cfg.Coordinator,
		repos:   cfg.Repositories,
		cluster: cfg.Cluster,
		ready:   cfg.Ready,
		logger:  cfg.Logger,
		mux:     http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /ready", h.handleReady)

	h.mux.HandleFunc("GET /v1/repositories", h.handleListRepositories)
	h.mux.HandleFunc("POST /v1/repositories", h.handlePutRepository)
	h.mux.HandleFunc("GET /v1/repositories/{repo}", h.handleGetRepository)
	h.mux.HandleFunc("POST /v1/repositories/{repo}/delete", h.handleDeleteRepository)
	h.mux.HandleFunc("GET /v1/repositories/{repo}/data", h.handleRepositoryData)

	h.mux.HandleFunc("POST /v1/repositories/{repo}/snapshots", h.handleCreateSnapshot)
	h.mux.HandleFunc("GET /v1/repositories/{repo}/snapshots/{name}/status", h.handleSnapshotStatus)
	h.mux.HandleFunc("POST /v1/repositories/{repo}/snapshots/{name}/delete", h.handleDeleteSnapshot)
	h.mux.HandleFunc("POST /v1/repositories/{repo}/snapshots/{name}/clone", h.handleCloneSnapshot)

	h.mux.HandleFunc("GET /v1/cluster/state", h.handleClusterState)
}

// writeJSON writes a success envelope.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := getRequestID(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(requestID, data)); err != nil {
		logger.L(r.Context()).Error("failed to encode response", "error", err)
	}
}

// writeError writes an error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID := getRequestID(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(NewErrorResponse(requestID, code, message, details))
}

func getRequestID(r *http.Request) string {
	if id := logger.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// handleServiceError converts service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = domain.ErrServiceUnavailable.WithCause(err)
	}
	var de *domain.DomainError
	if !errors.As(err, &de) {
		logger.L(r.Context()).Error("internal error", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, domain.ErrInternalServer.Code, domain.ErrInternalServer.Message, nil)
		return
	}

	status := errorCodeToHTTPStatus(de.Code)
	if errors.Is(err, domain.ErrNotLeader) && h.cluster != nil {
		if addr := h.cluster.LeaderAddr(); addr != "" {
			w.Header().Set(LeaderHeader, addr)
		}
	}
	if status >= http.StatusInternalServerError {
		logger.L(r.Context()).Warn("request failed", "code", de.Code, "error", err)
	}
	var details any
	if de.Details != "" {
		details = de.Details
	}
	h.writeError(w, r, status, de.Code, de.Message, details)
}

// errorCodeToHTTPStatus maps error codes to HTTP status codes.
func errorCodeToHTTPStatus(code string) int {
	switch {
	case strings.HasSuffix(code, "-4040"):
		return http.StatusNotFound
	case strings.HasSuffix(code, "-4090"), strings.HasSuffix(code, "-4091"), strings.HasSuffix(code, "-4092"):
		return http.StatusConflict
	case strings.HasSuffix(code, "-4290"):
		return http.StatusTooManyRequests
	case strings.HasSuffix(code, "-4000"), strings.HasSuffix(code, "-4001"), strings.HasSuffix(code, "-4002"):
		return http.StatusBadRequest
	case strings.HasSuffix(code, "-4030"):
		return http.StatusForbidden
	case strings.HasSuffix(code, "-5030"), strings.HasSuffix(code, "-5031"),
		strings.HasSuffix(code, "-5032"), strings.HasSuffix(code, "-5033"):
		return http.StatusServiceUnavailable
	case strings.HasPrefix(code, "SK-ARG-"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// unless required.
func decodeBody(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return domain.ErrBadRequest.WithDetails("invalid request body: " + err.Error())
	}
	return nil
}

// queryBool reads a boolean query parameter.
func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, domain.ErrInvalidArgument.WithDetails(name + ": " + v)
	}
	return b, nil
}
