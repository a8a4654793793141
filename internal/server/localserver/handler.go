package localserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/infra/buildinfo"
	"github.com/yndnr/snapkeep-go/internal/server/httpserver/handler"
)

// HandlerConfig configures the local endpoints.
type HandlerConfig struct {
	// API serves every path outside /local/.
	API http.Handler

	// Reload re-reads the configuration. Nil disables /local/reload.
	Reload func() error

	Logger *slog.Logger
}

// Status is the body of GET /local/status.
type Status struct {
	PID        int    `json:"pid"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	StartedAt  int64  `json:"started_at"`
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
}

// NewHandler returns the socket handler.
func NewHandler(cfg HandlerConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	started := time.Now()
	mux := http.NewServeMux()
	if cfg.API != nil {
		mux.Handle("/", cfg.API)
	}
	mux.HandleFunc("GET /local/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, handler.NewResponse("", Status{
			PID:        os.Getpid(),
			Version:    buildinfo.String(),
			GoVersion:  runtime.Version(),
			StartedAt:  started.UnixMilli(),
			Uptime:     time.Since(started).Round(time.Second).String(),
			Goroutines: runtime.NumGoroutine(),
		}))
	})
	mux.HandleFunc("POST /local/reload", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Reload == nil {
			writeJSON(w, http.StatusServiceUnavailable,
				handler.NewErrorResponse("", domain.ErrServiceUnavailable.Code, "reload not available", nil))
			return
		}
		if err := cfg.Reload(); err != nil {
			cfg.Logger.Warn("local reload failed", "error", err)
			writeJSON(w, http.StatusBadRequest,
				handler.NewErrorResponse("", domain.ErrBadRequest.Code, err.Error(), nil))
			return
		}
		cfg.Logger.Info("configuration reloaded via local socket")
		writeJSON(w, http.StatusOK, handler.NewResponse("", map[string]bool{"reloaded": true}))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, resp *handler.Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Code != "OK" {
		w.Header().Set("X-Error-Code", resp.Code)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
