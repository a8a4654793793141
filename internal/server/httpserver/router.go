package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/snapkeep-go/internal/server/clusterserver"
	"github.com/yndnr/snapkeep-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// API serves /health, /ready and /v1/*.
	API http.Handler

	// Metrics serves /metrics and records request metrics. Optional.
	Metrics *metric.Registry

	// MountRPC registers the cluster procedures. Optional.
	MountRPC func(mux *http.ServeMux)

	Logger *slog.Logger

	// RateLimit is the per-client request rate for the admin API; zero
	// disables limiting.
	RateLimit float64
	RateBurst int
}

// NewRouter builds the top-level handler.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	base := []Middleware{RequestID(log), Recover(), AccessLog(cfg.Metrics)}
	api := base
	if cfg.RateLimit > 0 {
		api = append(append([]Middleware{}, base...), RateLimit(cfg.RateLimit, cfg.RateBurst))
	}

	mux := http.NewServeMux()
	mux.Handle("/", Chain(cfg.API, api...))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", Chain(cfg.Metrics.Handler(), RequestID(log), Recover()))
	}
	if cfg.MountRPC != nil {
		rpc := http.NewServeMux()
		cfg.MountRPC(rpc)
		mux.Handle("POST "+clusterserver.ServicePath, Chain(rpc, base...))
	}
	return mux
}
