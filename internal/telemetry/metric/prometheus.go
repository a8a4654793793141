// Package metric provides Prometheus metrics for SnapKeep.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snapkeep"

// Registry holds all application metrics.
//
// All helper methods are safe to call on a nil *Registry so components can be
// constructed without metrics in tests.
type Registry struct {
	reg *prometheus.Registry

	// Ledger metrics
	LedgerCommits    *prometheus.CounterVec
	LedgerGeneration *prometheus.GaugeVec
	CooldownWait     *prometheus.HistogramVec

	// Operation metrics
	Operations         *prometheus.CounterVec
	OperationsInFlight *prometheus.GaugeVec
	OperationDuration  *prometheus.HistogramVec
	ShardResults       *prometheus.CounterVec

	// Blob store metrics
	BlobOps         *prometheus.CounterVec
	BlobOpDuration  *prometheus.HistogramVec
	BlobBytes       *prometheus.CounterVec
	ShardBytesLimit prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with Go runtime and process collectors and
// all SnapKeep metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		LedgerCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "commits_total",
			Help:      "Ledger commit attempts by outcome (success, conflict, error).",
		}, []string{"repository", "outcome"}),
		LedgerGeneration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "generation",
			Help:      "Latest committed ledger generation per repository.",
		}, []string{"repository"}),
		CooldownWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cooldown_wait_seconds",
			Help:      "Time commits spent waiting for the ownership cooldown.",
			Buckets:   []float64{0, .05, .1, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"repository"}),

		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Completed snapshot operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		OperationsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "operations_in_flight",
			Help:      "Snapshot operations currently driven by this node.",
		}, []string{"kind"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "operation_duration_seconds",
			Help:      "End-to-end duration of snapshot operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"kind"}),
		ShardResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "shard_results_total",
			Help:      "Shard sub-task results by state.",
		}, []string{"state"}),

		BlobOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "operations_total",
			Help:      "Blob store operations by backend, operation and outcome.",
		}, []string{"backend", "op", "outcome"}),
		BlobOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "operation_duration_seconds",
			Help:      "Blob store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		BlobBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "bytes_total",
			Help:      "Bytes read from and written to blob stores.",
		}, []string{"backend", "direction"}),
		ShardBytesLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "shard_upload_limit_bytes_per_second",
			Help:      "Configured shard content upload rate limit (0 = unlimited).",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.LedgerCommits,
		r.LedgerGeneration,
		r.CooldownWait,
		r.Operations,
		r.OperationsInFlight,
		r.OperationDuration,
		r.ShardResults,
		r.BlobOps,
		r.BlobOpDuration,
		r.BlobBytes,
		r.ShardBytesLimit,
		r.RequestsTotal,
		r.RequestDuration,
	)
	return r
}

// MustRegister registers additional collectors.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	if r == nil {
		return
	}
	r.reg.MustRegister(cs...)
}

// Gatherer exposes the underlying registry for tests and scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObserveCommit records one ledger commit attempt.
func (r *Registry) ObserveCommit(repository, outcome string) {
	if r == nil {
		return
	}
	r.LedgerCommits.WithLabelValues(repository, outcome).Inc()
}

// SetGeneration records the latest committed generation.
func (r *Registry) SetGeneration(repository string, generation int64) {
	if r == nil {
		return
	}
	r.LedgerGeneration.WithLabelValues(repository).Set(float64(generation))
}

// ObserveCooldown records time spent waiting on the cooldown guard.
func (r *Registry) ObserveCooldown(repository string, d time.Duration) {
	if r == nil {
		return
	}
	r.CooldownWait.WithLabelValues(repository).Observe(d.Seconds())
}

// OperationStarted increments the in-flight gauge and returns a function that
// records the outcome and duration.
func (r *Registry) OperationStarted(kind string) func(outcome string) {
	if r == nil {
		return func(string) {}
	}
	start := time.Now()
	r.OperationsInFlight.WithLabelValues(kind).Inc()
	return func(outcome string) {
		r.OperationsInFlight.WithLabelValues(kind).Dec()
		r.Operations.WithLabelValues(kind, outcome).Inc()
		r.OperationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// ObserveShard records a shard result.
func (r *Registry) ObserveShard(state string) {
	if r == nil {
		return
	}
	r.ShardResults.WithLabelValues(state).Inc()
}

// ObserveBlob records one blob store operation.
func (r *Registry) ObserveBlob(backend, op, outcome string, d time.Duration, bytesRead, bytesWritten int) {
	if r == nil {
		return
	}
	r.BlobOps.WithLabelValues(backend, op, outcome).Inc()
	r.BlobOpDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	if bytesRead > 0 {
		r.BlobBytes.WithLabelValues(backend, "read").Add(float64(bytesRead))
	}
	if bytesWritten > 0 {
		r.BlobBytes.WithLabelValues(backend, "write").Add(float64(bytesWritten))
	}
}

// ObserveRequest records one HTTP request.
func (r *Registry) ObserveRequest(method string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.RequestsTotal.WithLabelValues(method, statusText(code)).Inc()
	r.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
