// Package httpserver provides the admin HTTP server for SnapKeep.
//
// One listener serves the JSON admin API (/v1/*), health checks, the
// Prometheus /metrics endpoint and the connect procedures used between
// cluster nodes. Requests pass through RequestID, Recover, AccessLog and
// an optional per-client RateLimit.
package httpserver
