// Package handler provides the HTTP handlers of the SnapKeep admin API.
//
//   - repository.go: repository registration
//   - snapshot.go: snapshot create, delete, clone and status
//   - cluster.go: replicated cluster state
//   - health.go: health and readiness checks
//
// Every handler parses the request, calls a core service and writes the
// standard response envelope. Domain errors map to HTTP status codes by the
// numeric suffix of their code.
package handler
