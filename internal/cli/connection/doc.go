// Package connection is the snapkeep-cli client of the admin HTTP API.
//
// Responses use the server's envelope; failures come back as *APIError
// carrying the SK-* code. Writes that reach a follower are retried once
// against the leader address the follower reports.
package connection
