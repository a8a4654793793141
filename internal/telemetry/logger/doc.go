// Package logger configures structured logging for SnapKeep.
//
//   - logger.go: handler construction and the process-wide level
//   - context.go: request id propagation
//   - redact.go: masking of credentials in log attributes
//
// Every component takes a *slog.Logger; this package only builds it.
package logger
