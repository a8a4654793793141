// Package domain defines the core domain models for SnapKeep.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business domain error with a structured error code.
// Codes have the form SK-<AREA>-<NNNN>; the numeric suffix mirrors the HTTP
// status family the error maps to.
type DomainError struct {
	Code    string // Error code (e.g., "SK-SNAP-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true // Only check if it's a DomainError
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Repository Errors (REPO)
// ============================================================================

var (
	// ErrRepositoryNotFound indicates the repository is not registered.
	ErrRepositoryNotFound = NewDomainError("SK-REPO-4040", "repository not found")

	// ErrRepositoryValidation indicates the repository definition is invalid.
	ErrRepositoryValidation = NewDomainError("SK-REPO-4001", "repository validation failed")

	// ErrRepositoryInUse indicates operations are still running against the repository.
	ErrRepositoryInUse = NewDomainError("SK-REPO-4090", "repository in use")

	// ErrRepositoryReadOnly indicates a write was attempted on a read-only repository.
	ErrRepositoryReadOnly = NewDomainError("SK-REPO-4030", "repository is read-only")
)

// ============================================================================
// Snapshot Errors (SNAP)
// ============================================================================

var (
	// ErrSnapshotNotFound indicates the snapshot is neither in the ledger nor in progress.
	ErrSnapshotNotFound = NewDomainError("SK-SNAP-4040", "snapshot not found")

	// ErrSnapshotValidation indicates the snapshot request is invalid.
	ErrSnapshotValidation = NewDomainError("SK-SNAP-4001", "snapshot validation failed")

	// ErrShardsUnavailable indicates a non-partial snapshot found shards without a live owner.
	ErrShardsUnavailable = NewDomainError("SK-SNAP-4002", "shards unavailable for non-partial snapshot")

	// ErrSnapshotExists indicates a snapshot with the same name is already in the ledger.
	ErrSnapshotExists = NewDomainError("SK-SNAP-4090", "snapshot already exists")

	// ErrSnapshotInProgress indicates an operation for the same snapshot is already tracked.
	ErrSnapshotInProgress = NewDomainError("SK-SNAP-4091", "snapshot operation already in progress")

	// ErrOperationAborted indicates the operation was aborted before it could commit.
	ErrOperationAborted = NewDomainError("SK-SNAP-4092", "snapshot operation aborted")
)

// ============================================================================
// Ledger Errors (LEDG)
// ============================================================================

var (
	// ErrGenerationConflict indicates another writer committed the target generation first.
	ErrGenerationConflict = NewDomainError("SK-LEDG-4090", "ledger generation conflict")

	// ErrCorruptLedger indicates a ledger blob failed structural validation.
	ErrCorruptLedger = NewDomainError("SK-LEDG-5001", "corrupt repository ledger")

	// ErrContention indicates commit retries were exhausted; the caller may retry later.
	ErrContention = NewDomainError("SK-LEDG-5030", "ledger contention, retry later")
)

// ============================================================================
// Shard Errors (SHRD)
// ============================================================================

var (
	// ErrShardSnapshotFailed indicates a single shard could not be snapshotted.
	ErrShardSnapshotFailed = NewDomainError("SK-SHRD-5000", "shard snapshot failed")

	// ErrShardContentMissing indicates shard content referenced by a token is absent.
	ErrShardContentMissing = NewDomainError("SK-SHRD-4040", "shard content not found")
)

// ============================================================================
// Tracker Errors (TRAK)
// ============================================================================

var (
	// ErrEntryNotFound indicates the tracker entry no longer exists.
	ErrEntryNotFound = NewDomainError("SK-TRAK-4040", "tracker entry not found")

	// ErrLedgerSlotBusy indicates another entry of the repository holds the ledger slot.
	ErrLedgerSlotBusy = NewDomainError("SK-TRAK-4090", "repository ledger slot busy")

	// ErrInvalidTransition indicates a state transition the tracker does not allow.
	ErrInvalidTransition = NewDomainError("SK-TRAK-4091", "invalid tracker state transition")
)

// ============================================================================
// Cluster Errors (CLUS)
// ============================================================================

var (
	// ErrCooldownActive indicates a ledger commit is delayed by the ownership cooldown.
	ErrCooldownActive = NewDomainError("SK-CLUS-5030", "repository ownership cooldown active")

	// ErrNotLeader indicates the request must be sent to the cluster leader.
	ErrNotLeader = NewDomainError("SK-CLUS-5031", "not the cluster leader")

	// ErrNodeLost indicates the node driving an operation left the cluster.
	ErrNodeLost = NewDomainError("SK-CLUS-5032", "node left the cluster")

	// ErrProposalFailed indicates a cluster-state update could not be replicated.
	ErrProposalFailed = NewDomainError("SK-CLUS-5033", "cluster state update failed")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrInternalServer indicates an internal server error.
	ErrInternalServer = NewDomainError("SK-SYS-5000", "internal server error")

	// ErrStorageError indicates a storage layer error.
	ErrStorageError = NewDomainError("SK-SYS-5001", "storage error")

	// ErrServiceUnavailable indicates the service is temporarily unavailable.
	ErrServiceUnavailable = NewDomainError("SK-SYS-5030", "service unavailable")

	// ErrBadRequest indicates a malformed request.
	ErrBadRequest = NewDomainError("SK-SYS-4000", "bad request")

	// ErrRateLimited indicates the client exceeded its request rate.
	ErrRateLimited = NewDomainError("SK-SYS-4290", "too many requests")
)

// ============================================================================
// Argument Errors (ARG)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("SK-ARG-1001", "invalid argument")

	// ErrMissingArgument indicates a required argument is missing.
	ErrMissingArgument = NewDomainError("SK-ARG-1002", "missing required argument")
)
