package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DomainError
		expected string
	}{
		{
			name:     "error without details",
			err:      NewDomainError("SK-TEST-1000", "test message"),
			expected: "[SK-TEST-1000] test message",
		},
		{
			name:     "error with details",
			err:      NewDomainError("SK-TEST-1001", "test message").WithDetails("extra info"),
			expected: "[SK-TEST-1001] test message: extra info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	err1 := NewDomainError("SK-TEST-1000", "message 1")
	err2 := NewDomainError("SK-TEST-1000", "message 2")
	err3 := NewDomainError("SK-TEST-1001", "message 1")

	if !errors.Is(err1, err2) {
		t.Error("errors.Is should return true for same error code")
	}
	if errors.Is(err1, err3) {
		t.Error("errors.Is should return false for different error code")
	}
	if errors.Is(err1, fmt.Errorf("some error")) {
		t.Error("errors.Is should return false for non-DomainError")
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying cause")
	err := ErrStorageError.WithCause(cause)

	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}
	if errors.Unwrap(ErrStorageError) != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestDomainError_WithDetailsDoesNotMutate(t *testing.T) {
	withDetails := ErrCorruptLedger.WithDetails("repository=r1 generation=3")

	if ErrCorruptLedger.Details != "" {
		t.Error("WithDetails should not modify original error")
	}
	if withDetails.Code != ErrCorruptLedger.Code {
		t.Errorf("Code = %q, want %q", withDetails.Code, ErrCorruptLedger.Code)
	}
	if !errors.Is(withDetails, ErrCorruptLedger) {
		t.Error("errors.Is should match sentinel after WithDetails")
	}
}

func TestIsDomainError(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", ErrGenerationConflict.WithDetails("generation 4"))

	if !IsDomainError(wrapped, "SK-LEDG-4090") {
		t.Error("IsDomainError should work with wrapped errors")
	}
	if IsDomainError(wrapped, "SK-LEDG-5030") {
		t.Error("IsDomainError should return false for non-matching code")
	}
	if !IsDomainError(wrapped, "") {
		t.Error("IsDomainError with empty code should match any DomainError")
	}
	if IsDomainError(fmt.Errorf("regular error"), "") {
		t.Error("IsDomainError should return false for non-DomainError")
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"domain error", ErrSnapshotNotFound, "SK-SNAP-4040"},
		{"wrapped domain error", fmt.Errorf("x: %w", ErrContention), "SK-LEDG-5030"},
		{"regular error", fmt.Errorf("regular error"), ""},
		{"nil error", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetErrorCode(tt.err); got != tt.expected {
				t.Errorf("GetErrorCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		err  *DomainError
		code string
	}{
		{ErrRepositoryNotFound, "SK-REPO-4040"},
		{ErrRepositoryValidation, "SK-REPO-4001"},
		{ErrRepositoryInUse, "SK-REPO-4090"},
		{ErrRepositoryReadOnly, "SK-REPO-4030"},
		{ErrSnapshotNotFound, "SK-SNAP-4040"},
		{ErrSnapshotValidation, "SK-SNAP-4001"},
		{ErrShardsUnavailable, "SK-SNAP-4002"},
		{ErrSnapshotExists, "SK-SNAP-4090"},
		{ErrSnapshotInProgress, "SK-SNAP-4091"},
		{ErrOperationAborted, "SK-SNAP-4092"},
		{ErrGenerationConflict, "SK-LEDG-4090"},
		{ErrCorruptLedger, "SK-LEDG-5001"},
		{ErrContention, "SK-LEDG-5030"},
		{ErrShardSnapshotFailed, "SK-SHRD-5000"},
		{ErrShardContentMissing, "SK-SHRD-4040"},
		{ErrEntryNotFound, "SK-TRAK-4040"},
		{ErrLedgerSlotBusy, "SK-TRAK-4090"},
		{ErrInvalidTransition, "SK-TRAK-4091"},
		{ErrCooldownActive, "SK-CLUS-5030"},
		{ErrNotLeader, "SK-CLUS-5031"},
		{ErrNodeLost, "SK-CLUS-5032"},
		{ErrProposalFailed, "SK-CLUS-5033"},
		{ErrInternalServer, "SK-SYS-5000"},
		{ErrStorageError, "SK-SYS-5001"},
		{ErrServiceUnavailable, "SK-SYS-5030"},
		{ErrBadRequest, "SK-SYS-4000"},
		{ErrInvalidArgument, "SK-ARG-1001"},
		{ErrMissingArgument, "SK-ARG-1002"},
	}

	seen := make(map[string]bool)
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Error code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Error message should not be empty")
			}
			if seen[tt.code] {
				t.Errorf("duplicate error code %q", tt.code)
			}
			seen[tt.code] = true
		})
	}
}
