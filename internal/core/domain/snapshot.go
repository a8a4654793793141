package domain

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Snapshot name constraints.
const (
	MaxSnapshotNameLength = 255

	// invalidNameChars are rejected in snapshot, index and repository names.
	invalidNameChars = "\\/*?\"<>|,# "
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a lowercase ULID. It is used for snapshot UUIDs, tracker
// entry ids and shard generation tokens.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// SnapshotID identifies a snapshot by user-facing name and a UUID unique
// across the repository's history.
type SnapshotID struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// NewSnapshotID assigns a fresh UUID to the given name.
func NewSnapshotID(name string) SnapshotID {
	return SnapshotID{Name: name, UUID: NewID()}
}

// String returns "name/uuid".
func (id SnapshotID) String() string {
	return id.Name + "/" + id.UUID
}

// IsZero reports whether the id is unset.
func (id SnapshotID) IsZero() bool {
	return id.Name == "" && id.UUID == ""
}

// SnapshotState is the durable outcome of a snapshot as recorded in the ledger.
type SnapshotState string

const (
	SnapshotStarted SnapshotState = "STARTED"
	SnapshotSuccess SnapshotState = "SUCCESS"
	SnapshotFailed  SnapshotState = "FAILED"
	SnapshotPartial SnapshotState = "PARTIAL"
)

// Valid reports whether s is a known snapshot state.
func (s SnapshotState) Valid() bool {
	switch s {
	case SnapshotStarted, SnapshotSuccess, SnapshotFailed, SnapshotPartial:
		return true
	}
	return false
}

// Completed reports whether the snapshot reached a final outcome.
func (s SnapshotState) Completed() bool {
	return s == SnapshotSuccess || s == SnapshotFailed || s == SnapshotPartial
}

// ValidateSnapshotName checks the naming rules for snapshots.
func ValidateSnapshotName(name string) error {
	if err := validateName(name); err != "" {
		return ErrSnapshotValidation.WithDetails("snapshot name " + err)
	}
	return nil
}

// ValidateIndexName checks the naming rules for indices.
func ValidateIndexName(name string) error {
	if err := validateName(name); err != "" {
		return ErrSnapshotValidation.WithDetails("index name " + err)
	}
	return nil
}

func validateName(name string) string {
	switch {
	case name == "":
		return "must not be empty"
	case len(name) > MaxSnapshotNameLength:
		return "is too long"
	case strings.HasPrefix(name, "_") || strings.HasPrefix(name, "-"):
		return "must not start with '_' or '-'"
	case name != strings.ToLower(name):
		return "must be lowercase"
	case strings.ContainsAny(name, invalidNameChars):
		return "contains invalid characters"
	}
	return ""
}
