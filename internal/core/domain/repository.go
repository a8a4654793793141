package domain

import (
	"maps"
	"strconv"
	"strings"
	"time"
)

// RepositoryType selects the blob store backend of a repository.
type RepositoryType string

const (
	RepositoryFS     RepositoryType = "fs"
	RepositoryBadger RepositoryType = "badger"
	RepositorySQLite RepositoryType = "sqlite"
	RepositoryMemory RepositoryType = "memory"
)

// Valid reports whether t is a supported backend type.
func (t RepositoryType) Valid() bool {
	switch t {
	case RepositoryFS, RepositoryBadger, RepositorySQLite, RepositoryMemory:
		return true
	}
	return false
}

// Repository setting keys.
const (
	SettingPath           = "path"
	SettingCooldownPeriod = "cooldown_period"
	SettingReadOnly       = "readonly"
)

// NoGeneration marks a repository without any committed ledger.
const NoGeneration int64 = -1

// RepositoryMetadata is the cluster-state registration of a repository.
type RepositoryMetadata struct {
	Name     string            `json:"name"`
	Type     RepositoryType    `json:"type"`
	Settings map[string]string `json:"settings,omitempty"`

	// Version increases with every registration or settings change.
	Version int64 `json:"version"`

	// Generation is the last ledger generation known committed.
	Generation int64 `json:"generation"`

	// PendingGeneration is the generation a leader is about to write. When it
	// is ahead of Generation the cached value cannot be trusted.
	PendingGeneration int64 `json:"pending_generation"`

	UpdatedAt int64 `json:"updated_at"`
}

// NewRepositoryMetadata returns a registration with no ledger yet.
func NewRepositoryMetadata(name string, typ RepositoryType, settings map[string]string) *RepositoryMetadata {
	return &RepositoryMetadata{
		Name:              name,
		Type:              typ,
		Settings:          maps.Clone(settings),
		Generation:        NoGeneration,
		PendingGeneration: NoGeneration,
	}
}

// Validate checks name, type and typed settings.
func (r *RepositoryMetadata) Validate() error {
	if msg := validateName(r.Name); msg != "" {
		return ErrRepositoryValidation.WithDetails("repository name " + msg)
	}
	if !r.Type.Valid() {
		return ErrRepositoryValidation.WithDetails("unsupported repository type: " + string(r.Type))
	}
	if r.Type != RepositoryMemory && strings.TrimSpace(r.Settings[SettingPath]) == "" {
		return ErrRepositoryValidation.WithDetails("setting 'path' is required for type " + string(r.Type))
	}
	if v, ok := r.Settings[SettingCooldownPeriod]; ok {
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return ErrRepositoryValidation.WithDetails("invalid cooldown_period: " + v)
		}
	}
	if v, ok := r.Settings[SettingReadOnly]; ok {
		if _, err := strconv.ParseBool(v); err != nil {
			return ErrRepositoryValidation.WithDetails("invalid readonly: " + v)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *RepositoryMetadata) Clone() *RepositoryMetadata {
	if r == nil {
		return nil
	}
	c := *r
	c.Settings = maps.Clone(r.Settings)
	return &c
}

// CooldownPeriod returns the per-repository cooldown override, if any.
func (r *RepositoryMetadata) CooldownPeriod() (time.Duration, bool) {
	v, ok := r.Settings[SettingCooldownPeriod]
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// ReadOnly reports whether the repository rejects writes.
func (r *RepositoryMetadata) ReadOnly() bool {
	b, _ := strconv.ParseBool(r.Settings[SettingReadOnly])
	return b
}

// SameDefinition reports whether two registrations describe the same backend
// with the same settings.
func (r *RepositoryMetadata) SameDefinition(o *RepositoryMetadata) bool {
	return o != nil && r.Type == o.Type && maps.Equal(r.Settings, o.Settings)
}

// SameLocation reports whether two registrations point at the same blob
// store, so the ledger found there carries over.
func (r *RepositoryMetadata) SameLocation(o *RepositoryMetadata) bool {
	return o != nil && r.Type == o.Type && r.Settings[SettingPath] == o.Settings[SettingPath]
}

// OwnershipRecord is the node currently entitled to write a repository's
// ledger, with the term and cluster-state version it was established at.
type OwnershipRecord struct {
	Repository string `json:"repository"`
	NodeID     string `json:"node_id"`
	Term       uint64 `json:"term"`
	Version    uint64 `json:"version"`
	Reason     string `json:"reason,omitempty"`
}

// Member is a node known to the replicated cluster state.
type Member struct {
	NodeID   string `json:"node_id"`
	Addr     string `json:"addr"`
	APIAddr  string `json:"api_addr,omitempty"`
	JoinedAt int64  `json:"joined_at"`
}
