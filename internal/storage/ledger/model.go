package ledger

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// Ledger format versions.
const (
	// FormatLegacy snapshots carry no per-shard generation tokens. Readers
	// that predate shard generations still reconcile content by listing, so
	// commits that follow them must wait out the cooldown.
	FormatLegacy = 1

	// FormatShardGenerations records a generation token for every shard.
	FormatShardGenerations = 2

	CurrentFormat = FormatShardGenerations
)

// ShardFailure records why one shard of a snapshot did not complete.
type ShardFailure struct {
	Index  string `json:"index"`
	Shard  int    `json:"shard"`
	NodeID string `json:"node_id,omitempty"`
	Reason string `json:"reason"`
}

// SnapshotDetails is the ledger record of one completed snapshot.
type SnapshotDetails struct {
	ID                 domain.SnapshotID    `json:"id"`
	State              domain.SnapshotState `json:"state"`
	StartTime          int64                `json:"start_time"`
	EndTime            int64                `json:"end_time"`
	Indices            []string             `json:"indices"`
	IncludeGlobalState bool                 `json:"include_global_state"`
	FormatVersion      int                  `json:"format_version"`

	// Shards maps index → shard ordinal → generation token.
	Shards   map[string]map[int]string `json:"shards,omitempty"`
	Failures []ShardFailure            `json:"failures,omitempty"`
}

func (s *SnapshotDetails) clone() *SnapshotDetails {
	c := *s
	c.Indices = slices.Clone(s.Indices)
	c.Failures = slices.Clone(s.Failures)
	if s.Shards != nil {
		c.Shards = make(map[string]map[int]string, len(s.Shards))
		for idx, gens := range s.Shards {
			c.Shards[idx] = maps.Clone(gens)
		}
	}
	return &c
}

// IndexMeta is the per-index view derived from the snapshots.
type IndexMeta struct {
	// Snapshots holds the UUIDs of snapshots containing the index, sorted.
	Snapshots []string `json:"snapshots"`

	// ShardGenerations maps shard ordinal to the token of the newest
	// snapshot holding that shard.
	ShardGenerations map[int]string `json:"shard_generations,omitempty"`
}

// RepositoryData is the full catalog stored in one ledger generation.
type RepositoryData struct {
	Generation int64                       `json:"generation"`
	Snapshots  map[string]*SnapshotDetails `json:"snapshots"`
	Indices    map[string]*IndexMeta       `json:"indices"`
}

// Empty returns the catalog of a repository without any ledger.
func Empty() *RepositoryData {
	return &RepositoryData{
		Generation: domain.NoGeneration,
		Snapshots:  make(map[string]*SnapshotDetails),
		Indices:    make(map[string]*IndexMeta),
	}
}

// Clone returns a deep copy.
func (d *RepositoryData) Clone() *RepositoryData {
	c := &RepositoryData{
		Generation: d.Generation,
		Snapshots:  make(map[string]*SnapshotDetails, len(d.Snapshots)),
		Indices:    make(map[string]*IndexMeta, len(d.Indices)),
	}
	for k, s := range d.Snapshots {
		c.Snapshots[k] = s.clone()
	}
	for k, m := range d.Indices {
		c.Indices[k] = &IndexMeta{
			Snapshots:        slices.Clone(m.Snapshots),
			ShardGenerations: maps.Clone(m.ShardGenerations),
		}
	}
	return c
}

// SnapshotByName returns the snapshot with the given name.
func (d *RepositoryData) SnapshotByName(name string) (*SnapshotDetails, bool) {
	for _, s := range d.Snapshots {
		if s.ID.Name == name {
			return s, true
		}
	}
	return nil, false
}

// SortedSnapshots returns snapshots ordered by start time, then name.
func (d *RepositoryData) SortedSnapshots() []*SnapshotDetails {
	out := make([]*SnapshotDetails, 0, len(d.Snapshots))
	for _, s := range d.Snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ID.Name < out[j].ID.Name
	})
	return out
}

// HasLegacySnapshots reports whether any snapshot predates shard generations.
func (d *RepositoryData) HasLegacySnapshots() bool {
	for _, s := range d.Snapshots {
		if s.FormatVersion < FormatShardGenerations {
			return true
		}
	}
	return false
}

// ReferencedTokens counts how many snapshots reference each shard token.
func (d *RepositoryData) ReferencedTokens() map[TokenRef]int {
	refs := make(map[TokenRef]int)
	for _, s := range d.Snapshots {
		for idx, gens := range s.Shards {
			for shard, tok := range gens {
				refs[TokenRef{Index: idx, Shard: shard, Token: tok}]++
			}
		}
	}
	return refs
}

// rebuildIndices derives the per-index view from the snapshot set.
func (d *RepositoryData) rebuildIndices() {
	indices := make(map[string]*IndexMeta)
	for _, s := range d.SortedSnapshots() {
		for _, idx := range s.Indices {
			m, ok := indices[idx]
			if !ok {
				m = &IndexMeta{}
				indices[idx] = m
			}
			m.Snapshots = append(m.Snapshots, s.ID.UUID)
			// Snapshots are visited oldest first, so the newest token wins.
			for shard, tok := range s.Shards[idx] {
				if m.ShardGenerations == nil {
					m.ShardGenerations = make(map[int]string)
				}
				m.ShardGenerations[shard] = tok
			}
		}
	}
	for _, m := range indices {
		slices.Sort(m.Snapshots)
	}
	d.Indices = indices
}

// Validate checks the structural consistency of a decoded catalog.
func (d *RepositoryData) Validate() error {
	if d.Generation < domain.NoGeneration {
		return corrupt(d.Generation, "negative generation")
	}
	names := make(map[string]string, len(d.Snapshots))
	for uuid, s := range d.Snapshots {
		if s == nil {
			return corrupt(d.Generation, "nil snapshot record "+uuid)
		}
		if s.ID.UUID != uuid || s.ID.Name == "" {
			return corrupt(d.Generation, fmt.Sprintf("snapshot key %q does not match id %s", uuid, s.ID))
		}
		if other, dup := names[s.ID.Name]; dup {
			return corrupt(d.Generation, fmt.Sprintf("snapshot name %q used by %s and %s", s.ID.Name, other, uuid))
		}
		names[s.ID.Name] = uuid
		if !s.State.Valid() {
			return corrupt(d.Generation, fmt.Sprintf("snapshot %s has invalid state %q", s.ID, s.State))
		}
		switch s.FormatVersion {
		case FormatLegacy:
			if len(s.Shards) > 0 {
				return corrupt(d.Generation, fmt.Sprintf("legacy snapshot %s carries shard generations", s.ID))
			}
		case FormatShardGenerations:
		default:
			return corrupt(d.Generation, fmt.Sprintf("snapshot %s has unknown format version %d", s.ID, s.FormatVersion))
		}
		for idx, gens := range s.Shards {
			if !slices.Contains(s.Indices, idx) {
				return corrupt(d.Generation, fmt.Sprintf("snapshot %s has shards for unlisted index %q", s.ID, idx))
			}
			for shard, tok := range gens {
				if shard < 0 || tok == "" {
					return corrupt(d.Generation, fmt.Sprintf("snapshot %s index %q has malformed shard map", s.ID, idx))
				}
			}
		}
	}
	for idx, m := range d.Indices {
		if m == nil {
			return corrupt(d.Generation, "nil index record "+idx)
		}
		for _, uuid := range m.Snapshots {
			if _, ok := d.Snapshots[uuid]; !ok {
				return corrupt(d.Generation, fmt.Sprintf("index %q references unknown snapshot %s", idx, uuid))
			}
		}
		for shard, tok := range m.ShardGenerations {
			if shard < 0 || tok == "" {
				return corrupt(d.Generation, fmt.Sprintf("index %q has malformed shard generation map", idx))
			}
		}
	}
	return nil
}

func corrupt(gen int64, msg string) error {
	return domain.ErrCorruptLedger.WithDetails(fmt.Sprintf("generation %d: %s", gen, msg))
}
