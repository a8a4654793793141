// Package clusterstate holds the consensus-replicated state of a SnapKeep
// cluster: registered repositories, the snapshot-in-progress tracker,
// repository ownership records and members.
//
// State changes only through Apply, which is deterministic: every replica
// applying the same command sequence ends in the same state. Commands that
// break an invariant are rejected with a domain error and leave the state
// untouched.
package clusterstate

import (
	"sort"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// State is the replicated cluster state.
type State struct {
	// Version increases with every applied command.
	Version uint64 `json:"version"`

	// Term is the consensus term of the last applied command.
	Term uint64 `json:"term"`

	Repositories map[string]*domain.RepositoryMetadata `json:"repositories"`
	Entries      map[string]*domain.Entry              `json:"entries"`
	Ownership    map[string]*domain.OwnershipRecord    `json:"ownership"`
	Members      map[string]*domain.Member             `json:"members"`
}

// New returns an empty state.
func New() *State {
	return &State{
		Repositories: make(map[string]*domain.RepositoryMetadata),
		Entries:      make(map[string]*domain.Entry),
		Ownership:    make(map[string]*domain.OwnershipRecord),
		Members:      make(map[string]*domain.Member),
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *State) Clone() *State {
	c := &State{
		Version:      s.Version,
		Term:         s.Term,
		Repositories: make(map[string]*domain.RepositoryMetadata, len(s.Repositories)),
		Entries:      make(map[string]*domain.Entry, len(s.Entries)),
		Ownership:    make(map[string]*domain.OwnershipRecord, len(s.Ownership)),
		Members:      make(map[string]*domain.Member, len(s.Members)),
	}
	for k, v := range s.Repositories {
		c.Repositories[k] = v.Clone()
	}
	for k, v := range s.Entries {
		c.Entries[k] = v.Clone()
	}
	for k, v := range s.Ownership {
		o := *v
		c.Ownership[k] = &o
	}
	for k, v := range s.Members {
		m := *v
		c.Members[k] = &m
	}
	return c
}

// normalize replaces nil maps after decoding.
func (s *State) normalize() {
	if s.Repositories == nil {
		s.Repositories = make(map[string]*domain.RepositoryMetadata)
	}
	if s.Entries == nil {
		s.Entries = make(map[string]*domain.Entry)
	}
	if s.Ownership == nil {
		s.Ownership = make(map[string]*domain.OwnershipRecord)
	}
	if s.Members == nil {
		s.Members = make(map[string]*domain.Member)
	}
}

// Repository returns a registered repository.
func (s *State) Repository(name string) (*domain.RepositoryMetadata, bool) {
	r, ok := s.Repositories[name]
	return r, ok
}

// RepositoryNames returns registered repository names, sorted.
func (s *State) RepositoryNames() []string {
	names := make([]string, 0, len(s.Repositories))
	for n := range s.Repositories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Entry returns a tracker entry by id.
func (s *State) Entry(id string) (*domain.Entry, bool) {
	e, ok := s.Entries[id]
	return e, ok
}

// EntriesFor returns the entries of a repository in registration order.
// An empty repo returns all entries.
func (s *State) EntriesFor(repo string) []*domain.Entry {
	var out []*domain.Entry
	for _, e := range s.Entries {
		if repo == "" || e.Repository == repo {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SlotHolder returns the entry currently allowed to write repo's ledger.
func (s *State) SlotHolder(repo string) (*domain.Entry, bool) {
	for _, e := range s.EntriesFor(repo) {
		if e.State.HoldsLedgerSlot() {
			return e, true
		}
	}
	return nil, false
}

// FindEntry returns the live entry for a snapshot name, preferring one that
// is not yet terminal.
func (s *State) FindEntry(repo, snapshot string) (*domain.Entry, bool) {
	var found *domain.Entry
	for _, e := range s.EntriesFor(repo) {
		if e.Snapshot.Name != snapshot {
			continue
		}
		if !e.State.Terminal() {
			return e, true
		}
		found = e
	}
	return found, found != nil
}

// Member returns a member by node id.
func (s *State) Member(nodeID string) (*domain.Member, bool) {
	m, ok := s.Members[nodeID]
	return m, ok
}

// MemberIDs returns member node ids, sorted.
func (s *State) MemberIDs() []string {
	ids := make([]string, 0, len(s.Members))
	for id := range s.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EntryCounts counts entries by state.
func (s *State) EntryCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range s.Entries {
		counts[string(e.State)]++
	}
	return counts
}

// OwnershipVersions returns the ownership-change version per repository.
func (s *State) OwnershipVersions() map[string]uint64 {
	out := make(map[string]uint64, len(s.Ownership))
	for k, v := range s.Ownership {
		out[k] = v.Version
	}
	return out
}
