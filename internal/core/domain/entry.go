package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ShardKey addresses one shard of one index. It marshals as "[index][shard]"
// so it can key JSON maps.
type ShardKey struct {
	Index string
	Shard int
}

// String returns the "[index][shard]" form.
func (k ShardKey) String() string {
	return "[" + k.Index + "][" + strconv.Itoa(k.Shard) + "]"
}

// MarshalText implements encoding.TextMarshaler.
func (k ShardKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ShardKey) UnmarshalText(b []byte) error {
	parsed, err := ParseShardKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseShardKey parses the "[index][shard]" form.
func ParseShardKey(s string) (ShardKey, error) {
	sep := strings.LastIndex(s, "][")
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") || sep < 2 {
		return ShardKey{}, fmt.Errorf("malformed shard key %q", s)
	}
	n, err := strconv.Atoi(s[sep+2 : len(s)-1])
	if err != nil || n < 0 {
		return ShardKey{}, fmt.Errorf("malformed shard ordinal in %q", s)
	}
	return ShardKey{Index: s[1:sep], Shard: n}, nil
}

// ShardStatus is the progress of one shard sub-task within an entry.
type ShardStatus struct {
	NodeID string     `json:"node_id"`
	State  ShardState `json:"state"`
	// Token is the shard generation token, set once the shard succeeded.
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`
	// SizeBytes is the content size written or reused for this shard.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// Entry is a consensus-replicated record of one in-flight operation.
type Entry struct {
	ID         string        `json:"id"`
	Repository string        `json:"repository"`
	Kind       OperationKind `json:"kind"`
	Snapshot   SnapshotID    `json:"snapshot"`

	// Source is the snapshot being cloned (clone only).
	Source *SnapshotID `json:"source,omitempty"`

	Indices            []string `json:"indices,omitempty"`
	IncludeGlobalState bool     `json:"include_global_state"`
	Partial            bool     `json:"partial"`

	State  EntryState                `json:"state"`
	Shards map[ShardKey]*ShardStatus `json:"shards,omitempty"`

	// NodeID is the node that accepted the request.
	NodeID string `json:"node_id"`

	// StartTime and UpdatedAt are Unix milliseconds taken from the proposer.
	StartTime int64 `json:"start_time"`
	UpdatedAt int64 `json:"updated_at"`

	Failure string `json:"failure,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Source != nil {
		src := *e.Source
		c.Source = &src
	}
	c.Indices = slices.Clone(e.Indices)
	if e.Shards != nil {
		c.Shards = make(map[ShardKey]*ShardStatus, len(e.Shards))
		for k, v := range e.Shards {
			s := *v
			c.Shards[k] = &s
		}
	}
	return &c
}

// ShardKeys returns the entry's shards in index then ordinal order.
func (e *Entry) ShardKeys() []ShardKey {
	keys := make([]ShardKey, 0, len(e.Shards))
	for k := range e.Shards {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b ShardKey) int {
		if c := strings.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return a.Shard - b.Shard
	})
	return keys
}

// PendingShards returns the shards still waiting for a result.
func (e *Entry) PendingShards() []ShardKey {
	var pending []ShardKey
	for _, k := range e.ShardKeys() {
		if !e.Shards[k].State.Terminal() {
			pending = append(pending, k)
		}
	}
	return pending
}

// Aggregate derives the entry outcome from its shards. ok is false while any
// shard is still pending.
//
// All shards succeeded gives SUCCESS, none succeeded gives FAILED, a mix gives
// PARTIAL. An entry without shards (global state only) is a SUCCESS.
func (e *Entry) Aggregate() (state EntryState, ok bool) {
	var succeeded, failed int
	for _, s := range e.Shards {
		switch s.State {
		case ShardSuccess:
			succeeded++
		case ShardFailed, ShardAborted:
			failed++
		default:
			return "", false
		}
	}
	switch {
	case failed == 0:
		return EntrySuccess, true
	case succeeded == 0:
		return EntryFailed, true
	default:
		return EntryPartial, true
	}
}

// ShardFailures returns the failure reason of every failed shard.
func (e *Entry) ShardFailures() map[ShardKey]string {
	out := make(map[ShardKey]string)
	for k, s := range e.Shards {
		if s.State == ShardFailed || s.State == ShardAborted {
			out[k] = s.Reason
		}
	}
	return out
}
