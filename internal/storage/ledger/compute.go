package ledger

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// TokenRef names one shard generation token.
type TokenRef struct {
	Index string `json:"index"`
	Shard int    `json:"shard"`
	Token string `json:"token"`
}

// Operation is the ledger-level description of a finished tracker entry.
type Operation struct {
	Kind     domain.OperationKind
	Snapshot domain.SnapshotID

	// Source is the snapshot a clone copies from.
	Source *domain.SnapshotID

	// The fields below describe the snapshot a create or clone adds.
	State              domain.SnapshotState
	StartTime          int64
	EndTime            int64
	Indices            []string
	IncludeGlobalState bool
	Shards             map[string]map[int]string
	Failures           []ShardFailure
}

// OperationFromEntry converts a finished tracker entry. endTime is the commit
// time in Unix milliseconds.
func OperationFromEntry(e *domain.Entry, endTime int64) Operation {
	op := Operation{
		Kind:               e.Kind,
		Snapshot:           e.Snapshot,
		Source:             e.Source,
		StartTime:          e.StartTime,
		EndTime:            endTime,
		Indices:            slices.Clone(e.Indices),
		IncludeGlobalState: e.IncludeGlobalState,
	}
	if !e.Kind.Produces() {
		return op
	}

	state := e.State
	if !state.Terminal() {
		state, _ = e.Aggregate()
	}
	op.State = state.SnapshotState()
	for _, key := range e.ShardKeys() {
		st := e.Shards[key]
		if st.State == domain.ShardSuccess && st.Token != "" {
			if op.Shards == nil {
				op.Shards = make(map[string]map[int]string)
			}
			if op.Shards[key.Index] == nil {
				op.Shards[key.Index] = make(map[int]string)
			}
			op.Shards[key.Index][key.Shard] = st.Token
			continue
		}
		op.Failures = append(op.Failures, ShardFailure{
			Index:  key.Index,
			Shard:  key.Shard,
			NodeID: st.NodeID,
			Reason: st.Reason,
		})
	}
	return op
}

// Result describes what ComputeNext did besides producing the next catalog.
type Result struct {
	// Noop is set when the operation is already reflected in the catalog.
	// The caller must not commit a new generation for it.
	Noop bool

	// Obsolete lists tokens no remaining snapshot references after a delete.
	Obsolete []TokenRef
}

// ComputeNext returns the catalog that follows current once op is applied.
// It performs no I/O and never mutates current.
func ComputeNext(current *RepositoryData, op Operation) (*RepositoryData, Result, error) {
	if current == nil {
		current = Empty()
	}
	switch op.Kind {
	case domain.OperationCreate, domain.OperationClone:
		return computeAdd(current, op)
	case domain.OperationDelete:
		return computeDelete(current, op)
	default:
		return nil, Result{}, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}

func computeAdd(current *RepositoryData, op Operation) (*RepositoryData, Result, error) {
	if op.Snapshot.IsZero() {
		return nil, Result{}, domain.ErrSnapshotValidation.WithDetails("snapshot id is required")
	}
	if !op.State.Completed() {
		return nil, Result{}, domain.ErrSnapshotValidation.WithDetails(
			fmt.Sprintf("snapshot %s is not finished (state %q)", op.Snapshot, op.State))
	}

	// A retried commit after a lost acknowledgement finds its own UUID.
	if _, ok := current.Snapshots[op.Snapshot.UUID]; ok {
		return current, Result{Noop: true}, nil
	}
	if existing, ok := current.SnapshotByName(op.Snapshot.Name); ok {
		return nil, Result{}, domain.ErrSnapshotExists.WithDetails(
			fmt.Sprintf("snapshot %q already exists as %s", op.Snapshot.Name, existing.ID.UUID))
	}

	if op.Kind == domain.OperationClone {
		if op.Source == nil {
			return nil, Result{}, domain.ErrSnapshotValidation.WithDetails("clone requires a source snapshot")
		}
		src, ok := current.Snapshots[op.Source.UUID]
		if !ok {
			return nil, Result{}, domain.ErrSnapshotNotFound.WithDetails("clone source " + op.Source.String())
		}
		for idx, gens := range op.Shards {
			for shard, tok := range gens {
				if src.Shards[idx][shard] != tok {
					return nil, Result{}, domain.ErrSnapshotValidation.WithDetails(
						fmt.Sprintf("clone token for [%s][%d] does not match source", idx, shard))
				}
			}
		}
	}

	next := current.Clone()
	next.Generation = current.Generation + 1

	details := &SnapshotDetails{
		ID:                 op.Snapshot,
		State:              op.State,
		StartTime:          op.StartTime,
		EndTime:            op.EndTime,
		Indices:            slices.Clone(op.Indices),
		IncludeGlobalState: op.IncludeGlobalState,
		FormatVersion:      CurrentFormat,
		Failures:           slices.Clone(op.Failures),
	}
	slices.Sort(details.Indices)
	if len(op.Shards) > 0 {
		details.Shards = make(map[string]map[int]string, len(op.Shards))
		for idx, gens := range op.Shards {
			details.Shards[idx] = maps.Clone(gens)
		}
	}
	next.Snapshots[op.Snapshot.UUID] = details
	next.rebuildIndices()
	return next, Result{}, nil
}

func computeDelete(current *RepositoryData, op Operation) (*RepositoryData, Result, error) {
	var target *SnapshotDetails
	if op.Snapshot.UUID != "" {
		target = current.Snapshots[op.Snapshot.UUID]
		if target == nil {
			// Already removed by an earlier commit of the same delete.
			return current, Result{Noop: true}, nil
		}
	} else {
		var ok bool
		target, ok = current.SnapshotByName(op.Snapshot.Name)
		if !ok {
			return nil, Result{}, domain.ErrSnapshotNotFound.WithDetails(op.Snapshot.Name)
		}
	}

	next := current.Clone()
	next.Generation = current.Generation + 1
	delete(next.Snapshots, target.ID.UUID)
	next.rebuildIndices()

	// A token stays alive while any remaining snapshot references it.
	remaining := next.ReferencedTokens()
	var obsolete []TokenRef
	for idx, gens := range target.Shards {
		for shard, tok := range gens {
			ref := TokenRef{Index: idx, Shard: shard, Token: tok}
			if remaining[ref] == 0 {
				obsolete = append(obsolete, ref)
			}
		}
	}
	sort.Slice(obsolete, func(i, j int) bool {
		a, b := obsolete[i], obsolete[j]
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		if a.Shard != b.Shard {
			return a.Shard < b.Shard
		}
		return a.Token < b.Token
	})
	return next, Result{Obsolete: obsolete}, nil
}
