package domain

// OperationKind is the closed set of operations the tracker coordinates.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationClone  OperationKind = "clone"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationClone, OperationDelete:
		return true
	}
	return false
}

// Produces reports whether the operation adds a snapshot to the ledger.
func (k OperationKind) Produces() bool {
	return k == OperationCreate || k == OperationClone
}

// EntryState is the lifecycle state of a tracker entry.
type EntryState string

const (
	EntryInit    EntryState = "INIT"
	EntryStarted EntryState = "STARTED"
	EntrySuccess EntryState = "SUCCESS"
	EntryPartial EntryState = "PARTIAL"
	EntryFailed  EntryState = "FAILED"
	EntryAborted EntryState = "ABORTED"
)

// entryTransitions lists the allowed forward moves. Terminal states have no
// successors; the entry is removed from the tracker instead.
//
// A queued INIT entry can only be started or aborted: it never touched the
// ledger, so there is nothing to record as FAILED.
var entryTransitions = map[EntryState][]EntryState{
	EntryInit:    {EntryStarted, EntryAborted},
	EntryStarted: {EntrySuccess, EntryPartial, EntryFailed, EntryAborted},
}

// CanTransition reports whether moving from s to next is allowed.
func (s EntryState) CanTransition(next EntryState) bool {
	for _, to := range entryTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the entry finished and awaits removal.
func (s EntryState) Terminal() bool {
	switch s {
	case EntrySuccess, EntryPartial, EntryFailed, EntryAborted:
		return true
	}
	return false
}

// HoldsLedgerSlot reports whether an entry in this state may write the ledger.
// ABORTED entries never commit, so they release the slot immediately.
func (s EntryState) HoldsLedgerSlot() bool {
	switch s {
	case EntryStarted, EntrySuccess, EntryPartial, EntryFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known entry state.
func (s EntryState) Valid() bool {
	switch s {
	case EntryInit, EntryStarted, EntrySuccess, EntryPartial, EntryFailed, EntryAborted:
		return true
	}
	return false
}

// SnapshotState maps a terminal create/clone outcome to the ledger state.
func (s EntryState) SnapshotState() SnapshotState {
	switch s {
	case EntrySuccess:
		return SnapshotSuccess
	case EntryPartial:
		return SnapshotPartial
	case EntryFailed, EntryAborted:
		return SnapshotFailed
	}
	return SnapshotStarted
}

// ShardState is the status of one shard sub-task.
type ShardState string

const (
	ShardPending ShardState = "PENDING"
	ShardSuccess ShardState = "SUCCESS"
	ShardFailed  ShardState = "FAILED"
	ShardAborted ShardState = "ABORTED"
)

// Terminal reports whether the shard reported a final status.
func (s ShardState) Terminal() bool {
	return s == ShardSuccess || s == ShardFailed || s == ShardAborted
}
