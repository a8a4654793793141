package clusterstate

import (
	"encoding/json"
	"fmt"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// ReasonNodeLost is recorded on shards and entries whose node left.
const ReasonNodeLost = "node left the cluster"

// Apply applies one command at the given consensus term.
//
// A malformed payload is a programming error and is returned as
// ErrInvalidArgument; replicas decoding the same bytes all reject it. Commands
// that are valid but not allowed in the current state return the matching
// domain error. In both cases the state is unchanged.
func (s *State) Apply(cmd Command, term uint64) error {
	s.normalize()

	var err error
	switch cmd.Type {
	case CmdRepositoryPut:
		var p RepositoryPutPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyRepositoryPut(p, cmd.Timestamp, term)
		}
	case CmdRepositoryDelete:
		var p RepositoryDeletePayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyRepositoryDelete(p)
		}
	case CmdEntryRegister:
		var p EntryRegisterPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyEntryRegister(p, cmd.Timestamp)
		}
	case CmdEntryStart:
		var p EntryStartPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyEntryStart(p, cmd.Timestamp)
		}
	case CmdShardUpdate:
		var p ShardUpdatePayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyShardUpdate(p, cmd.Timestamp)
		}
	case CmdEntryFinish:
		var p EntryFinishPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyEntryFinish(p, cmd.Timestamp)
		}
	case CmdEntryAbort:
		var p EntryAbortPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyEntryAbort(p, cmd.Timestamp)
		}
	case CmdEntryRemove:
		var p EntryRemovePayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyEntryRemove(p)
		}
	case CmdPendingGeneration:
		var p GenerationPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyPendingGeneration(p, cmd.Timestamp)
		}
	case CmdGeneration:
		var p GenerationPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyGeneration(p, cmd.Timestamp)
		}
	case CmdMemberJoin:
		var p MemberJoinPayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyMemberJoin(p, cmd.Timestamp)
		}
	case CmdMemberLeave:
		var p MemberLeavePayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyMemberLeave(p, cmd.Timestamp)
		}
	case CmdOwnershipChange:
		var p OwnershipChangePayload
		if err = decode(cmd, &p); err == nil {
			err = s.applyOwnershipChange(p, term)
		}
	default:
		err = domain.ErrInvalidArgument.WithDetails("unknown command type " + cmd.Type.String())
	}
	if err != nil {
		return err
	}

	s.Term = max(s.Term, term)
	return nil
}

func decode(cmd Command, v any) error {
	if err := json.Unmarshal(cmd.Payload, v); err != nil {
		return domain.ErrInvalidArgument.WithCause(err).WithDetails("malformed " + cmd.Type.String() + " payload")
	}
	return nil
}

// bump advances the state version. Every accepted mutation calls it once.
func (s *State) bump() uint64 {
	s.Version++
	return s.Version
}

// ============================================================================
// Repositories and ownership
// ============================================================================

func (s *State) applyRepositoryPut(p RepositoryPutPayload, ts int64, term uint64) error {
	if p.Repository == nil {
		return domain.ErrMissingArgument.WithDetails("repository is required")
	}
	if err := p.Repository.Validate(); err != nil {
		return err
	}

	prev, exists := s.Repositories[p.Repository.Name]
	if exists && prev.SameDefinition(p.Repository) {
		return nil
	}

	version := s.bump()
	repo := p.Repository.Clone()
	repo.UpdatedAt = ts
	repo.Version = 1
	repo.Generation = domain.NoGeneration
	repo.PendingGeneration = domain.NoGeneration
	if exists {
		repo.Version = prev.Version + 1
		// Generations tracked for another location say nothing about the
		// ledger at the new one.
		if prev.SameLocation(repo) {
			repo.Generation = prev.Generation
			repo.PendingGeneration = prev.PendingGeneration
		}
	}
	s.Repositories[repo.Name] = repo

	// A new or changed registration may point at a different backend or
	// settings; treat it as an ownership change.
	reason := "registered"
	if exists {
		reason = "settings changed"
	}
	s.Ownership[repo.Name] = &domain.OwnershipRecord{
		Repository: repo.Name,
		NodeID:     p.NodeID,
		Term:       term,
		Version:    version,
		Reason:     reason,
	}
	return nil
}

func (s *State) applyRepositoryDelete(p RepositoryDeletePayload) error {
	if _, ok := s.Repositories[p.Name]; !ok {
		return domain.ErrRepositoryNotFound.WithDetails(p.Name)
	}
	for _, e := range s.Entries {
		if e.Repository == p.Name {
			return domain.ErrRepositoryInUse.WithDetails(
				fmt.Sprintf("repository %s has %s operation %s in progress", p.Name, e.Kind, e.Snapshot.Name))
		}
	}
	s.bump()
	delete(s.Repositories, p.Name)
	delete(s.Ownership, p.Name)
	return nil
}

func (s *State) applyOwnershipChange(p OwnershipChangePayload, term uint64) error {
	if p.Repository != "" {
		if _, ok := s.Repositories[p.Repository]; !ok {
			return domain.ErrRepositoryNotFound.WithDetails(p.Repository)
		}
	}
	version := s.bump()
	for name := range s.Repositories {
		if p.Repository != "" && name != p.Repository {
			continue
		}
		s.Ownership[name] = &domain.OwnershipRecord{
			Repository: name,
			NodeID:     p.NodeID,
			Term:       term,
			Version:    version,
			Reason:     p.Reason,
		}
	}
	return nil
}

func (s *State) applyPendingGeneration(p GenerationPayload, ts int64) error {
	repo, ok := s.Repositories[p.Repository]
	if !ok {
		return domain.ErrRepositoryNotFound.WithDetails(p.Repository)
	}
	if p.Generation <= repo.Generation {
		return domain.ErrGenerationConflict.WithDetails(
			fmt.Sprintf("pending generation %d is not ahead of %d", p.Generation, repo.Generation))
	}
	s.bump()
	repo.PendingGeneration = max(repo.PendingGeneration, p.Generation)
	repo.UpdatedAt = ts
	return nil
}

func (s *State) applyGeneration(p GenerationPayload, ts int64) error {
	repo, ok := s.Repositories[p.Repository]
	if !ok {
		return domain.ErrRepositoryNotFound.WithDetails(p.Repository)
	}
	if p.Generation <= repo.Generation {
		return nil
	}
	s.bump()
	repo.Generation = p.Generation
	repo.PendingGeneration = max(repo.PendingGeneration, p.Generation)
	repo.UpdatedAt = ts
	return nil
}

// ============================================================================
// Tracker entries
// ============================================================================

func (s *State) liveEntry(id string) (*domain.Entry, error) {
	e, ok := s.Entries[id]
	if !ok {
		return nil, domain.ErrEntryNotFound.WithDetails(id)
	}
	return e, nil
}

func (s *State) applyEntryRegister(p EntryRegisterPayload, ts int64) error {
	e := p.Entry
	if e == nil || e.ID == "" {
		return domain.ErrMissingArgument.WithDetails("entry id is required")
	}
	if _, dup := s.Entries[e.ID]; dup {
		return domain.ErrInvalidArgument.WithDetails("duplicate entry id " + e.ID)
	}
	if _, ok := s.Repositories[e.Repository]; !ok {
		return domain.ErrRepositoryNotFound.WithDetails(e.Repository)
	}
	if !e.Kind.Valid() {
		return domain.ErrInvalidArgument.WithDetails("unknown operation kind " + string(e.Kind))
	}
	if e.State != domain.EntryInit {
		return domain.ErrInvalidTransition.WithDetails("entries register in INIT, got " + string(e.State))
	}
	if e.Snapshot.Name == "" {
		return domain.ErrSnapshotValidation.WithDetails("snapshot name is required")
	}

	// At most one live operation of each direction per snapshot name. A
	// delete arriving for a snapshot still being created aborts the create.
	var abort *domain.Entry
	for _, other := range s.Entries {
		if other.Repository != e.Repository || other.Snapshot.Name != e.Snapshot.Name || other.State.Terminal() {
			continue
		}
		switch {
		case e.Kind.Produces() && other.Kind.Produces():
			return domain.ErrSnapshotInProgress.WithDetails(
				fmt.Sprintf("snapshot %s is already being created by %s", e.Snapshot.Name, other.ID))
		case e.Kind == domain.OperationDelete && other.Kind == domain.OperationDelete:
			return domain.ErrSnapshotInProgress.WithDetails(
				fmt.Sprintf("snapshot %s is already being deleted by %s", e.Snapshot.Name, other.ID))
		case e.Kind == domain.OperationDelete && other.Kind.Produces():
			abort = other
		case e.Kind.Produces() && other.Kind == domain.OperationDelete:
			return domain.ErrSnapshotInProgress.WithDetails(
				fmt.Sprintf("snapshot %s is being deleted by %s", e.Snapshot.Name, other.ID))
		}
	}

	s.bump()
	if abort != nil {
		abortEntry(abort, "deleted while in progress by "+e.ID, ts)
	}
	entry := e.Clone()
	if entry.StartTime == 0 {
		entry.StartTime = ts
	}
	entry.UpdatedAt = ts
	s.Entries[entry.ID] = entry
	return nil
}

func (s *State) applyEntryStart(p EntryStartPayload, ts int64) error {
	e, err := s.liveEntry(p.ID)
	if err != nil {
		return err
	}
	if !e.State.CanTransition(domain.EntryStarted) {
		return domain.ErrInvalidTransition.WithDetails(
			fmt.Sprintf("entry %s: %s -> STARTED", e.ID, e.State))
	}
	if holder, busy := s.SlotHolder(e.Repository); busy {
		return domain.ErrLedgerSlotBusy.WithDetails(
			fmt.Sprintf("repository %s is held by %s (%s %s)", e.Repository, holder.ID, holder.Kind, holder.Snapshot.Name))
	}

	s.bump()
	e.State = domain.EntryStarted
	e.UpdatedAt = ts
	if len(p.Shards) > 0 {
		e.Shards = make(map[domain.ShardKey]*domain.ShardStatus, len(p.Shards))
		for k, v := range p.Shards {
			st := *v
			e.Shards[k] = &st
		}
	}
	maybeAggregate(e, ts)
	return nil
}

func (s *State) applyShardUpdate(p ShardUpdatePayload, ts int64) error {
	e, err := s.liveEntry(p.ID)
	if err != nil {
		return err
	}
	// Completions arriving after the entry finished are ignored.
	if e.State.Terminal() {
		return nil
	}
	if e.State != domain.EntryStarted {
		return domain.ErrInvalidTransition.WithDetails(
			fmt.Sprintf("entry %s: shard update in state %s", e.ID, e.State))
	}
	cur, ok := e.Shards[p.Key]
	if !ok {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("entry %s has no shard %s", e.ID, p.Key))
	}
	if cur.State.Terminal() {
		return nil
	}
	if p.Status.State == domain.ShardSuccess && p.Status.Token == "" {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("shard %s succeeded without a token", p.Key))
	}

	s.bump()
	st := p.Status
	if st.NodeID == "" {
		st.NodeID = cur.NodeID
	}
	e.Shards[p.Key] = &st
	e.UpdatedAt = ts
	maybeAggregate(e, ts)
	return nil
}

// maybeAggregate finishes a create or clone once every shard reported.
func maybeAggregate(e *domain.Entry, ts int64) {
	if !e.Kind.Produces() || e.State != domain.EntryStarted {
		return
	}
	if state, done := e.Aggregate(); done {
		e.State = state
		e.UpdatedAt = ts
		if state == domain.EntryFailed && e.Failure == "" {
			e.Failure = "all shards failed"
		}
	}
}

func (s *State) applyEntryFinish(p EntryFinishPayload, ts int64) error {
	e, err := s.liveEntry(p.ID)
	if err != nil {
		return err
	}
	if !p.State.Terminal() || p.State == domain.EntryAborted {
		return domain.ErrInvalidArgument.WithDetails("finish requires SUCCESS, PARTIAL or FAILED")
	}
	if !e.State.CanTransition(p.State) {
		return domain.ErrInvalidTransition.WithDetails(
			fmt.Sprintf("entry %s: %s -> %s", e.ID, e.State, p.State))
	}

	s.bump()
	if p.FailPending != "" {
		for _, k := range e.PendingShards() {
			e.Shards[k].State = domain.ShardFailed
			e.Shards[k].Reason = p.FailPending
		}
	}
	e.State = p.State
	e.Failure = p.Failure
	e.UpdatedAt = ts
	return nil
}

func (s *State) applyEntryAbort(p EntryAbortPayload, ts int64) error {
	e, err := s.liveEntry(p.ID)
	if err != nil {
		return err
	}
	if e.State == domain.EntryAborted {
		return nil
	}
	if !e.State.CanTransition(domain.EntryAborted) {
		return domain.ErrInvalidTransition.WithDetails(
			fmt.Sprintf("entry %s: %s -> ABORTED", e.ID, e.State))
	}
	s.bump()
	abortEntry(e, p.Reason, ts)
	return nil
}

func abortEntry(e *domain.Entry, reason string, ts int64) {
	for _, k := range e.PendingShards() {
		e.Shards[k].State = domain.ShardAborted
		e.Shards[k].Reason = reason
	}
	e.State = domain.EntryAborted
	e.Failure = reason
	e.UpdatedAt = ts
}

func (s *State) applyEntryRemove(p EntryRemovePayload) error {
	e, err := s.liveEntry(p.ID)
	if err != nil {
		return err
	}
	if !e.State.Terminal() {
		return domain.ErrInvalidTransition.WithDetails(
			fmt.Sprintf("entry %s is %s and cannot be removed", e.ID, e.State))
	}
	s.bump()
	delete(s.Entries, p.ID)
	return nil
}

// ============================================================================
// Members
// ============================================================================

func (s *State) applyMemberJoin(p MemberJoinPayload, ts int64) error {
	if p.Member.NodeID == "" {
		return domain.ErrMissingArgument.WithDetails("node_id is required")
	}
	if prev, ok := s.Members[p.Member.NodeID]; ok && prev.Addr == p.Member.Addr && prev.APIAddr == p.Member.APIAddr {
		return nil
	}
	s.bump()
	m := p.Member
	if prev, ok := s.Members[m.NodeID]; ok {
		m.JoinedAt = prev.JoinedAt
	} else {
		m.JoinedAt = ts
	}
	s.Members[m.NodeID] = &m
	return nil
}

// applyMemberLeave removes a member and resolves the entries it leaves
// behind. Shards it was snapshotting fail. A create or clone it originated
// fails outright if started and is aborted if still queued. Deletes stay and
// are retried by the next leader.
func (s *State) applyMemberLeave(p MemberLeavePayload, ts int64) error {
	if _, ok := s.Members[p.NodeID]; !ok {
		return nil
	}
	s.bump()
	delete(s.Members, p.NodeID)

	for _, e := range s.Entries {
		if e.State.Terminal() || !e.Kind.Produces() {
			continue
		}
		if e.NodeID == p.NodeID {
			switch e.State {
			case domain.EntryInit:
				abortEntry(e, ReasonNodeLost, ts)
			case domain.EntryStarted:
				for _, k := range e.PendingShards() {
					e.Shards[k].State = domain.ShardFailed
					e.Shards[k].Reason = ReasonNodeLost
				}
				e.State = domain.EntryFailed
				e.Failure = ReasonNodeLost
				e.UpdatedAt = ts
			}
			continue
		}
		if e.State != domain.EntryStarted {
			continue
		}
		touched := false
		for _, k := range e.PendingShards() {
			if e.Shards[k].NodeID == p.NodeID {
				e.Shards[k].State = domain.ShardFailed
				e.Shards[k].Reason = ReasonNodeLost
				touched = true
			}
		}
		if touched {
			e.UpdatedAt = ts
			maybeAggregate(e, ts)
		}
	}
	return nil
}
