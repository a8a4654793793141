package clusterstate

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

func mustApply(t *testing.T, s *State, typ CommandType, payload any) {
	t.Helper()
	if err := apply(s, typ, payload); err != nil {
		t.Fatalf("Apply(%s): %v", typ, err)
	}
}

func apply(s *State, typ CommandType, payload any) error {
	cmd, err := NewCommand(typ, 1000, payload)
	if err != nil {
		return err
	}
	return s.Apply(cmd, 3)
}

func withRepo(t *testing.T) *State {
	t.Helper()
	s := New()
	mustApply(t, s, CmdRepositoryPut, RepositoryPutPayload{
		Repository: domain.NewRepositoryMetadata("repo", domain.RepositoryMemory, nil),
		NodeID:     "n1",
	})
	mustApply(t, s, CmdMemberJoin, MemberJoinPayload{Member: domain.Member{NodeID: "n1", Addr: "a1"}})
	mustApply(t, s, CmdMemberJoin, MemberJoinPayload{Member: domain.Member{NodeID: "n2", Addr: "a2"}})
	return s
}

func newEntry(id string, kind domain.OperationKind, name string) *domain.Entry {
	return &domain.Entry{
		ID:         id,
		Repository: "repo",
		Kind:       kind,
		Snapshot:   domain.NewSnapshotID(name),
		State:      domain.EntryInit,
		NodeID:     "n1",
	}
}

func twoShards() map[domain.ShardKey]*domain.ShardStatus {
	return map[domain.ShardKey]*domain.ShardStatus{
		{Index: "i", Shard: 0}: {NodeID: "n1", State: domain.ShardPending},
		{Index: "i", Shard: 1}: {NodeID: "n2", State: domain.ShardPending},
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cmd, err := NewCommand(CmdEntryAbort, 42, EntryAbortPayload{ID: "e1", Reason: "x"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := cmd.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeCommand(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != CmdEntryAbort || got.Timestamp != 42 {
		t.Fatalf("decoded %+v", got)
	}
	if _, err := DecodeCommand([]byte(`{"type":99}`)); err == nil {
		t.Fatal("unknown type should fail to decode")
	}
}

func TestRepositoryPut(t *testing.T) {
	s := New()
	meta := domain.NewRepositoryMetadata("repo", domain.RepositoryMemory, nil)
	mustApply(t, s, CmdRepositoryPut, RepositoryPutPayload{Repository: meta, NodeID: "n1"})

	own := s.Ownership["repo"]
	if own == nil || own.Version != s.Version || own.Term != 3 {
		t.Fatalf("ownership = %+v, state version %d", own, s.Version)
	}
	v := s.Version

	// Same definition again is a no-op and does not reset the cooldown.
	mustApply(t, s, CmdRepositoryPut, RepositoryPutPayload{Repository: meta, NodeID: "n1"})
	if s.Version != v {
		t.Fatal("identical registration changed the state")
	}

	changed := domain.NewRepositoryMetadata("repo", domain.RepositoryMemory, map[string]string{"cooldown_period": "1s"})
	mustApply(t, s, CmdRepositoryPut, RepositoryPutPayload{Repository: changed, NodeID: "n1"})
	if s.Repositories["repo"].Version != 2 {
		t.Fatalf("registration version = %d, want 2", s.Repositories["repo"].Version)
	}
	if s.Ownership["repo"].Version <= v {
		t.Fatal("settings change should be an ownership change")
	}

	bad := domain.NewRepositoryMetadata("repo", "tape", nil)
	if err := apply(s, CmdRepositoryPut, RepositoryPutPayload{Repository: bad}); !errors.Is(err, domain.ErrRepositoryValidation) {
		t.Fatalf("err = %v, want ErrRepositoryValidation", err)
	}
}

func TestRepositoryPut_Relocation(t *testing.T) {
	s := New()
	at := func(path string, settings map[string]string) *domain.RepositoryMetadata {
		m := map[string]string{domain.SettingPath: path}
		for k, v := range settings {
			m[k] = v
		}
		return domain.NewRepositoryMetadata("repo", domain.RepositoryFS, m)
	}
	mustApply(t, s, CmdRepositoryPut, RepositoryPutPayload{Repository: at("/a", nil), NodeID: "n1"})
	mustApply(t, s, CmdPendingGeneration, GenerationPayload{Repository: "repo", Generation: 0})
	mustApply(t, s, CmdGeneration, GenerationPayload{Repository: "repo", Generation: 0})
	mustApply(t, s, CmdPendingGeneration, GenerationPayload{Repository: "repo", Generation: 1})

	tests := []struct {
		name         string
		meta         *domain.RepositoryMetadata
		gen, pending int64
	}{
		{"settings change keeps generations", at("/a", map[string]string{domain.SettingCooldownPeriod: "1s"}), 0, 1},
		{"new path resets generations", at("/b", nil), domain.NoGeneration, domain.NoGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustApply(t, s, CmdRepositoryPut, RepositoryPutPayload{Repository: tt.meta, NodeID: "n1"})
			got := s.Repositories["repo"]
			if got.Generation != tt.gen || got.PendingGeneration != tt.pending {
				t.Errorf("generation/pending = %d/%d, want %d/%d", got.Generation, got.PendingGeneration, tt.gen, tt.pending)
			}
		})
	}

	// The new location accepts generation 0 again.
	mustApply(t, s, CmdPendingGeneration, GenerationPayload{Repository: "repo", Generation: 0})
}

func TestRepositoryDelete(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e1", domain.OperationCreate, "s1")})

	if err := apply(s, CmdRepositoryDelete, RepositoryDeletePayload{Name: "repo"}); !errors.Is(err, domain.ErrRepositoryInUse) {
		t.Fatalf("err = %v, want ErrRepositoryInUse", err)
	}
	mustApply(t, s, CmdEntryAbort, EntryAbortPayload{ID: "e1", Reason: "test"})
	mustApply(t, s, CmdEntryRemove, EntryRemovePayload{ID: "e1"})
	mustApply(t, s, CmdRepositoryDelete, RepositoryDeletePayload{Name: "repo"})
	if _, ok := s.Repository("repo"); ok {
		t.Fatal("repository still registered")
	}
	if err := apply(s, CmdRepositoryDelete, RepositoryDeletePayload{Name: "repo"}); !errors.Is(err, domain.ErrRepositoryNotFound) {
		t.Fatalf("err = %v, want ErrRepositoryNotFound", err)
	}
}

func TestSingleLedgerSlot(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e1", domain.OperationCreate, "s1")})
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e2", domain.OperationCreate, "s2")})

	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "e1", Shards: twoShards()})
	err := apply(s, CmdEntryStart, EntryStartPayload{ID: "e2", Shards: twoShards()})
	if !errors.Is(err, domain.ErrLedgerSlotBusy) {
		t.Fatalf("second start: err = %v, want ErrLedgerSlotBusy", err)
	}
	if s.Entries["e2"].State != domain.EntryInit {
		t.Fatal("queued entry left INIT")
	}

	// Finishing shards keeps the slot until the entry is removed.
	mustApply(t, s, CmdShardUpdate, ShardUpdatePayload{ID: "e1", Key: domain.ShardKey{Index: "i", Shard: 0},
		Status: domain.ShardStatus{State: domain.ShardSuccess, Token: "t0"}})
	mustApply(t, s, CmdShardUpdate, ShardUpdatePayload{ID: "e1", Key: domain.ShardKey{Index: "i", Shard: 1},
		Status: domain.ShardStatus{State: domain.ShardSuccess, Token: "t1"}})
	if s.Entries["e1"].State != domain.EntrySuccess {
		t.Fatalf("e1 = %s, want SUCCESS", s.Entries["e1"].State)
	}
	if err := apply(s, CmdEntryStart, EntryStartPayload{ID: "e2"}); !errors.Is(err, domain.ErrLedgerSlotBusy) {
		t.Fatalf("start before removal: err = %v", err)
	}

	mustApply(t, s, CmdEntryRemove, EntryRemovePayload{ID: "e1"})
	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "e2", Shards: twoShards()})
}

func TestShardAggregation(t *testing.T) {
	tests := []struct {
		name   string
		states [2]domain.ShardState
		want   domain.EntryState
	}{
		{"all succeed", [2]domain.ShardState{domain.ShardSuccess, domain.ShardSuccess}, domain.EntrySuccess},
		{"one fails", [2]domain.ShardState{domain.ShardSuccess, domain.ShardFailed}, domain.EntryPartial},
		{"all fail", [2]domain.ShardState{domain.ShardFailed, domain.ShardFailed}, domain.EntryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := withRepo(t)
			mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e1", domain.OperationCreate, "s1")})
			mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "e1", Shards: twoShards()})

			for i, st := range tt.states {
				status := domain.ShardStatus{State: st}
				if st == domain.ShardSuccess {
					status.Token = "tok"
				} else {
					status.Reason = "boom"
				}
				mustApply(t, s, CmdShardUpdate, ShardUpdatePayload{ID: "e1", Key: domain.ShardKey{Index: "i", Shard: i}, Status: status})
				if i == 0 && s.Entries["e1"].State != domain.EntryStarted {
					t.Fatal("entry finished before every shard reported")
				}
			}
			if got := s.Entries["e1"].State; got != tt.want {
				t.Fatalf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLateShardUpdateIgnored(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e1", domain.OperationCreate, "s1")})
	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "e1", Shards: twoShards()})
	mustApply(t, s, CmdEntryAbort, EntryAbortPayload{ID: "e1", Reason: "cancelled"})

	v := s.Version
	mustApply(t, s, CmdShardUpdate, ShardUpdatePayload{ID: "e1", Key: domain.ShardKey{Index: "i", Shard: 0},
		Status: domain.ShardStatus{State: domain.ShardSuccess, Token: "late"}})
	if s.Version != v || s.Entries["e1"].Shards[domain.ShardKey{Index: "i", Shard: 0}].State != domain.ShardAborted {
		t.Fatal("late completion changed an aborted entry")
	}
}

func TestShardUpdateValidation(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e1", domain.OperationCreate, "s1")})
	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "e1", Shards: twoShards()})

	err := apply(s, CmdShardUpdate, ShardUpdatePayload{ID: "e1", Key: domain.ShardKey{Index: "i", Shard: 0},
		Status: domain.ShardStatus{State: domain.ShardSuccess}})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("success without token: err = %v", err)
	}
	err = apply(s, CmdShardUpdate, ShardUpdatePayload{ID: "e1", Key: domain.ShardKey{Index: "x", Shard: 9},
		Status: domain.ShardStatus{State: domain.ShardFailed}})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("unknown shard: err = %v", err)
	}
	err = apply(s, CmdShardUpdate, ShardUpdatePayload{ID: "nope"})
	if !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("unknown entry: err = %v", err)
	}
}

func TestDuplicateOperations(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e1", domain.OperationCreate, "s1")})

	if err := apply(s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e2", domain.OperationCreate, "s1")}); !errors.Is(err, domain.ErrSnapshotInProgress) {
		t.Fatalf("duplicate create: err = %v", err)
	}
	if err := apply(s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("e1", domain.OperationCreate, "s9")}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("duplicate id: err = %v", err)
	}
	bad := newEntry("e3", domain.OperationCreate, "s3")
	bad.State = domain.EntryStarted
	if err := apply(s, CmdEntryRegister, EntryRegisterPayload{Entry: bad}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("register started: err = %v", err)
	}
	other := newEntry("e4", domain.OperationCreate, "s4")
	other.Repository = "missing"
	if err := apply(s, CmdEntryRegister, EntryRegisterPayload{Entry: other}); !errors.Is(err, domain.ErrRepositoryNotFound) {
		t.Fatalf("unknown repo: err = %v", err)
	}
}

func TestDeleteAbortsInProgressCreate(t *testing.T) {
	s := withRepo(t)
	create := newEntry("c1", domain.OperationCreate, "s1")
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: create})
	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "c1", Shards: twoShards()})

	del := newEntry("d1", domain.OperationDelete, "s1")
	del.Snapshot = create.Snapshot
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: del})

	c := s.Entries["c1"]
	if c.State != domain.EntryAborted {
		t.Fatalf("create = %s, want ABORTED", c.State)
	}
	for k, st := range c.Shards {
		if st.State != domain.ShardAborted {
			t.Errorf("shard %s = %s, want ABORTED", k, st.State)
		}
	}
	// The aborted create releases the slot.
	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "d1"})

	// A create for a name being deleted is rejected.
	if err := apply(s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("c2", domain.OperationCreate, "s1")}); !errors.Is(err, domain.ErrSnapshotInProgress) {
		t.Fatalf("create during delete: err = %v", err)
	}
}

func TestEntryFinish(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("d1", domain.OperationDelete, "s1")})

	if err := apply(s, CmdEntryFinish, EntryFinishPayload{ID: "d1", State: domain.EntrySuccess}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("INIT -> SUCCESS: err = %v", err)
	}
	if err := apply(s, CmdEntryFinish, EntryFinishPayload{ID: "d1", State: domain.EntryAborted}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("finish with ABORTED: err = %v", err)
	}
	if err := apply(s, CmdEntryRemove, EntryRemovePayload{ID: "d1"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("remove INIT: err = %v", err)
	}

	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "d1"})
	mustApply(t, s, CmdEntryFinish, EntryFinishPayload{ID: "d1", State: domain.EntryFailed, Failure: "contention"})
	if e := s.Entries["d1"]; e.State != domain.EntryFailed || e.Failure != "contention" {
		t.Fatalf("entry = %+v", e)
	}
	if err := apply(s, CmdEntryFinish, EntryFinishPayload{ID: "d1", State: domain.EntrySuccess}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal -> SUCCESS: err = %v", err)
	}
}

func TestMemberLeaveResolvesEntries(t *testing.T) {
	s := withRepo(t)

	// Created on n1, shards on n1 and n2.
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("c1", domain.OperationCreate, "s1")})
	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "c1", Shards: twoShards()})
	// Queued behind it, also from n1.
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("c2", domain.OperationCreate, "s2")})
	// A delete from n1.
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("d1", domain.OperationDelete, "old")})

	mustApply(t, s, CmdMemberLeave, MemberLeavePayload{NodeID: "n1"})

	if e := s.Entries["c1"]; e.State != domain.EntryFailed || e.Failure != ReasonNodeLost {
		t.Fatalf("started create = %s (%s), want FAILED", e.State, e.Failure)
	}
	if e := s.Entries["c2"]; e.State != domain.EntryAborted {
		t.Fatalf("queued create = %s, want ABORTED", e.State)
	}
	if e := s.Entries["d1"]; e.State != domain.EntryInit {
		t.Fatalf("delete = %s, want INIT (retried)", e.State)
	}
	if _, ok := s.Member("n1"); ok {
		t.Fatal("member not removed")
	}
}

func TestMemberLeaveFailsRemoteShards(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("c1", domain.OperationCreate, "s1")})
	mustApply(t, s, CmdEntryStart, EntryStartPayload{ID: "c1", Shards: twoShards()})
	mustApply(t, s, CmdShardUpdate, ShardUpdatePayload{ID: "c1", Key: domain.ShardKey{Index: "i", Shard: 0},
		Status: domain.ShardStatus{State: domain.ShardSuccess, Token: "t0"}})

	mustApply(t, s, CmdMemberLeave, MemberLeavePayload{NodeID: "n2"})

	e := s.Entries["c1"]
	if e.State != domain.EntryPartial {
		t.Fatalf("state = %s, want PARTIAL", e.State)
	}
	if st := e.Shards[domain.ShardKey{Index: "i", Shard: 1}]; st.Reason != ReasonNodeLost {
		t.Fatalf("lost shard reason = %q", st.Reason)
	}
}

func TestGenerationBookkeeping(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdPendingGeneration, GenerationPayload{Repository: "repo", Generation: 0})
	r := s.Repositories["repo"]
	if r.PendingGeneration != 0 || r.Generation != domain.NoGeneration {
		t.Fatalf("after pending: %+v", r)
	}
	mustApply(t, s, CmdGeneration, GenerationPayload{Repository: "repo", Generation: 0})
	if r.Generation != 0 {
		t.Fatalf("generation = %d, want 0", r.Generation)
	}
	if err := apply(s, CmdPendingGeneration, GenerationPayload{Repository: "repo", Generation: 0}); !errors.Is(err, domain.ErrGenerationConflict) {
		t.Fatalf("stale pending: err = %v", err)
	}
	// Older generations never move the cached value back.
	v := s.Version
	mustApply(t, s, CmdGeneration, GenerationPayload{Repository: "repo", Generation: -1})
	if s.Version != v || r.Generation != 0 {
		t.Fatal("stale generation applied")
	}
}

func TestOwnershipChangeAllRepositories(t *testing.T) {
	s := withRepo(t)
	mustApply(t, s, CmdRepositoryPut, RepositoryPutPayload{
		Repository: domain.NewRepositoryMetadata("other", domain.RepositoryMemory, nil),
	})
	mustApply(t, s, CmdOwnershipChange, OwnershipChangePayload{NodeID: "n2", Reason: "leader elected"})
	for _, name := range []string{"repo", "other"} {
		o := s.Ownership[name]
		if o.NodeID != "n2" || o.Version != s.Version {
			t.Errorf("%s ownership = %+v", name, o)
		}
	}
	if err := apply(s, CmdOwnershipChange, OwnershipChangePayload{Repository: "missing"}); !errors.Is(err, domain.ErrRepositoryNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeterministicReplay(t *testing.T) {
	var log []Command
	record := func(typ CommandType, payload any) {
		cmd, err := NewCommand(typ, int64(len(log)), payload)
		if err != nil {
			t.Fatal(err)
		}
		log = append(log, cmd)
	}
	record(CmdRepositoryPut, RepositoryPutPayload{Repository: domain.NewRepositoryMetadata("repo", domain.RepositoryMemory, nil)})
	record(CmdMemberJoin, MemberJoinPayload{Member: domain.Member{NodeID: "n1"}})
	record(CmdEntryRegister, EntryRegisterPayload{Entry: newEntry("c1", domain.OperationCreate, "s1")})
	record(CmdEntryStart, EntryStartPayload{ID: "c1", Shards: twoShards()})
	record(CmdEntryStart, EntryStartPayload{ID: "c1"}) // rejected on every replica
	record(CmdMemberLeave, MemberLeavePayload{NodeID: "n1"})

	a, b := New(), New()
	for _, cmd := range log {
		errA := a.Apply(cmd, 1)
		errB := b.Apply(cmd, 1)
		if (errA == nil) != (errB == nil) {
			t.Fatalf("replicas disagree on %s: %v vs %v", cmd.Type, errA, errB)
		}
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Fatal("replicas diverged")
	}

	c := a.Clone()
	if !reflect.DeepEqual(c, a) {
		t.Fatal("Clone is not equal")
	}
	c.Entries["c1"].State = domain.EntryInit
	if a.Entries["c1"].State == domain.EntryInit {
		t.Fatal("Clone shares entries")
	}
}
