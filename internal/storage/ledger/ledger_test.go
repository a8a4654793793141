package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
)

func newTestLedger(t *testing.T, opts ...blobstore.MemoryOption) *Ledger {
	t.Helper()
	return New(blobstore.NewMemoryStore(opts...), Config{Repository: "repo", NodeID: "node-1"})
}

func createOp(name string, shards map[string]map[int]string) Operation {
	indices := make([]string, 0, len(shards))
	for idx := range shards {
		indices = append(indices, idx)
	}
	return Operation{
		Kind:      domain.OperationCreate,
		Snapshot:  domain.NewSnapshotID(name),
		State:     domain.SnapshotSuccess,
		StartTime: time.Now().UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Indices:   indices,
		Shards:    shards,
	}
}

func mustNext(t *testing.T, cur *RepositoryData, op Operation) (*RepositoryData, Result) {
	t.Helper()
	next, res, err := ComputeNext(cur, op)
	if err != nil {
		t.Fatalf("ComputeNext(%s %s): %v", op.Kind, op.Snapshot.Name, err)
	}
	return next, res
}

// encodeLegacy writes a catalog in format version 1 to build fixtures of old
// repositories.
func encodeLegacy(t *testing.T, d *RepositoryData) []byte {
	t.Helper()
	lb := legacyBody{Generation: d.Generation}
	for _, s := range d.SortedSnapshots() {
		lb.Snapshots = append(lb.Snapshots, legacySnapshot{
			Name: s.ID.Name, UUID: s.ID.UUID, State: string(s.State),
			StartTime: s.StartTime, EndTime: s.EndTime,
			Indices: s.Indices, IncludeGlobalState: s.IncludeGlobalState,
		})
	}
	body, err := json.Marshal(lb)
	if err != nil {
		t.Fatal(err)
	}
	b, err := frame(blobHeader{FormatVersion: FormatLegacy, Generation: d.Generation}, body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFirstSnapshotCreatesGenerationZero(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	cur, err := l.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if cur.Generation != domain.NoGeneration {
		t.Fatalf("empty repository generation = %d, want -1", cur.Generation)
	}

	next, _ := mustNext(t, cur, createOp("s1", map[string]map[int]string{"logs": {0: "g1"}}))
	if err := l.Commit(ctx, next, cur.Generation); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := l.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got.Generation != 0 {
		t.Fatalf("generation = %d, want 0", got.Generation)
	}
	s, ok := got.SnapshotByName("s1")
	if !ok || s.State != domain.SnapshotSuccess {
		t.Fatalf("s1 = %+v, want SUCCESS", s)
	}
	if tok := got.Indices["logs"].ShardGenerations[0]; tok != "g1" {
		t.Fatalf("shard 0 token = %q, want g1", tok)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	d, _ := mustNext(t, Empty(), createOp("a", map[string]map[int]string{"x": {0: "t0", 1: "t1"}}))
	if err := l.Commit(ctx, d, -1); err != nil {
		t.Fatal(err)
	}
	d2, _ := mustNext(t, d, createOp("b", map[string]map[int]string{"x": {0: "t0", 1: "t2"}, "y": {0: "u0"}}))
	if err := l.Commit(ctx, d2, 0); err != nil {
		t.Fatal(err)
	}

	loaded, err := l.LoadLatest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded, d2) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, d2)
	}
}

func TestConcurrentCommitExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	a := New(store, Config{Repository: "repo", NodeID: "a"})
	b := New(store, Config{Repository: "repo", NodeID: "b"})

	base, _ := mustNext(t, Empty(), createOp("s0", map[string]map[int]string{"i": {0: "g0"}}))
	if err := a.Commit(ctx, base, -1); err != nil {
		t.Fatal(err)
	}
	nextA, _ := mustNext(t, base, createOp("from-a", map[string]map[int]string{"i": {0: "ga"}}))
	nextB, _ := mustNext(t, base, createOp("from-b", map[string]map[int]string{"i": {0: "gb"}}))

	// Both writers believe generation 0 is current and race for generation 1.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = a.Commit(ctx, nextA, 0) }()
	go func() { defer wg.Done(); errs[1] = b.Commit(ctx, nextB, 0) }()
	wg.Wait()

	var loser *Ledger
	var loserOp Operation
	switch {
	case errs[0] == nil && errors.Is(errs[1], domain.ErrGenerationConflict):
		loser, loserOp = b, createOp("from-b", map[string]map[int]string{"i": {0: "gb"}})
	case errs[1] == nil && errors.Is(errs[0], domain.ErrGenerationConflict):
		loser, loserOp = a, createOp("from-a", map[string]map[int]string{"i": {0: "ga"}})
	default:
		t.Fatalf("want exactly one winner, got errs %v", errs)
	}

	// The loser reloads generation 1 and commits generation 2.
	cur, err := loser.LoadLatest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Generation != 1 {
		t.Fatalf("reloaded generation = %d, want 1", cur.Generation)
	}
	next, _ := mustNext(t, cur, loserOp)
	if err := loser.Commit(ctx, next, cur.Generation); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
	final, _ := loser.LoadLatest(ctx)
	if final.Generation != 2 || len(final.Snapshots) != 3 {
		t.Fatalf("final generation %d with %d snapshots, want 2 with 3", final.Generation, len(final.Snapshots))
	}
}

func TestDeleteRemovesUnreferencedToken(t *testing.T) {
	d, _ := mustNext(t, Empty(), createOp("s1", map[string]map[int]string{"i": {0: "g7"}}))
	next, res := mustNext(t, d, Operation{Kind: domain.OperationDelete, Snapshot: domain.SnapshotID{Name: "s1"}})

	if _, ok := next.Indices["i"]; ok {
		t.Fatalf("index i still listed: %+v", next.Indices["i"])
	}
	want := []TokenRef{{Index: "i", Shard: 0, Token: "g7"}}
	if !reflect.DeepEqual(res.Obsolete, want) {
		t.Fatalf("obsolete = %v, want %v", res.Obsolete, want)
	}
	if next.Generation != d.Generation+1 {
		t.Fatalf("generation = %d, want %d", next.Generation, d.Generation+1)
	}
}

func TestDeleteKeepsSharedToken(t *testing.T) {
	d, _ := mustNext(t, Empty(), createOp("s1", map[string]map[int]string{"i": {0: "g1", 1: "h1"}}))
	d, _ = mustNext(t, d, createOp("s2", map[string]map[int]string{"i": {0: "g1", 1: "h2"}}))

	next, res := mustNext(t, d, Operation{Kind: domain.OperationDelete, Snapshot: domain.SnapshotID{Name: "s1"}})

	want := []TokenRef{{Index: "i", Shard: 1, Token: "h1"}}
	if !reflect.DeepEqual(res.Obsolete, want) {
		t.Fatalf("obsolete = %v, want %v", res.Obsolete, want)
	}
	gens := next.Indices["i"].ShardGenerations
	if gens[0] != "g1" || gens[1] != "h2" {
		t.Fatalf("shard generations = %v", gens)
	}
}

func TestComputeNext_Errors(t *testing.T) {
	base, _ := mustNext(t, Empty(), createOp("s1", map[string]map[int]string{"i": {0: "g1"}}))
	s1, _ := base.SnapshotByName("s1")

	tests := []struct {
		name string
		op   Operation
		want error
	}{
		{"duplicate name", createOp("s1", nil), domain.ErrSnapshotExists},
		{"delete missing", Operation{Kind: domain.OperationDelete, Snapshot: domain.SnapshotID{Name: "nope"}}, domain.ErrSnapshotNotFound},
		{"unfinished", Operation{Kind: domain.OperationCreate, Snapshot: domain.NewSnapshotID("x"), State: domain.SnapshotStarted}, domain.ErrSnapshotValidation},
		{"clone without source", Operation{Kind: domain.OperationClone, Snapshot: domain.NewSnapshotID("c"), State: domain.SnapshotSuccess}, domain.ErrSnapshotValidation},
		{"clone missing source", Operation{Kind: domain.OperationClone, Snapshot: domain.NewSnapshotID("c"), State: domain.SnapshotSuccess,
			Source: &domain.SnapshotID{Name: "gone", UUID: "gone"}}, domain.ErrSnapshotNotFound},
		{"clone wrong token", Operation{Kind: domain.OperationClone, Snapshot: domain.NewSnapshotID("c"), State: domain.SnapshotSuccess,
			Source: &s1.ID, Indices: []string{"i"}, Shards: map[string]map[int]string{"i": {0: "forged"}}}, domain.ErrSnapshotValidation},
		{"unknown kind", Operation{Kind: "restore"}, domain.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ComputeNext(base, tt.op)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestComputeNext_Idempotent(t *testing.T) {
	op := createOp("s1", map[string]map[int]string{"i": {0: "g1"}})
	d, _ := mustNext(t, Empty(), op)

	again, res := mustNext(t, d, op)
	if !res.Noop || again.Generation != d.Generation {
		t.Fatalf("re-applying create: noop=%v generation=%d", res.Noop, again.Generation)
	}

	del := Operation{Kind: domain.OperationDelete, Snapshot: op.Snapshot}
	after, _ := mustNext(t, d, del)
	_, res = mustNext(t, after, del)
	if !res.Noop {
		t.Fatal("re-applying delete by uuid should be a no-op")
	}
}

func TestComputeNext_DoesNotMutateInput(t *testing.T) {
	d, _ := mustNext(t, Empty(), createOp("s1", map[string]map[int]string{"i": {0: "g1"}}))
	before := d.Clone()
	mustNext(t, d, createOp("s2", map[string]map[int]string{"i": {0: "g2"}}))
	mustNext(t, d, Operation{Kind: domain.OperationDelete, Snapshot: domain.SnapshotID{Name: "s1"}})
	if !reflect.DeepEqual(d, before) {
		t.Fatal("ComputeNext mutated its input")
	}
}

func TestClone(t *testing.T) {
	d, _ := mustNext(t, Empty(), createOp("src", map[string]map[int]string{"a": {0: "ta"}, "b": {0: "tb"}}))
	src, _ := d.SnapshotByName("src")

	next, _ := mustNext(t, d, Operation{
		Kind:     domain.OperationClone,
		Snapshot: domain.NewSnapshotID("copy"),
		Source:   &src.ID,
		State:    domain.SnapshotSuccess,
		Indices:  []string{"a"},
		Shards:   map[string]map[int]string{"a": {0: "ta"}},
	})
	if got := next.Indices["a"].Snapshots; len(got) != 2 {
		t.Fatalf("index a snapshots = %v, want both", got)
	}

	// Deleting the source keeps the token alive through the clone.
	_, res := mustNext(t, next, Operation{Kind: domain.OperationDelete, Snapshot: src.ID})
	want := []TokenRef{{Index: "b", Shard: 0, Token: "tb"}}
	if !reflect.DeepEqual(res.Obsolete, want) {
		t.Fatalf("obsolete = %v, want %v", res.Obsolete, want)
	}
}

func TestOperationFromEntry(t *testing.T) {
	e := &domain.Entry{
		Kind:     domain.OperationCreate,
		Snapshot: domain.NewSnapshotID("s"),
		Indices:  []string{"i"},
		State:    domain.EntryStarted,
		Shards: map[domain.ShardKey]*domain.ShardStatus{
			{Index: "i", Shard: 0}: {NodeID: "n1", State: domain.ShardSuccess, Token: "t0"},
			{Index: "i", Shard: 1}: {NodeID: "n2", State: domain.ShardFailed, Reason: "disk"},
		},
	}
	op := OperationFromEntry(e, 42)
	if op.State != domain.SnapshotPartial {
		t.Fatalf("state = %s, want PARTIAL", op.State)
	}
	if op.Shards["i"][0] != "t0" || len(op.Shards["i"]) != 1 {
		t.Fatalf("shards = %v", op.Shards)
	}
	if len(op.Failures) != 1 || op.Failures[0].Reason != "disk" {
		t.Fatalf("failures = %v", op.Failures)
	}
}

func TestDecode_Corrupt(t *testing.T) {
	good, err := Encode(Empty(), "n")
	if err != nil {
		t.Fatal(err)
	}

	flipped := append([]byte(nil), good...)
	flipped[len(magicBytes)+6] ^= 0xff

	badVersion, _ := frame(blobHeader{FormatVersion: 9, Generation: 0}, []byte(`{"generation":0}`))
	badShard, _ := frame(blobHeader{FormatVersion: CurrentFormat, Generation: 0},
		[]byte(`{"generation":0,"snapshots":{"u":{"id":{"name":"s","uuid":"u"},"state":"SUCCESS","indices":["i"],"format_version":2,"shards":{"i":{"0":""}}}}}`))
	mismatch, _ := frame(blobHeader{FormatVersion: CurrentFormat, Generation: 3}, []byte(`{"generation":4}`))

	tests := []struct {
		name string
		blob []byte
	}{
		{"short", []byte("SK")},
		{"checksum", flipped},
		{"unknown format version", badVersion},
		{"malformed shard map", badShard},
		{"generation mismatch", mismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.blob); !errors.Is(err, domain.ErrCorruptLedger) {
				t.Fatalf("err = %v, want ErrCorruptLedger", err)
			}
		})
	}
}

func TestLoadLatest_CorruptBlobIsSurfaced(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Blobs().WriteAtomic(ctx, GenerationKey(0), []byte("garbage garbage garbage garbage garbage garbage"), true); err != nil {
		t.Fatal(err)
	}
	_, err := l.LoadLatest(ctx)
	if !errors.Is(err, domain.ErrCorruptLedger) {
		t.Fatalf("err = %v, want ErrCorruptLedger", err)
	}
}

func TestLegacyFormat(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	old, _ := mustNext(t, Empty(), createOp("old", map[string]map[int]string{"i": {0: "g0"}}))
	if err := l.Blobs().WriteAtomic(ctx, GenerationKey(0), encodeLegacy(t, old), true); err != nil {
		t.Fatal(err)
	}

	cur, err := l.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest legacy: %v", err)
	}
	if !cur.HasLegacySnapshots() {
		t.Fatal("legacy snapshot not detected")
	}
	if cur.Indices["i"].ShardGenerations != nil {
		t.Fatal("legacy snapshot should not contribute shard generations")
	}

	// Writing a new snapshot upgrades the ledger format but keeps the old entry.
	next, _ := mustNext(t, cur, createOp("new", map[string]map[int]string{"i": {0: "g1"}}))
	if err := l.Commit(ctx, next, 0); err != nil {
		t.Fatal(err)
	}
	reloaded, _ := l.LoadLatest(ctx)
	if !reloaded.HasLegacySnapshots() || len(reloaded.Snapshots) != 2 {
		t.Fatalf("reloaded = %+v", reloaded)
	}

	// Deleting the last legacy snapshot clears the flag.
	after, _ := mustNext(t, reloaded, Operation{Kind: domain.OperationDelete, Snapshot: domain.SnapshotID{Name: "old"}})
	if after.HasLegacySnapshots() {
		t.Fatal("legacy flag should clear once old snapshots are gone")
	}
}

func TestLatestGeneration_NumericOrder(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	d := Empty()
	for i := 0; i < 12; i++ {
		next, _ := mustNext(t, d, createOp(fmt.Sprintf("s%d", i), nil))
		if err := l.Commit(ctx, next, d.Generation); err != nil {
			t.Fatal(err)
		}
		d = next
	}
	gen, err := l.LatestGeneration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gen != 11 {
		t.Fatalf("latest = %d, want 11 (index-11 sorts before index-2)", gen)
	}
}

func TestCommit_Validation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	next, _ := mustNext(t, Empty(), createOp("s", nil))

	if err := l.Commit(ctx, next, 5); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("skipping generations: err = %v", err)
	}
	if err := l.Commit(ctx, next, -1); err != nil {
		t.Fatal(err)
	}
	// Committing generation 0 twice is a conflict, never an overwrite.
	if err := l.Commit(ctx, next, -1); !errors.Is(err, domain.ErrGenerationConflict) {
		t.Fatalf("rewrite: err = %v, want ErrGenerationConflict", err)
	}
}

func TestCommit_SingleWriterFallback(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, blobstore.WithoutConditionalWrite())

	next, _ := mustNext(t, Empty(), createOp("s", nil))
	if err := l.Commit(ctx, next, -1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Commit(ctx, next, -1); !errors.Is(err, domain.ErrGenerationConflict) {
		t.Fatalf("err = %v, want ErrGenerationConflict", err)
	}
}

func TestWriteRegistration(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	meta := domain.NewRepositoryMetadata("repo", domain.RepositoryMemory, map[string]string{"cooldown_period": "1s"})
	if err := l.WriteRegistration(ctx, meta); err != nil {
		t.Fatal(err)
	}
	ok, _ := blobstore.Exists(ctx, l.Blobs(), RegistrationKey)
	if !ok {
		t.Fatal("registration blob missing")
	}
}
