package shardstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
	"github.com/yndnr/snapkeep-go/internal/storage/ledger"
)

func newTestExecutor(t *testing.T) (*Executor, *MemorySource, *domain.RepositoryMetadata, blobstore.Store) {
	t.Helper()
	src := NewMemorySource()
	src.CreateIndex("logs", 2)
	pool := blobstore.NewPool(blobstore.Options{})
	t.Cleanup(func() { pool.Close() })

	meta := domain.NewRepositoryMetadata("shards-"+t.Name(), domain.RepositoryMemory, nil)
	t.Cleanup(func() { blobstore.DropSharedMemoryStore(meta.Name) })
	blobs, err := pool.Get(meta)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{NodeID: "n1", Source: src, Pool: pool}), src, meta, blobs
}

func TestExecutor_Snapshot(t *testing.T) {
	ctx := context.Background()
	x, src, meta, blobs := newTestExecutor(t)
	if err := src.Put("logs", 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	task := Task{Repository: meta, Kind: domain.OperationCreate, Snapshot: domain.NewSnapshotID("s1"), Index: "logs", Shard: 0}
	res, err := x.Run(ctx, task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Token == "" || res.Reused || res.SizeBytes != 5 {
		t.Fatalf("result = %+v", res)
	}
	got, err := blobs.Read(ctx, ContentKey("logs", 0, res.Token))
	if err != nil || string(got) != "hello" {
		t.Fatalf("content = %q, %v", got, err)
	}
	m, err := ReadManifest(ctx, blobs, "logs", 0, res.Token)
	if err != nil || m.NodeID != "n1" || m.SizeBytes != 5 {
		t.Fatalf("manifest = %+v, %v", m, err)
	}
}

func TestExecutor_IncrementalReuse(t *testing.T) {
	ctx := context.Background()
	x, src, meta, _ := newTestExecutor(t)
	_ = src.Put("logs", 1, []byte("v1"))

	task := Task{Repository: meta, Kind: domain.OperationCreate, Index: "logs", Shard: 1}
	first, err := x.Run(ctx, task)
	if err != nil {
		t.Fatal(err)
	}

	task.Previous = first.Token
	second, err := x.Run(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if second.Token != first.Token || !second.Reused {
		t.Fatalf("unchanged shard got a new token: %+v", second)
	}

	_ = src.Put("logs", 1, []byte("v2"))
	third, err := x.Run(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if third.Token == first.Token || third.Reused {
		t.Fatalf("changed shard reused the token: %+v", third)
	}
}

func TestExecutor_PreviousMissingWritesNew(t *testing.T) {
	x, _, meta, _ := newTestExecutor(t)
	res, err := x.Run(context.Background(), Task{Repository: meta, Kind: domain.OperationCreate,
		Index: "logs", Shard: 0, Previous: "gone"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Token == "gone" {
		t.Fatal("reused a token without a manifest")
	}
}

func TestExecutor_Errors(t *testing.T) {
	x, _, meta, _ := newTestExecutor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		task Task
		want error
	}{
		{"unknown index", Task{Repository: meta, Kind: domain.OperationCreate, Index: "nope"}, domain.ErrShardSnapshotFailed},
		{"clone without source", Task{Repository: meta, Kind: domain.OperationClone, Index: "logs"}, domain.ErrMissingArgument},
		{"clone missing content", Task{Repository: meta, Kind: domain.OperationClone, Index: "logs", SourceToken: "t"}, domain.ErrShardContentMissing},
		{"delete kind", Task{Repository: meta, Kind: domain.OperationDelete}, domain.ErrInvalidArgument},
		{"no repository", Task{Kind: domain.OperationCreate}, domain.ErrMissingArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := x.Run(ctx, tt.task); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExecutor_CloneAndDelete(t *testing.T) {
	ctx := context.Background()
	x, src, meta, blobs := newTestExecutor(t)
	_ = src.Put("logs", 0, []byte("data"))

	orig, err := x.Run(ctx, Task{Repository: meta, Kind: domain.OperationCreate, Index: "logs", Shard: 0})
	if err != nil {
		t.Fatal(err)
	}
	clone, err := x.Run(ctx, Task{Repository: meta, Kind: domain.OperationClone, Index: "logs", Shard: 0, SourceToken: orig.Token})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.Token != orig.Token {
		t.Fatalf("clone token = %s, want %s", clone.Token, orig.Token)
	}

	if err := DeleteTokens(ctx, blobs, []ledger.TokenRef{{Index: "logs", Shard: 0, Token: orig.Token}}); err != nil {
		t.Fatalf("DeleteTokens: %v", err)
	}
	for _, k := range []string{ContentKey("logs", 0, orig.Token), ManifestKey("logs", 0, orig.Token)} {
		if ok, _ := blobstore.Exists(ctx, blobs, k); ok {
			t.Errorf("%s still present", k)
		}
	}
}

func TestExecutor_RateLimited(t *testing.T) {
	src := NewMemorySource()
	src.CreateIndex("big", 1)
	_ = src.Put("big", 0, make([]byte, 3000))
	pool := blobstore.NewPool(blobstore.Options{})
	defer pool.Close()
	meta := domain.NewRepositoryMetadata("shards-rate", domain.RepositoryMemory, nil)
	defer blobstore.DropSharedMemoryStore(meta.Name)

	x := New(Config{Source: src, Pool: pool, RateBytesPerSec: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := x.Run(ctx, Task{Repository: meta, Kind: domain.OperationCreate, Index: "big"}); err == nil {
		t.Fatal("throttled upload should observe cancellation")
	}
}

func TestDirSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "metrics"), 0750); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(dir, "metrics", "0"), []byte("a"), 0600)
	_ = os.WriteFile(filepath.Join(dir, "metrics", "2"), []byte("c"), 0600)
	_ = os.WriteFile(filepath.Join(dir, "metrics", "notes.txt"), []byte("x"), 0600)

	s, err := NewDirSource(dir)
	if err != nil {
		t.Fatal(err)
	}
	names, err := s.Indices(ctx)
	if err != nil || len(names) != 1 || names[0] != "metrics" {
		t.Fatalf("Indices = %v, %v", names, err)
	}
	if n, err := s.ShardCount(ctx, "metrics"); err != nil || n != 3 {
		t.Fatalf("ShardCount = %d, %v", n, err)
	}
	if b, err := s.Read(ctx, "metrics", 1); err != nil || len(b) != 0 {
		t.Fatalf("gap shard = %q, %v", b, err)
	}
	if b, _ := s.Read(ctx, "metrics", 2); string(b) != "c" {
		t.Fatalf("shard 2 = %q", b)
	}
	if _, err := s.ShardCount(ctx, "missing"); !errors.Is(err, ErrIndexNotFound) {
		t.Fatalf("err = %v, want ErrIndexNotFound", err)
	}
}
