package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/cooldown"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/server/clusterserver"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
	"github.com/yndnr/snapkeep-go/internal/telemetry/logger"
)

const testRepo = "backups"

func discardLogger() *slog.Logger {
	return logger.Discard()
}

// harness is an in-process cluster sharing one blob store pool and shard
// source between its nodes.
type harness struct {
	t    *testing.T
	lc   *clusterserver.LocalCluster
	pool *blobstore.Pool
	src  *shardstore.MemorySource
	exec *shardstore.Executor
}

type testNode struct {
	id    string
	node  *clusterserver.LocalNode
	coord *Coordinator
	repos *RepositoryService
}

type nodeOption func(*CoordinatorConfig)

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := blobstore.NewPool(blobstore.Options{Logger: discardLogger()})
	t.Cleanup(func() { pool.Close() })

	src := shardstore.NewMemorySource()
	src.CreateIndex("logs", 2)
	src.CreateIndex("metrics", 1)
	for _, p := range []struct {
		index string
		shard int
		data  string
	}{
		{"logs", 0, "log shard zero"},
		{"logs", 1, "log shard one"},
		{"metrics", 0, "metric shard zero"},
	} {
		if err := src.Put(p.index, p.shard, []byte(p.data)); err != nil {
			t.Fatal(err)
		}
	}

	return &harness{
		t:    t,
		lc:   clusterserver.NewLocalCluster(discardLogger()),
		pool: pool,
		src:  src,
		exec: shardstore.New(shardstore.Config{NodeID: "node-1", Source: src, Pool: pool, Logger: discardLogger()}),
	}
}

// addNode creates a node and its coordinator without running it.
func (h *harness) addNode(id string, opts ...nodeOption) *testNode {
	node := h.lc.Node(id, "")
	cfg := CoordinatorConfig{
		Cluster: node,
		Pool:    h.pool,
		Catalog: h.src,
		Dispatcher: DispatchFunc(func(ctx context.Context, nodeID string, task shardstore.Task) (shardstore.Result, error) {
			return h.exec.Run(ctx, task)
		}),
		Allocator:          clusterserver.NewShardAllocator(0),
		Guard:              cooldown.New(cooldown.Config{Logger: discardLogger()}),
		CommitRetryBackoff: 5 * time.Millisecond,
		ReconcileInterval:  20 * time.Millisecond,
		Logger:             discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	coord := NewCoordinator(cfg)
	return &testNode{
		id:    id,
		node:  node,
		coord: coord,
		repos: NewRepositoryService(coord, discardLogger()),
	}
}

// lead makes n the leader and records every given node as member.
func (h *harness) lead(n *testNode, members ...*testNode) {
	h.t.Helper()
	h.lc.SetLeader(n.id)
	m := clusterserver.NewMembership(n.node, nil, time.Second, discardLogger())
	for _, mem := range append([]*testNode{n}, members...) {
		if err := m.Join(context.Background(), domain.Member{NodeID: mem.id}); err != nil {
			h.t.Fatalf("join %s: %v", mem.id, err)
		}
	}
}

// start runs the coordinator until the test ends.
func (n *testNode) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (n *testNode) putRepo(t *testing.T, name string, settings map[string]string) *domain.RepositoryMetadata {
	t.Helper()
	if _, ok := n.node.State().Repository(name); !ok {
		// Memory repositories outlive the test by name.
		blobstore.DropSharedMemoryStore(name)
		t.Cleanup(func() { blobstore.DropSharedMemoryStore(name) })
	}
	meta, err := n.repos.Put(context.Background(), &PutRepositoryRequest{
		Name:     name,
		Type:     domain.RepositoryMemory,
		Settings: settings,
	})
	if err != nil {
		t.Fatalf("Put(%s): %v", name, err)
	}
	return meta
}

// newSingleNode returns a running leader with the test repository.
func newSingleNode(t *testing.T, opts ...nodeOption) (*harness, *testNode) {
	t.Helper()
	h := newHarness(t)
	n := h.addNode("node-1", opts...)
	h.lead(n)
	n.start(t)
	n.putRepo(t, testRepo, nil)
	return h, n
}

func wait(t *testing.T, handle *Handle) *Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(%s %s): %v", handle.Kind, handle.Snapshot.Name, err)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func entryState(n *testNode, id string) domain.EntryState {
	e, ok := n.node.State().Entry(id)
	if !ok {
		return ""
	}
	return e.State
}

// gate blocks shard tasks until opened or their context ends.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate(t *testing.T) *gate {
	g := &gate{ch: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fixedAllocator places every shard of an index on one node; an empty owner
// means the shard is unavailable. Unlisted indices go to the first member.
type fixedAllocator map[string]string

func (a fixedAllocator) Owner(key domain.ShardKey, members []string) (string, bool) {
	if owner, ok := a[key.Index]; ok {
		return owner, owner != ""
	}
	if len(members) == 0 {
		return "", false
	}
	return members[0], true
}
