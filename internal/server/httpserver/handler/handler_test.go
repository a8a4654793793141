package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/cooldown"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/core/service"
	"github.com/yndnr/snapkeep-go/internal/server/clusterserver"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
	"github.com/yndnr/snapkeep-go/internal/storage/ledger"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
)

const (
	testRepo   = "handler-backups"
	leaderAddr = "127.0.0.1:5080"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testAPI struct {
	t      *testing.T
	lc     *clusterserver.LocalCluster
	pool   *blobstore.Pool
	src    *shardstore.MemorySource
	exec   *shardstore.Executor
	leader http.Handler
}

// newTestAPI runs a single-node cluster with one memory repository and
// returns the leader's handler.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	pool := blobstore.NewPool(blobstore.Options{Logger: discardLogger()})
	t.Cleanup(func() { pool.Close() })

	src := shardstore.NewMemorySource()
	src.CreateIndex("logs", 2)
	for i, data := range []string{"shard zero", "shard one"} {
		if err := src.Put("logs", i, []byte(data)); err != nil {
			t.Fatal(err)
		}
	}

	api := &testAPI{
		t:    t,
		lc:   clusterserver.NewLocalCluster(discardLogger()),
		pool: pool,
		src:  src,
		exec: shardstore.New(shardstore.Config{NodeID: "node-1", Source: src, Pool: pool, Logger: discardLogger()}),
	}

	api.lc.SetLeader("node-1")
	api.leader = api.handlerFor("node-1", leaderAddr, true)
	m := clusterserver.NewMembership(api.lc.Node("node-1", leaderAddr), nil, time.Second, discardLogger())
	if err := m.Join(context.Background(), domain.Member{NodeID: "node-1", APIAddr: leaderAddr}); err != nil {
		t.Fatalf("join: %v", err)
	}

	blobstore.DropSharedMemoryStore(testRepo)
	t.Cleanup(func() { blobstore.DropSharedMemoryStore(testRepo) })
	rec, _ := api.do(api.leader, http.MethodPost, "/v1/repositories", PutRepositoryRequest{Name: testRepo, Type: "memory"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register repository: status %d: %s", rec.Code, rec.Body)
	}
	return api
}

// handlerFor builds the API of a node, running its coordinator when asked.
func (a *testAPI) handlerFor(nodeID, apiAddr string, run bool) http.Handler {
	node := a.lc.Node(nodeID, apiAddr)
	coord := service.NewCoordinator(service.CoordinatorConfig{
		Cluster: node,
		Pool:    a.pool,
		Catalog: a.src,
		Dispatcher: service.DispatchFunc(func(ctx context.Context, _ string, task shardstore.Task) (shardstore.Result, error) {
			return a.exec.Run(ctx, task)
		}),
		Allocator:          clusterserver.NewShardAllocator(0),
		Guard:              cooldown.New(cooldown.Config{Logger: discardLogger()}),
		CommitRetryBackoff: 5 * time.Millisecond,
		ReconcileInterval:  20 * time.Millisecond,
		Logger:             discardLogger(),
	})
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			coord.Run(ctx)
		}()
		a.t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return New(Config{
		Coordinator:  coord,
		Repositories: service.NewRepositoryService(coord, discardLogger()),
		Cluster:      node,
		Logger:       discardLogger(),
	})
}

type envelope struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Details   any             `json:"details"`
}

func (a *testAPI) do(h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			a.t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-Request-ID", "test-req")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		a.t.Fatalf("%s %s: decode envelope: %v (%s)", method, path, err, rec.Body)
	}
	return rec, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	a := &testAPI{t: t}
	ready := errors.New("raft not started")
	h := New(Config{Ready: func() error { return ready }, Logger: discardLogger()})

	rec, env := a.do(h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || env.Code != "OK" || env.RequestID != "test-req" {
		t.Errorf("health = %d %+v", rec.Code, env)
	}

	rec, env = a.do(h, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusServiceUnavailable || env.Code != domain.ErrServiceUnavailable.Code {
		t.Errorf("not ready = %d %s", rec.Code, env.Code)
	}

	ready = nil
	if rec, _ = a.do(h, http.MethodGet, "/ready", nil); rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}
}

func TestRepositoryEndpoints(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(a.leader, http.MethodGet, "/v1/repositories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	list := decodeData[[]domain.RepositoryMetadata](t, env)
	if len(list) != 1 || list[0].Name != testRepo {
		t.Errorf("list = %+v", list)
	}

	rec, env = a.do(a.leader, http.MethodGet, "/v1/repositories/"+testRepo, nil)
	if meta := decodeData[domain.RepositoryMetadata](t, env); rec.Code != http.StatusOK || meta.Version != 1 {
		t.Errorf("get = %d %+v", rec.Code, meta)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"invalid type", http.MethodPost, "/v1/repositories", PutRepositoryRequest{Name: "x", Type: "tape"}, http.StatusBadRequest, domain.ErrRepositoryValidation.Code},
		{"unknown field", http.MethodPost, "/v1/repositories", map[string]string{"nme": "x"}, http.StatusBadRequest, domain.ErrBadRequest.Code},
		{"missing body", http.MethodPost, "/v1/repositories", nil, http.StatusBadRequest, domain.ErrBadRequest.Code},
		{"get unknown", http.MethodGet, "/v1/repositories/nope", nil, http.StatusNotFound, domain.ErrRepositoryNotFound.Code},
		{"delete unknown", http.MethodPost, "/v1/repositories/nope/delete", nil, http.StatusNotFound, domain.ErrRepositoryNotFound.Code},
		{"data unknown", http.MethodGet, "/v1/repositories/nope/data", nil, http.StatusNotFound, domain.ErrRepositoryNotFound.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := a.do(a.leader, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus || env.Code != tt.wantCode {
				t.Errorf("got %d %s, want %d %s", rec.Code, env.Code, tt.wantStatus, tt.wantCode)
			}
			if rec.Header().Get("X-Error-Code") != tt.wantCode {
				t.Errorf("X-Error-Code = %q", rec.Header().Get("X-Error-Code"))
			}
		})
	}

	rec, _ = a.do(a.leader, http.MethodPost, "/v1/repositories/"+testRepo+"/delete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec, _ = a.do(a.leader, http.MethodGet, "/v1/repositories/"+testRepo, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rec.Code)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	a := newTestAPI(t)
	base := "/v1/repositories/" + testRepo

	rec, env := a.do(a.leader, http.MethodPost, base+"/snapshots",
		CreateSnapshotRequest{Name: "nightly-1", WaitForCompletion: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	op := decodeData[OperationResponse](t, env)
	if op.Outcome == nil || op.Outcome.State != domain.EntrySuccess || op.Outcome.Generation != 0 {
		t.Fatalf("create outcome = %+v", op.Outcome)
	}
	if op.Kind != domain.OperationCreate || op.Snapshot.Name != "nightly-1" || op.Snapshot.UUID == "" {
		t.Errorf("create operation = %+v", op)
	}

	rec, env = a.do(a.leader, http.MethodGet, base+"/snapshots/nightly-1/status", nil)
	status := decodeData[domain.SnapshotStatus](t, env)
	if rec.Code != http.StatusOK || status.State != string(domain.EntrySuccess) || status.Stats.Total != 2 {
		t.Errorf("status = %d %+v", rec.Code, status)
	}

	rec, env = a.do(a.leader, http.MethodPost, base+"/snapshots/nightly-1/clone",
		CloneSnapshotRequest{Target: "nightly-1-copy", WaitForCompletion: true})
	if op := decodeData[OperationResponse](t, env); rec.Code != http.StatusOK || op.Outcome.State != domain.EntrySuccess {
		t.Fatalf("clone = %d %+v", rec.Code, op.Outcome)
	}

	rec, env = a.do(a.leader, http.MethodGet, base+"/data", nil)
	data := decodeData[ledger.RepositoryData](t, env)
	if rec.Code != http.StatusOK || data.Generation != 1 || len(data.Snapshots) != 2 {
		t.Errorf("data = %d generation %d with %d snapshots", rec.Code, data.Generation, len(data.Snapshots))
	}

	rec, env = a.do(a.leader, http.MethodPost, base+"/snapshots/nightly-1/delete?wait_for_completion=true", nil)
	if op := decodeData[OperationResponse](t, env); rec.Code != http.StatusOK || op.Outcome.Generation != 2 {
		t.Fatalf("delete = %d %+v", rec.Code, op.Outcome)
	}

	rec, env = a.do(a.leader, http.MethodGet, base+"/snapshots/nightly-1/status", nil)
	if rec.Code != http.StatusNotFound || env.Code != domain.ErrSnapshotNotFound.Code {
		t.Errorf("status after delete = %d %s", rec.Code, env.Code)
	}

	rec, env = a.do(a.leader, http.MethodPost, base+"/snapshots", CreateSnapshotRequest{Name: "nightly-2"})
	if op := decodeData[OperationResponse](t, env); rec.Code != http.StatusAccepted || op.Outcome != nil || op.ID == "" {
		t.Errorf("async create = %d %+v", rec.Code, op)
	}
}

func TestSnapshotErrors(t *testing.T) {
	a := newTestAPI(t)
	base := "/v1/repositories/" + testRepo
	if rec, _ := a.do(a.leader, http.MethodPost, base+"/snapshots", CreateSnapshotRequest{Name: "taken", WaitForCompletion: true}); rec.Code != http.StatusOK {
		t.Fatalf("create: %d", rec.Code)
	}

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"unknown repository", "/v1/repositories/nope/snapshots", CreateSnapshotRequest{Name: "s"}, http.StatusNotFound, domain.ErrRepositoryNotFound.Code},
		{"existing name", base + "/snapshots", CreateSnapshotRequest{Name: "taken"}, http.StatusConflict, domain.ErrSnapshotExists.Code},
		{"empty name", base + "/snapshots", CreateSnapshotRequest{}, http.StatusBadRequest, domain.ErrSnapshotValidation.Code},
		{"bad wait flag", base + "/snapshots?wait_for_completion=soon", CreateSnapshotRequest{Name: "s2"}, http.StatusBadRequest, domain.ErrInvalidArgument.Code},
		{"clone missing source", base + "/snapshots/ghost/clone", CloneSnapshotRequest{Target: "t"}, http.StatusNotFound, domain.ErrSnapshotNotFound.Code},
		{"delete missing", base + "/snapshots/ghost/delete", nil, http.StatusNotFound, domain.ErrSnapshotNotFound.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := a.do(a.leader, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus || env.Code != tt.wantCode {
				t.Errorf("got %d %s (%v), want %d %s", rec.Code, env.Code, env.Details, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestFollowerRedirect(t *testing.T) {
	a := newTestAPI(t)
	follower := a.handlerFor("node-2", "127.0.0.1:6080", false)

	rec, env := a.do(follower, http.MethodPost, "/v1/repositories/"+testRepo+"/snapshots", CreateSnapshotRequest{Name: "s"})
	if rec.Code != http.StatusServiceUnavailable || env.Code != domain.ErrNotLeader.Code {
		t.Fatalf("follower create = %d %s", rec.Code, env.Code)
	}
	if got := rec.Header().Get(LeaderHeader); got != leaderAddr {
		t.Errorf("%s = %q, want %q", LeaderHeader, got, leaderAddr)
	}

	// Reads are served from replicated state.
	if rec, _ := a.do(follower, http.MethodGet, "/v1/repositories/"+testRepo, nil); rec.Code != http.StatusOK {
		t.Errorf("follower get = %d", rec.Code)
	}
}

func TestHealth_ReportsNode(t *testing.T) {
	a := newTestAPI(t)
	_, env := a.do(a.leader, http.MethodGet, "/ready", nil)
	resp := decodeData[HealthResponse](t, env)
	if resp.Status != "ready" || resp.NodeID != "node-1" || !resp.IsLeader || resp.Leader != leaderAddr {
		t.Errorf("ready = %+v", resp)
	}
}

func TestClusterState(t *testing.T) {
	a := newTestAPI(t)

	rec, env := a.do(a.leader, http.MethodGet, "/v1/cluster/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cluster state: %d", rec.Code)
	}
	resp := decodeData[ClusterStateResponse](t, env)
	if resp.NodeID != "node-1" || !resp.IsLeader || resp.LeaderAddr != leaderAddr {
		t.Errorf("cluster state = %+v", resp)
	}
	if _, ok := resp.State.Repositories[testRepo]; !ok {
		t.Errorf("state repositories = %v", resp.State.Repositories)
	}
	if _, ok := resp.State.Members["node-1"]; !ok {
		t.Errorf("state members = %v", resp.State.Members)
	}
}

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{domain.ErrRepositoryNotFound.Code, http.StatusNotFound},
		{domain.ErrSnapshotExists.Code, http.StatusConflict},
		{domain.ErrSnapshotInProgress.Code, http.StatusConflict},
		{domain.ErrOperationAborted.Code, http.StatusConflict},
		{domain.ErrRepositoryValidation.Code, http.StatusBadRequest},
		{domain.ErrShardsUnavailable.Code, http.StatusBadRequest},
		{domain.ErrRepositoryReadOnly.Code, http.StatusForbidden},
		{domain.ErrRateLimited.Code, http.StatusTooManyRequests},
		{domain.ErrCooldownActive.Code, http.StatusServiceUnavailable},
		{domain.ErrNotLeader.Code, http.StatusServiceUnavailable},
		{domain.ErrContention.Code, http.StatusServiceUnavailable},
		{domain.ErrInvalidArgument.Code, http.StatusBadRequest},
		{domain.ErrCorruptLedger.Code, http.StatusInternalServerError},
		{domain.ErrInternalServer.Code, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorCodeToHTTPStatus(tt.code); got != tt.want {
			t.Errorf("errorCodeToHTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
