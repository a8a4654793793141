package clusterserver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitLeader(t *testing.T, n *RaftNode) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !n.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("node did not become leader")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRaftNode_SingleNode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping raft test in short mode")
	}
	fsm := NewFSM(discardLogger())
	node, err := NewRaftNode(RaftConfig{
		NodeID:    "node-1",
		BindAddr:  freeAddr(t),
		DataDir:   t.TempDir(),
		Bootstrap: true,
		Logger:    discardLogger(),
	}, fsm)
	if err != nil {
		t.Fatalf("NewRaftNode: %v", err)
	}
	defer node.Close()
	waitLeader(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := node.Submit(ctx, putRepo(t, "backups")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := node.State().Repository("backups"); !ok {
		t.Fatal("applied repository missing from state")
	}

	// Rejections come back as the apply response.
	remove, err := clusterstate.NewCommand(clusterstate.CmdEntryRemove, time.Now().UnixMilli(),
		clusterstate.EntryRemovePayload{ID: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	err = node.Submit(ctx, remove)
	if !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("Submit(remove missing) = %v, want ErrEntryNotFound", err)
	}

	if got := node.LeaderID(); got != "node-1" {
		t.Errorf("LeaderID() = %q, want node-1", got)
	}
	if err := node.Snapshot(); err != nil {
		t.Errorf("Snapshot: %v", err)
	}
}

func TestRaftNode_RequiresDataDir(t *testing.T) {
	_, err := NewRaftNode(RaftConfig{NodeID: "n", BindAddr: "127.0.0.1:0"}, NewFSM(nil))
	if err == nil {
		t.Fatal("NewRaftNode without data dir should fail")
	}
}

func TestRaftHCLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hc := &raftHCLogger{logger: logger}

	for _, level := range []hclog.Level{hclog.Trace, hclog.Debug, hclog.Info, hclog.Warn, hclog.Error, hclog.Off} {
		hc.Log(level, "level message", "key", "value")
	}
	hc.Named("snapshot").Info("named message")
	hc.With("peer", "node-2").Warn("with message")
	hc.StandardLogger(nil).Print("[ERR] raft: standard logger message")

	out := buf.String()
	for _, want := range []string{"level message", "subsystem=snapshot", "peer=node-2", "level=ERROR"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !hc.IsDebug() {
		t.Error("IsDebug() should follow the slog level")
	}
	if hc.IsTrace() {
		t.Error("IsTrace() should be false")
	}
	if got := hc.With("a", 1).ImpliedArgs(); len(got) != 2 {
		t.Errorf("ImpliedArgs() = %v", got)
	}
}
