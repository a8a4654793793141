package clusterserver

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
)

// FSM applies committed Raft log entries to the replicated cluster state.
//
// A log entry that cannot be decoded means corruption or a version mismatch
// and panics. A command the state machine rejects is a normal outcome: the
// error is returned as the apply response so the proposer can surface it.
type FSM struct {
	mu      sync.RWMutex
	state   *clusterstate.State
	changed chan struct{}

	logger *slog.Logger
}

// NewFSM creates an FSM over an empty state.
func NewFSM(logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		state:   clusterstate.New(),
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	cmd, err := clusterstate.DecodeCommand(log.Data)
	if err != nil {
		f.logger.Error("FATAL: failed to decode log entry - data corrupted",
			"error", err,
			"log_index", log.Index,
			"log_term", log.Term)
		panic(fmt.Sprintf("FSM.Apply: decode failed at index=%d: %v", log.Index, err))
	}
	return f.apply(cmd, log.Term)
}

// apply runs one command and wakes waiters. Returns nil or the rejection.
func (f *FSM) apply(cmd clusterstate.Command, term uint64) error {
	f.mu.Lock()
	err := f.state.Apply(cmd, term)
	if err == nil {
		f.notifyLocked()
	}
	f.mu.Unlock()

	if err != nil {
		f.logger.Debug("command rejected", "command", cmd.Type.String(), "error", err)
		return err
	}
	f.logger.Debug("command applied", "command", cmd.Type.String(), "term", term)
	return nil
}

// Notify wakes waiters without a state change, e.g. on leadership change.
func (f *FSM) Notify() {
	f.mu.Lock()
	f.notifyLocked()
	f.mu.Unlock()
}

func (f *FSM) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Changed returns a channel closed on the next change.
func (f *FSM) Changed() <-chan struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.changed
}

// State returns a copy of the current state.
func (f *FSM) State() *clusterstate.State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Clone()
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state.Clone()}, nil
}

// Restore implements raft.FSM. Snapshots are gzip-compressed JSON.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzReader.Close()

	restored := clusterstate.New()
	if err := json.NewDecoder(gzReader).Decode(restored); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = restored
	f.notifyLocked()
	f.mu.Unlock()

	f.logger.Info("cluster state restored from snapshot",
		"version", restored.Version,
		"repositories", len(restored.Repositories),
		"entries", len(restored.Entries),
		"members", len(restored.Members))
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state *clusterstate.State
}

// Persist writes the snapshot to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		gzWriter := gzip.NewWriter(sink)
		defer gzWriter.Close()

		if err := json.NewEncoder(gzWriter).Encode(s.state); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := gzWriter.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
		return nil
	}()

	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *fsmSnapshot) Release() {}
