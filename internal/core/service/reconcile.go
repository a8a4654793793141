package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
)

// Task key prefixes in the worker pool.
const (
	taskStart    = "start:"
	taskShards   = "shards:"
	taskFinalize = "finalize:"
	taskRemove   = "remove:"
)

// Run drives operations while the local node leads. It returns when ctx is
// done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var (
		leaderCtx context.Context
		stepDown  context.CancelFunc
	)
	defer func() {
		if stepDown != nil {
			stepDown()
		}
		c.workers.CancelAll()
	}()

	for {
		changed := c.cluster.Changed()

		switch leader := c.cluster.IsLeader(); {
		case leader && stepDown == nil:
			leaderCtx, stepDown = context.WithCancel(ctx)
			if err := c.becomeLeader(leaderCtx); err != nil {
				c.logger.Warn("failed to take over repositories, will retry", "error", err)
				stepDown()
				stepDown = nil
				break
			}
			c.reconcile(leaderCtx)
		case leader:
			c.reconcile(leaderCtx)
		case stepDown != nil:
			c.logger.Info("lost leadership, stopping in-flight operations")
			stepDown()
			stepDown = nil
			c.workers.CancelAll()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// becomeLeader records the new leader as owner of every repository. The
// resulting ownership change starts the cooldown on all of them.
func (c *Coordinator) becomeLeader(ctx context.Context) error {
	c.logger.Info("elected leader, taking over repositories")
	err := c.propose(ctx, clusterstate.CmdOwnershipChange, clusterstate.OwnershipChangePayload{
		NodeID: c.cluster.NodeID(),
		Reason: "leader elected",
	})
	if err != nil {
		return err
	}
	c.settlePendingGenerations(ctx)
	return nil
}

// settlePendingGenerations resolves commits a previous leader announced but
// did not record. The blob store decides which of them happened.
func (c *Coordinator) settlePendingGenerations(ctx context.Context) {
	state := c.cluster.State()
	for _, name := range state.RepositoryNames() {
		meta, ok := state.Repository(name)
		if !ok || meta.PendingGeneration <= meta.Generation {
			continue
		}
		l, err := c.ledgerFor(meta)
		var found int64
		if err == nil {
			found, err = l.LatestGeneration(ctx)
		}
		if err != nil {
			c.logger.Warn("failed to reload ledger with unrecorded commit",
				"repository", name,
				"pending_generation", meta.PendingGeneration,
				"error", err)
			continue
		}
		c.logger.Warn("previous leader left an unrecorded commit, ledger reloaded",
			"repository", name,
			"generation", meta.Generation,
			"pending_generation", meta.PendingGeneration,
			"found_generation", found)
		if found <= meta.Generation {
			continue
		}
		if err := c.propose(ctx, clusterstate.CmdGeneration, clusterstate.GenerationPayload{
			Repository: name,
			Generation: found,
		}); err != nil {
			c.logger.Warn("failed to record reloaded generation",
				"repository", name,
				"generation", found,
				"error", err)
		}
	}
}

// reconcile derives all pending work from the replicated state. It is
// idempotent: work already running is not started twice.
func (c *Coordinator) reconcile(ctx context.Context) {
	state := c.cluster.State()
	c.observeOwnership(state)

	live := make(map[string]domain.EntryState, len(state.Entries))
	for _, repo := range state.RepositoryNames() {
		slotBusy := false
		var next *domain.Entry

		for _, e := range state.EntriesFor(repo) {
			live[e.ID] = e.State
			if e.State.HoldsLedgerSlot() {
				slotBusy = true
			}

			switch {
			case e.State == domain.EntryAborted:
				c.spawn(ctx, taskRemove+e.ID, e, c.removeAborted)
			case e.State == domain.EntryInit:
				if next == nil {
					next = e
				}
			case e.State == domain.EntryStarted && e.Kind.Produces():
				c.spawn(ctx, taskShards+e.ID, e, c.dispatchShards)
			default:
				// Deletes commit while STARTED; creates and clones once every
				// shard reported.
				c.spawn(ctx, taskFinalize+e.ID, e, c.finalize)
			}
		}

		if !slotBusy && next != nil {
			c.spawn(ctx, taskStart+next.ID, next, c.startEntry)
		}
	}

	// Stop shard work of entries that were aborted or failed meanwhile.
	for _, key := range c.workers.Keys() {
		id, ok := strings.CutPrefix(key, taskShards)
		if ok && live[id] != domain.EntryStarted {
			c.workers.Cancel(key)
		}
	}
}

// observeOwnership feeds ownership changes into the cooldown guard.
func (c *Coordinator) observeOwnership(state *clusterstate.State) {
	for name, own := range state.Ownership {
		meta, ok := state.Repository(name)
		if !ok {
			continue
		}
		override, _ := meta.CooldownPeriod()
		c.guard.Observe(name, own.Version, override)
	}
}

// spawn runs one step of an entry in the worker pool. A successful step
// wakes the loop so the next one starts promptly; a failed one waits for the
// next tick.
func (c *Coordinator) spawn(ctx context.Context, key string, e *domain.Entry, fn func(context.Context, *domain.Entry) error) {
	var err error
	c.workers.Go(ctx, key, func(ctx context.Context) {
		err = fn(ctx, e)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("snapshot operation step failed, will retry",
				"step", strings.TrimSuffix(key, e.ID),
				"operation_id", e.ID,
				"repository", e.Repository,
				"snapshot", e.Snapshot.String(),
				"error", err)
		}
	}, func() {
		if err == nil {
			c.kick()
		}
	})
}

// ============================================================================
// Start
// ============================================================================

// startEntry moves a queued entry to STARTED with its shard assignment.
func (c *Coordinator) startEntry(ctx context.Context, e *domain.Entry) error {
	state := c.cluster.State()
	meta, ok := state.Repository(e.Repository)
	if !ok {
		return c.abort(ctx, e, "repository was unregistered")
	}
	members := state.MemberIDs()

	shards := make(map[domain.ShardKey]*domain.ShardStatus)
	assign := func(key domain.ShardKey, token string) {
		owner, ok := c.allocator.Owner(key, members)
		if !ok {
			shards[key] = &domain.ShardStatus{State: domain.ShardFailed, Reason: "no live node holds the shard"}
			return
		}
		shards[key] = &domain.ShardStatus{NodeID: owner, State: domain.ShardPending, Token: token}
	}

	switch e.Kind {
	case domain.OperationCreate:
		for _, idx := range e.Indices {
			n, err := c.catalog.ShardCount(ctx, idx)
			if err != nil {
				if errors.Is(err, shardstore.ErrIndexNotFound) {
					return c.abort(ctx, e, "index "+idx+" no longer exists")
				}
				return err
			}
			for i := 0; i < n; i++ {
				assign(domain.ShardKey{Index: idx, Shard: i}, "")
			}
		}
	case domain.OperationClone:
		data, err := c.loadLatest(ctx, meta)
		if err != nil {
			return err
		}
		src, ok := data.Snapshots[e.Source.UUID]
		if !ok {
			return c.abort(ctx, e, "clone source "+e.Source.String()+" no longer exists")
		}
		for _, idx := range e.Indices {
			for shard, tok := range src.Shards[idx] {
				assign(domain.ShardKey{Index: idx, Shard: shard}, tok)
			}
		}
	}

	err := c.propose(ctx, clusterstate.CmdEntryStart, clusterstate.EntryStartPayload{ID: e.ID, Shards: shards})
	switch {
	case err == nil:
		c.logger.Info("snapshot operation started",
			"operation_id", e.ID,
			"kind", e.Kind,
			"repository", e.Repository,
			"snapshot", e.Snapshot.String(),
			"shards", len(shards))
		return nil
	case errors.Is(err, domain.ErrLedgerSlotBusy), errors.Is(err, domain.ErrInvalidTransition):
		// Another entry took the slot, or this one moved on meanwhile.
		return nil
	default:
		return err
	}
}

func (c *Coordinator) abort(ctx context.Context, e *domain.Entry, reason string) error {
	err := c.propose(ctx, clusterstate.CmdEntryAbort, clusterstate.EntryAbortPayload{ID: e.ID, Reason: reason})
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrEntryNotFound) {
		return nil
	}
	return err
}

// removeAborted drops an aborted entry and any shard content it wrote that
// no committed snapshot references.
func (c *Coordinator) removeAborted(ctx context.Context, e *domain.Entry) error {
	c.cleanupUnreferenced(ctx, e)
	c.recordResult(Outcome{
		ID:         e.ID,
		Repository: e.Repository,
		Kind:       e.Kind,
		Snapshot:   e.Snapshot,
		State:      domain.EntryAborted,
		Failure:    e.Failure,
		Generation: domain.NoGeneration,
	})
	return c.remove(ctx, e)
}

func (c *Coordinator) remove(ctx context.Context, e *domain.Entry) error {
	err := c.propose(ctx, clusterstate.CmdEntryRemove, clusterstate.EntryRemovePayload{ID: e.ID})
	if errors.Is(err, domain.ErrEntryNotFound) {
		return nil
	}
	return err
}
