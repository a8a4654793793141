package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/ledger"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
)

// ============================================================================
// Shards
// ============================================================================

// dispatchShards runs every pending shard of a started create or clone and
// reports each result through the cluster. Results arriving after the entry
// finished are dropped by the state machine.
func (c *Coordinator) dispatchShards(ctx context.Context, e *domain.Entry) error {
	meta, ok := c.cluster.State().Repository(e.Repository)
	if !ok {
		return domain.ErrRepositoryNotFound.WithDetails(e.Repository)
	}

	// Incremental snapshots start from the newest token of each shard.
	var previous map[string]*ledger.IndexMeta
	if e.Kind == domain.OperationCreate {
		data, err := c.loadLatest(ctx, meta)
		if err != nil {
			c.logger.Warn("cannot load ledger for incremental snapshot, copying all shards",
				"repository", e.Repository,
				"error", err)
		} else {
			previous = data.Indices
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.shardConcurrency)
	for _, key := range e.PendingShards() {
		st := e.Shards[key]
		task := shardstore.Task{
			Repository: meta,
			Kind:       e.Kind,
			Snapshot:   e.Snapshot,
			Index:      key.Index,
			Shard:      key.Shard,
		}
		switch e.Kind {
		case domain.OperationCreate:
			if im := previous[key.Index]; im != nil {
				task.Previous = im.ShardGenerations[key.Shard]
			}
		case domain.OperationClone:
			task.SourceToken = st.Token
		}

		g.Go(func() error {
			res, err := c.dispatcher.Dispatch(gctx, st.NodeID, task)
			if gctx.Err() != nil {
				// Aborted or lost leadership; the shard stays pending.
				return gctx.Err()
			}
			status := domain.ShardStatus{NodeID: st.NodeID}
			if err != nil {
				status.State = domain.ShardFailed
				status.Reason = err.Error()
				c.logger.Warn("shard snapshot failed",
					"operation_id", e.ID,
					"index", key.Index,
					"shard", key.Shard,
					"node_id", st.NodeID,
					"error", err)
			} else {
				status.State = domain.ShardSuccess
				status.Token = res.Token
				status.SizeBytes = res.SizeBytes
			}
			c.metrics.ObserveShard(string(status.State))
			return c.propose(gctx, clusterstate.CmdShardUpdate, clusterstate.ShardUpdatePayload{
				ID:     e.ID,
				Key:    key,
				Status: status,
			})
		})
	}
	return g.Wait()
}

// ============================================================================
// Finalize
// ============================================================================

// finalize commits a finished entry to the ledger and removes it from the
// tracker. Transient failures return an error and are retried on the next
// pass; permanent ones fail the entry.
func (c *Coordinator) finalize(ctx context.Context, e *domain.Entry) error {
	state := c.cluster.State()
	meta, ok := state.Repository(e.Repository)
	if !ok {
		return domain.ErrRepositoryNotFound.WithDetails(e.Repository)
	}
	if e.Kind == domain.OperationDelete && e.State.Terminal() {
		// Failed earlier and was not removed yet.
		return c.finish(ctx, e, e.State, e.Failure, domain.NoGeneration)
	}

	done := c.metrics.OperationStarted(string(e.Kind))
	gen, obsolete, err := c.commit(ctx, meta, e)
	if err != nil {
		if retryable(err) {
			done("retry")
			return err
		}
		done("failed")
		c.logger.Error("snapshot operation failed",
			"operation_id", e.ID,
			"kind", e.Kind,
			"repository", e.Repository,
			"snapshot", e.Snapshot.String(),
			"error", err)
		return c.finish(ctx, e, domain.EntryFailed, err.Error(), domain.NoGeneration)
	}

	outcome := e.State
	if e.Kind == domain.OperationDelete {
		outcome = domain.EntrySuccess
	}
	done(string(outcome))
	if err := c.finish(ctx, e, outcome, e.Failure, gen); err != nil {
		return err
	}

	if len(obsolete) > 0 {
		c.deleteTokens(ctx, meta, obsolete)
	}
	return nil
}

// finish records the outcome and removes the entry. A delete still STARTED
// is moved to its terminal state first.
func (c *Coordinator) finish(ctx context.Context, e *domain.Entry, state domain.EntryState, failure string, gen int64) error {
	if !e.State.Terminal() {
		err := c.propose(ctx, clusterstate.CmdEntryFinish, clusterstate.EntryFinishPayload{
			ID:          e.ID,
			State:       state,
			Failure:     failure,
			FailPending: failure,
		})
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
	}
	c.recordResult(Outcome{
		ID:         e.ID,
		Repository: e.Repository,
		Kind:       e.Kind,
		Snapshot:   e.Snapshot,
		State:      state,
		Failure:    failure,
		Generation: gen,
	})
	if err := c.remove(ctx, e); err != nil {
		return err
	}
	c.logger.Info("snapshot operation finished",
		"operation_id", e.ID,
		"kind", e.Kind,
		"repository", e.Repository,
		"snapshot", e.Snapshot.String(),
		"state", state,
		"generation", gen)
	return nil
}

// commit runs the load, compute, conditional-write loop for one entry and
// returns the generation reflecting it.
func (c *Coordinator) commit(ctx context.Context, meta *domain.RepositoryMetadata, e *domain.Entry) (int64, []ledger.TokenRef, error) {
	l, err := c.ledgerFor(meta)
	if err != nil {
		return 0, nil, err
	}
	override, _ := meta.CooldownPeriod()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.backoff*time.Duration(attempt-1)); err != nil {
				return 0, nil, err
			}
		}

		// 1. Hold off while ownership recently changed
		if active := c.guard.Check(meta.Name); active != nil {
			c.logger.Info("ledger commit delayed",
				"repository", meta.Name,
				"operation_id", e.ID,
				"reason", active)
		}
		if err := c.guard.Wait(ctx, meta.Name); err != nil {
			return 0, nil, err
		}

		// 2. Load latest and compute the next catalog
		current, err := l.LoadLatest(ctx)
		if err != nil {
			return 0, nil, err
		}
		if known := c.knownGeneration(meta.Name); current.Generation < known {
			// The listing lags behind a generation this cluster already
			// committed; computing from it would fork the ledger.
			lastErr = domain.ErrGenerationConflict.WithDetails(
				fmt.Sprintf("loaded generation %d is behind committed generation %d", current.Generation, known))
			continue
		}
		next, res, err := ledger.ComputeNext(current, ledger.OperationFromEntry(e, time.Now().UnixMilli()))
		if err != nil {
			return 0, nil, err
		}
		if res.Noop {
			return current.Generation, nil, nil
		}

		// 3. Announce the generation, then write it
		target := current.Generation + 1
		err = c.propose(ctx, clusterstate.CmdPendingGeneration, clusterstate.GenerationPayload{
			Repository: meta.Name,
			Generation: target,
		})
		if errors.Is(err, domain.ErrGenerationConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return 0, nil, err
		}

		err = l.Commit(ctx, next, current.Generation)
		if errors.Is(err, domain.ErrGenerationConflict) {
			c.logger.Warn("ledger generation conflict, reloading",
				"repository", meta.Name,
				"generation", target,
				"attempt", attempt)
			lastErr = err
			continue
		}
		if err != nil {
			return 0, nil, err
		}

		// 4. Record the committed generation
		if err := c.propose(ctx, clusterstate.CmdGeneration, clusterstate.GenerationPayload{
			Repository: meta.Name,
			Generation: target,
		}); err != nil {
			// The blob is the source of truth; a leader seeing pending ahead
			// of generation reloads from it.
			c.logger.Warn("failed to record committed generation",
				"repository", meta.Name,
				"generation", target,
				"error", err)
		}
		// 5. Old-format readers may still cache the ledger; the operation
		// completes only after a full cooldown.
		if next.HasLegacySnapshots() {
			c.guard.Hold(meta.Name, override)
			if err := c.guard.Wait(ctx, meta.Name); err != nil {
				c.logger.Warn("legacy-format cooldown interrupted",
					"repository", meta.Name,
					"generation", target,
					"error", err)
			}
		}
		return target, res.Obsolete, nil
	}

	return 0, nil, domain.ErrContention.WithCause(lastErr).WithDetails(
		fmt.Sprintf("repository %s: gave up after %d commit attempts", meta.Name, c.maxAttempts))
}

func (c *Coordinator) knownGeneration(repo string) int64 {
	meta, ok := c.cluster.State().Repository(repo)
	if !ok {
		return domain.NoGeneration
	}
	return meta.Generation
}

// ============================================================================
// Content cleanup
// ============================================================================

func (c *Coordinator) deleteTokens(ctx context.Context, meta *domain.RepositoryMetadata, refs []ledger.TokenRef) {
	blobs, err := c.pool.Get(meta)
	if err == nil {
		err = shardstore.DeleteTokens(ctx, blobs, refs)
	}
	if err != nil {
		c.logger.Warn("failed to delete unreferenced shard content",
			"repository", meta.Name,
			"tokens", len(refs),
			"error", err)
		return
	}
	c.logger.Debug("deleted unreferenced shard content",
		"repository", meta.Name,
		"tokens", len(refs))
}

// cleanupUnreferenced deletes content written for an aborted entry that no
// committed snapshot references.
func (c *Coordinator) cleanupUnreferenced(ctx context.Context, e *domain.Entry) {
	if !e.Kind.Produces() {
		return
	}
	meta, ok := c.cluster.State().Repository(e.Repository)
	if !ok {
		return
	}
	data, err := c.loadLatest(ctx, meta)
	if err != nil {
		return
	}
	referenced := data.ReferencedTokens()
	var refs []ledger.TokenRef
	for _, key := range e.ShardKeys() {
		st := e.Shards[key]
		if st.State != domain.ShardSuccess || st.Token == "" {
			continue
		}
		ref := ledger.TokenRef{Index: key.Index, Shard: key.Shard, Token: st.Token}
		if referenced[ref] == 0 {
			refs = append(refs, ref)
		}
	}
	if len(refs) > 0 {
		c.deleteTokens(ctx, meta, refs)
	}
}

// retryable reports whether a failed step should be retried later rather
// than failing the operation.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, domain.ErrStorageError),
		errors.Is(err, domain.ErrNotLeader),
		errors.Is(err, domain.ErrProposalFailed),
		errors.Is(err, domain.ErrServiceUnavailable):
		return true
	}
	var de *domain.DomainError
	return !errors.As(err, &de)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
