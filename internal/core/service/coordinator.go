package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/clusterstate"
	"github.com/yndnr/snapkeep-go/internal/core/cooldown"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
	"github.com/yndnr/snapkeep-go/internal/storage/ledger"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
	"github.com/yndnr/snapkeep-go/internal/telemetry/metric"
)

// Coordinator defaults.
const (
	DefaultMaxCommitAttempts  = 5
	DefaultCommitRetryBackoff = 100 * time.Millisecond
	DefaultWorkers            = 4
	DefaultShardConcurrency   = 8
	DefaultProposalTimeout    = 10 * time.Second
	DefaultReconcileInterval  = time.Second

	// resultRetention bounds how long finished outcomes stay queryable
	// through a Handle.
	resultRetention = 10 * time.Minute
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Cluster    Cluster
	Pool       *blobstore.Pool
	Catalog    Catalog
	Dispatcher ShardDispatcher
	Allocator  Allocator
	Guard      *cooldown.Guard

	// MaxCommitAttempts bounds reload-and-retry after a generation conflict.
	MaxCommitAttempts  int
	CommitRetryBackoff time.Duration

	// Workers bounds concurrently driven operations; ShardConcurrency bounds
	// shard tasks in flight per operation.
	Workers          int
	ShardConcurrency int

	ProposalTimeout   time.Duration
	ReconcileInterval time.Duration

	Logger  *slog.Logger
	Metrics *metric.Registry
}

// Coordinator drives snapshot operations from request to committed ledger
// generation.
type Coordinator struct {
	cluster    Cluster
	pool       *blobstore.Pool
	catalog    Catalog
	dispatcher ShardDispatcher
	allocator  Allocator
	guard      *cooldown.Guard

	maxAttempts      int
	backoff          time.Duration
	shardConcurrency int
	proposalTimeout  time.Duration
	interval         time.Duration

	logger  *slog.Logger
	metrics *metric.Registry

	workers *workerPool
	wake    chan struct{}

	mu      sync.Mutex
	ledgers map[string]*ledgerRef
	results map[string]result
}

type ledgerRef struct {
	l       *ledger.Ledger
	version int64
}

type result struct {
	outcome Outcome
	at      time.Time
}

// NewCoordinator creates a coordinator. Run must be called to drive work.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxCommitAttempts <= 0 {
		cfg.MaxCommitAttempts = DefaultMaxCommitAttempts
	}
	if cfg.CommitRetryBackoff <= 0 {
		cfg.CommitRetryBackoff = DefaultCommitRetryBackoff
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ShardConcurrency <= 0 {
		cfg.ShardConcurrency = DefaultShardConcurrency
	}
	if cfg.ProposalTimeout <= 0 {
		cfg.ProposalTimeout = DefaultProposalTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.Guard == nil {
		cfg.Guard = cooldown.New(cooldown.Config{Period: cooldown.DefaultPeriod, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cluster:          cfg.Cluster,
		pool:             cfg.Pool,
		catalog:          cfg.Catalog,
		dispatcher:       cfg.Dispatcher,
		allocator:        cfg.Allocator,
		guard:            cfg.Guard,
		maxAttempts:      cfg.MaxCommitAttempts,
		backoff:          cfg.CommitRetryBackoff,
		shardConcurrency: cfg.ShardConcurrency,
		proposalTimeout:  cfg.ProposalTimeout,
		interval:         cfg.ReconcileInterval,
		logger:           logger,
		metrics:          cfg.Metrics,
		workers:          newWorkerPool(cfg.Workers),
		wake:             make(chan struct{}, 1),
		ledgers:          make(map[string]*ledgerRef),
		results:          make(map[string]result),
	}
}

// Guard returns the coordinator's cooldown guard.
func (c *Coordinator) Guard() *cooldown.Guard { return c.guard }

// kick wakes the reconcile loop.
func (c *Coordinator) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) propose(ctx context.Context, typ clusterstate.CommandType, payload any) error {
	return propose(ctx, c.cluster, c.proposalTimeout, typ, payload)
}

// ledgerFor returns the ledger of a repository, reopening it when the
// registration changed.
func (c *Coordinator) ledgerFor(meta *domain.RepositoryMetadata) (*ledger.Ledger, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.ledgers[meta.Name]; ok && ref.version == meta.Version {
		return ref.l, nil
	}
	blobs, err := c.pool.Get(meta)
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err).WithDetails("open repository " + meta.Name)
	}
	l := ledger.New(blobs, ledger.Config{
		Repository: meta.Name,
		NodeID:     c.cluster.NodeID(),
		Logger:     c.logger,
		Metrics:    c.metrics,
	})
	c.ledgers[meta.Name] = &ledgerRef{l: l, version: meta.Version}
	return l, nil
}

func (c *Coordinator) loadLatest(ctx context.Context, meta *domain.RepositoryMetadata) (*ledger.RepositoryData, error) {
	l, err := c.ledgerFor(meta)
	if err != nil {
		return nil, err
	}
	return l.LoadLatest(ctx)
}

// forgetRepository drops cached handles of an unregistered repository.
func (c *Coordinator) forgetRepository(name string) {
	c.mu.Lock()
	delete(c.ledgers, name)
	c.mu.Unlock()
	c.guard.Forget(name)
}

func (c *Coordinator) writableRepository(state *clusterstate.State, name string) (*domain.RepositoryMetadata, error) {
	meta, ok := state.Repository(name)
	if !ok {
		return nil, domain.ErrRepositoryNotFound.WithDetails(name)
	}
	if meta.ReadOnly() {
		return nil, domain.ErrRepositoryReadOnly.WithDetails(name)
	}
	return meta, nil
}

// ============================================================================
// Create
// ============================================================================

// CreateSnapshotRequest asks for a new snapshot.
type CreateSnapshotRequest struct {
	Repository         string
	Name               string
	Indices            []string // empty means every index
	IncludeGlobalState bool

	// Partial allows shards without a live owner to be recorded as failed.
	// Without it the request is rejected when any shard is unavailable.
	Partial bool
}

// CreateSnapshot validates and registers a snapshot. The returned handle
// completes once the snapshot is committed to the ledger or failed.
func (c *Coordinator) CreateSnapshot(ctx context.Context, req *CreateSnapshotRequest) (*Handle, error) {
	// 1. Validate request
	if err := requireLeader(c.cluster); err != nil {
		return nil, err
	}
	if err := domain.ValidateSnapshotName(req.Name); err != nil {
		return nil, err
	}
	state := c.cluster.State()
	meta, err := c.writableRepository(state, req.Repository)
	if err != nil {
		return nil, err
	}

	// 2. The name must be free in the ledger
	data, err := c.loadLatest(ctx, meta)
	if err != nil {
		return nil, err
	}
	if existing, ok := data.SnapshotByName(req.Name); ok {
		return nil, domain.ErrSnapshotExists.WithDetails(
			fmt.Sprintf("snapshot %s already exists in %s as %s", req.Name, req.Repository, existing.ID.UUID))
	}

	// 3. Resolve indices and check shard availability
	indices, err := c.resolveIndices(ctx, req.Indices)
	if err != nil {
		return nil, err
	}
	if !req.Partial {
		if err := c.checkShardsAvailable(ctx, state, indices); err != nil {
			return nil, err
		}
	}

	// 4. Register the tracker entry
	entry := &domain.Entry{
		ID:                 domain.NewID(),
		Repository:         req.Repository,
		Kind:               domain.OperationCreate,
		Snapshot:           domain.NewSnapshotID(req.Name),
		Indices:            indices,
		IncludeGlobalState: req.IncludeGlobalState,
		Partial:            req.Partial,
		State:              domain.EntryInit,
		NodeID:             c.cluster.NodeID(),
	}
	return c.register(ctx, entry)
}

func (c *Coordinator) resolveIndices(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) == 0 {
		all, err := c.catalog.Indices(ctx)
		if err != nil {
			return nil, domain.ErrStorageError.WithCause(err).WithDetails("list indices")
		}
		return all, nil
	}
	out := slices.Clone(requested)
	slices.Sort(out)
	out = slices.Compact(out)
	for _, idx := range out {
		if err := domain.ValidateIndexName(idx); err != nil {
			return nil, err
		}
		if _, err := c.catalog.ShardCount(ctx, idx); err != nil {
			if errors.Is(err, shardstore.ErrIndexNotFound) {
				return nil, domain.ErrSnapshotValidation.WithDetails("index not found: " + idx)
			}
			return nil, domain.ErrStorageError.WithCause(err).WithDetails("inspect index " + idx)
		}
	}
	return out, nil
}

func (c *Coordinator) checkShardsAvailable(ctx context.Context, state *clusterstate.State, indices []string) error {
	members := state.MemberIDs()
	for _, idx := range indices {
		n, err := c.catalog.ShardCount(ctx, idx)
		if err != nil {
			return domain.ErrStorageError.WithCause(err).WithDetails("inspect index " + idx)
		}
		for i := 0; i < n; i++ {
			if _, ok := c.allocator.Owner(domain.ShardKey{Index: idx, Shard: i}, members); !ok {
				return domain.ErrShardsUnavailable.WithDetails(
					fmt.Sprintf("shard [%s][%d] has no live node; retry with partial", idx, i))
			}
		}
	}
	return nil
}

// ============================================================================
// Delete
// ============================================================================

// DeleteSnapshot registers the deletion of a snapshot. A snapshot still
// being created is aborted instead.
func (c *Coordinator) DeleteSnapshot(ctx context.Context, repository, name string) (*Handle, error) {
	// 1. Validate request
	if err := requireLeader(c.cluster); err != nil {
		return nil, err
	}
	state := c.cluster.State()
	meta, err := c.writableRepository(state, repository)
	if err != nil {
		return nil, err
	}

	// 2. Resolve the snapshot UUID so a retried delete cannot hit a
	// same-named successor
	data, err := c.loadLatest(ctx, meta)
	if err != nil {
		return nil, err
	}
	var id domain.SnapshotID
	if details, ok := data.SnapshotByName(name); ok {
		id = details.ID
	} else if e, ok := state.FindEntry(repository, name); ok && e.Kind.Produces() && e.State != domain.EntryAborted {
		id = e.Snapshot
	} else {
		return nil, domain.ErrSnapshotNotFound.WithDetails(fmt.Sprintf("%s in repository %s", name, repository))
	}

	// 3. Register the tracker entry
	entry := &domain.Entry{
		ID:         domain.NewID(),
		Repository: repository,
		Kind:       domain.OperationDelete,
		Snapshot:   id,
		State:      domain.EntryInit,
		NodeID:     c.cluster.NodeID(),
	}
	return c.register(ctx, entry)
}

// ============================================================================
// Clone
// ============================================================================

// CloneSnapshotRequest asks for a copy of an existing snapshot that shares
// its shard content.
type CloneSnapshotRequest struct {
	Repository string
	Source     string
	Target     string
	Indices    []string // empty means every index of the source
}

// CloneSnapshot validates and registers a clone.
func (c *Coordinator) CloneSnapshot(ctx context.Context, req *CloneSnapshotRequest) (*Handle, error) {
	// 1. Validate request
	if err := requireLeader(c.cluster); err != nil {
		return nil, err
	}
	if err := domain.ValidateSnapshotName(req.Target); err != nil {
		return nil, err
	}
	state := c.cluster.State()
	meta, err := c.writableRepository(state, req.Repository)
	if err != nil {
		return nil, err
	}

	// 2. Source must exist and be usable, target must be free
	data, err := c.loadLatest(ctx, meta)
	if err != nil {
		return nil, err
	}
	src, ok := data.SnapshotByName(req.Source)
	if !ok {
		return nil, domain.ErrSnapshotNotFound.WithDetails("clone source " + req.Source)
	}
	if src.State == domain.SnapshotFailed {
		return nil, domain.ErrSnapshotValidation.WithDetails("cannot clone failed snapshot " + req.Source)
	}
	if _, exists := data.SnapshotByName(req.Target); exists {
		return nil, domain.ErrSnapshotExists.WithDetails(req.Target)
	}

	// 3. Restrict to the source's indices
	indices := slices.Clone(src.Indices)
	if len(req.Indices) > 0 {
		indices = slices.Clone(req.Indices)
		slices.Sort(indices)
		indices = slices.Compact(indices)
		for _, idx := range indices {
			if !slices.Contains(src.Indices, idx) {
				return nil, domain.ErrSnapshotValidation.WithDetails(
					fmt.Sprintf("index %s is not part of snapshot %s", idx, req.Source))
			}
		}
	}

	source := src.ID
	entry := &domain.Entry{
		ID:                 domain.NewID(),
		Repository:         req.Repository,
		Kind:               domain.OperationClone,
		Snapshot:           domain.NewSnapshotID(req.Target),
		Source:             &source,
		Indices:            indices,
		IncludeGlobalState: src.IncludeGlobalState,
		Partial:            true,
		State:              domain.EntryInit,
		NodeID:             c.cluster.NodeID(),
	}
	return c.register(ctx, entry)
}

func (c *Coordinator) register(ctx context.Context, entry *domain.Entry) (*Handle, error) {
	if err := c.propose(ctx, clusterstate.CmdEntryRegister, clusterstate.EntryRegisterPayload{Entry: entry}); err != nil {
		return nil, err
	}
	c.logger.Info("snapshot operation registered",
		"operation_id", entry.ID,
		"kind", entry.Kind,
		"repository", entry.Repository,
		"snapshot", entry.Snapshot.String())
	c.kick()
	return &Handle{
		ID:         entry.ID,
		Repository: entry.Repository,
		Kind:       entry.Kind,
		Snapshot:   entry.Snapshot,
		c:          c,
	}, nil
}

// ============================================================================
// Queries
// ============================================================================

// Status returns the live tracker view of a snapshot being created or
// cloned, or its ledger record once committed.
func (c *Coordinator) Status(ctx context.Context, repository, name string) (*domain.SnapshotStatus, error) {
	state := c.cluster.State()
	meta, ok := state.Repository(repository)
	if !ok {
		return nil, domain.ErrRepositoryNotFound.WithDetails(repository)
	}
	if e, ok := state.FindEntry(repository, name); ok && e.Kind.Produces() {
		return domain.StatusFromEntry(e, time.Now().UnixMilli()), nil
	}

	data, err := c.loadLatest(ctx, meta)
	if err != nil {
		return nil, err
	}
	details, ok := data.SnapshotByName(name)
	if !ok {
		return nil, domain.ErrSnapshotNotFound.WithDetails(fmt.Sprintf("%s in repository %s", name, repository))
	}
	return statusFromDetails(repository, details), nil
}

func statusFromDetails(repository string, d *ledger.SnapshotDetails) *domain.SnapshotStatus {
	st := &domain.SnapshotStatus{
		Repository:         repository,
		Snapshot:           d.ID,
		State:              string(d.State),
		IncludeGlobalState: d.IncludeGlobalState,
		StartTime:          d.StartTime,
		TimeMillis:         max(0, d.EndTime-d.StartTime),
		Indices:            make(map[string]domain.IndexStatus),
	}
	for _, idx := range d.Indices {
		shards := d.Shards[idx]
		ordinals := make([]int, 0, len(shards))
		for n := range shards {
			ordinals = append(ordinals, n)
		}
		slices.Sort(ordinals)
		for _, n := range ordinals {
			st.AddShard(domain.ShardProgress{Index: idx, Shard: n, State: domain.ShardSuccess, Token: shards[n]})
		}
	}
	for _, f := range d.Failures {
		st.AddShard(domain.ShardProgress{Index: f.Index, Shard: f.Shard, NodeID: f.NodeID, State: domain.ShardFailed, Reason: f.Reason})
	}
	return st
}

// RepositoryData returns the latest committed ledger of a repository.
func (c *Coordinator) RepositoryData(ctx context.Context, repository string) (*ledger.RepositoryData, error) {
	meta, ok := c.cluster.State().Repository(repository)
	if !ok {
		return nil, domain.ErrRepositoryNotFound.WithDetails(repository)
	}
	return c.loadLatest(ctx, meta)
}

// ============================================================================
// Handles
// ============================================================================

// Outcome is the final result of an operation.
type Outcome struct {
	ID         string               `json:"id"`
	Repository string               `json:"repository"`
	Kind       domain.OperationKind `json:"kind"`
	Snapshot   domain.SnapshotID    `json:"snapshot"`
	State      domain.EntryState    `json:"state"`
	Failure    string               `json:"failure,omitempty"`

	// Generation is the ledger generation reflecting the operation, or
	// NoGeneration when nothing was committed.
	Generation int64 `json:"generation"`
}

// Handle refers to a registered operation.
type Handle struct {
	ID         string
	Repository string
	Kind       domain.OperationKind
	Snapshot   domain.SnapshotID

	c *Coordinator
}

// Wait blocks until the operation finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Outcome, error) {
	for {
		changed := h.c.cluster.Changed()
		state := h.c.cluster.State()
		if out, ok := h.c.result(h.ID); ok {
			return out, nil
		}
		if _, live := state.Entry(h.ID); !live {
			// Finished by another leader; the ledger tells what happened.
			return h.c.outcomeFromLedger(ctx, h)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (c *Coordinator) recordResult(out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, r := range c.results {
		if now.Sub(r.at) > resultRetention {
			delete(c.results, id)
		}
	}
	c.results[out.ID] = result{outcome: out, at: now}
}

func (c *Coordinator) result(id string) (*Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[id]
	if !ok {
		return nil, false
	}
	out := r.outcome
	return &out, true
}

func (c *Coordinator) outcomeFromLedger(ctx context.Context, h *Handle) (*Outcome, error) {
	out := &Outcome{
		ID:         h.ID,
		Repository: h.Repository,
		Kind:       h.Kind,
		Snapshot:   h.Snapshot,
		Generation: domain.NoGeneration,
	}
	meta, ok := c.cluster.State().Repository(h.Repository)
	if !ok {
		out.State = domain.EntryFailed
		out.Failure = "repository was unregistered"
		return out, nil
	}
	data, err := c.loadLatest(ctx, meta)
	if err != nil {
		return nil, err
	}
	details, present := data.Snapshots[h.Snapshot.UUID]
	switch {
	case h.Kind == domain.OperationDelete && !present:
		out.State = domain.EntrySuccess
		out.Generation = data.Generation
	case h.Kind == domain.OperationDelete:
		out.State = domain.EntryFailed
		out.Failure = "snapshot is still in the ledger"
	case present:
		out.State = entryStateOf(details.State)
		out.Generation = data.Generation
	default:
		out.State = domain.EntryFailed
		out.Failure = "operation ended without a ledger record"
	}
	return out, nil
}

func entryStateOf(s domain.SnapshotState) domain.EntryState {
	switch s {
	case domain.SnapshotSuccess:
		return domain.EntrySuccess
	case domain.SnapshotPartial:
		return domain.EntryPartial
	default:
		return domain.EntryFailed
	}
}
