package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
	"github.com/yndnr/snapkeep-go/internal/telemetry/metric"
)

// Blob keys used by a repository.
const (
	indexPrefix     = "index-"
	latestKey       = "index.latest"
	RegistrationKey = "repository.json"
)

// GenerationKey returns the blob key of a ledger generation.
func GenerationKey(gen int64) string {
	return indexPrefix + strconv.FormatInt(gen, 10)
}

// Ledger reads and appends ledger generations of one repository.
type Ledger struct {
	repository string
	nodeID     string
	blobs      blobstore.Store
	logger     *slog.Logger
	metrics    *metric.Registry

	// Without conditional writes this process must be the only writer; the
	// mutex at least keeps local committers from interleaving.
	singleWriter sync.Mutex
	warnOnce     sync.Once
}

// Config configures a Ledger.
type Config struct {
	Repository string
	NodeID     string
	Logger     *slog.Logger
	Metrics    *metric.Registry
}

// New returns a ledger bound to a repository's blob store.
func New(blobs blobstore.Store, cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repository: cfg.Repository,
		nodeID:     cfg.NodeID,
		blobs:      blobs,
		logger:     logger.With("repository", cfg.Repository),
		metrics:    cfg.Metrics,
	}
}

// Blobs returns the underlying store.
func (l *Ledger) Blobs() blobstore.Store { return l.blobs }

// LatestGeneration returns the highest generation present, or NoGeneration.
func (l *Ledger) LatestGeneration(ctx context.Context) (int64, error) {
	keys, err := l.blobs.List(ctx, indexPrefix)
	if err != nil {
		return 0, domain.ErrStorageError.WithCause(err).WithDetails("list ledger generations")
	}
	latest := domain.NoGeneration
	for _, k := range keys {
		gen, err := strconv.ParseInt(strings.TrimPrefix(k, indexPrefix), 10, 64)
		if err != nil || gen < 0 {
			continue
		}
		latest = max(latest, gen)
	}

	// The pointer can be ahead of a listing that is not yet consistent.
	if hint, ok := l.readLatestHint(ctx); ok && hint > latest {
		if exists, err := blobstore.Exists(ctx, l.blobs, GenerationKey(hint)); err == nil && exists {
			latest = hint
		}
	}
	return latest, nil
}

func (l *Ledger) readLatestHint(ctx context.Context) (int64, bool) {
	b, err := l.blobs.Read(ctx, latestKey)
	if err != nil {
		return 0, false
	}
	gen, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		l.logger.Warn("ignoring malformed latest-generation pointer", "content", string(b))
		return 0, false
	}
	return gen, true
}

// LoadLatest returns the newest catalog, or an empty one when the repository
// has no ledger yet.
func (l *Ledger) LoadLatest(ctx context.Context) (*RepositoryData, error) {
	gen, err := l.LatestGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if gen == domain.NoGeneration {
		return Empty(), nil
	}
	return l.Load(ctx, gen)
}

// Load reads one generation.
func (l *Ledger) Load(ctx context.Context, gen int64) (*RepositoryData, error) {
	b, err := l.blobs.Read(ctx, GenerationKey(gen))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, domain.ErrCorruptLedger.WithDetails(fmt.Sprintf("repository %s: generation %d is missing", l.repository, gen))
	}
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err).WithDetails("read " + GenerationKey(gen))
	}
	d, err := Decode(b)
	if err != nil {
		var de *domain.DomainError
		if errors.As(err, &de) {
			return nil, de.WithDetails(fmt.Sprintf("repository %s: %s", l.repository, de.Details))
		}
		return nil, err
	}
	if d.Generation != gen {
		return nil, domain.ErrCorruptLedger.WithDetails(
			fmt.Sprintf("repository %s: blob %s holds generation %d", l.repository, GenerationKey(gen), d.Generation))
	}
	return d, nil
}

// Commit writes next as generation expectedPrior+1. It never overwrites: if
// that generation already exists another writer won and ErrGenerationConflict
// is returned.
func (l *Ledger) Commit(ctx context.Context, next *RepositoryData, expectedPrior int64) error {
	gen := expectedPrior + 1
	if next.Generation != gen {
		return domain.ErrInvalidArgument.WithDetails(
			fmt.Sprintf("next generation %d does not follow %d", next.Generation, expectedPrior))
	}
	if err := next.Validate(); err != nil {
		return err
	}
	b, err := Encode(next, l.nodeID)
	if err != nil {
		return domain.ErrInternalServer.WithCause(err)
	}

	if !l.blobs.Capabilities().ConditionalWrite {
		l.warnOnce.Do(func() {
			l.logger.Warn("blob store has no conditional write, ledger commits assume a single writer")
		})
		l.singleWriter.Lock()
		defer l.singleWriter.Unlock()
	}

	err = l.blobs.WriteAtomic(ctx, GenerationKey(gen), b, true)
	switch {
	case errors.Is(err, blobstore.ErrAlreadyExists):
		l.metrics.ObserveCommit(l.repository, "conflict")
		return domain.ErrGenerationConflict.WithDetails(
			fmt.Sprintf("repository %s: generation %d already written", l.repository, gen))
	case err != nil:
		l.metrics.ObserveCommit(l.repository, "error")
		return domain.ErrStorageError.WithCause(err).WithDetails("write " + GenerationKey(gen))
	}

	l.metrics.ObserveCommit(l.repository, "ok")
	l.metrics.SetGeneration(l.repository, gen)
	if err := l.blobs.WriteAtomic(ctx, latestKey, []byte(strconv.FormatInt(gen, 10)), false); err != nil {
		l.logger.Warn("failed to update latest-generation pointer", "generation", gen, "error", err)
	}
	l.logger.Info("ledger generation committed",
		"generation", gen,
		"snapshots", len(next.Snapshots))
	return nil
}

// WriteRegistration stores the repository registration next to the ledger.
func (l *Ledger) WriteRegistration(ctx context.Context, meta *domain.RepositoryMetadata) error {
	b, err := json.MarshalIndent(struct {
		Name     string            `json:"name"`
		Type     string            `json:"type"`
		Settings map[string]string `json:"settings,omitempty"`
		Version  int64             `json:"version"`
	}{meta.Name, string(meta.Type), meta.Settings, meta.Version}, "", "  ")
	if err != nil {
		return err
	}
	if err := l.blobs.WriteAtomic(ctx, RegistrationKey, b, false); err != nil {
		return domain.ErrStorageError.WithCause(err).WithDetails("write " + RegistrationKey)
	}
	return nil
}
