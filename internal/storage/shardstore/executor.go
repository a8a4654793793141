package shardstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
	"github.com/yndnr/snapkeep-go/internal/storage/ledger"
)

const shardPrefix = "shards/"

// ContentKey returns the blob key of a shard generation's content.
func ContentKey(index string, shard int, token string) string {
	return shardPrefix + index + "/" + strconv.Itoa(shard) + "/" + token + ".dat"
}

// ManifestKey returns the blob key of a shard generation's manifest. The
// manifest is written after the content; a token without a manifest was
// never completed.
func ManifestKey(index string, shard int, token string) string {
	return shardPrefix + index + "/" + strconv.Itoa(shard) + "/" + token + ".manifest"
}

// Manifest describes the content stored under a shard generation token.
type Manifest struct {
	Token     string `json:"token"`
	Index     string `json:"index"`
	Shard     int    `json:"shard"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
	Snapshot  string `json:"snapshot"`
	NodeID    string `json:"node_id"`
	CreatedAt int64  `json:"created_at"`
}

// Task asks a node to produce the generation token of one shard.
type Task struct {
	Repository *domain.RepositoryMetadata `json:"repository"`
	Kind       domain.OperationKind       `json:"kind"`
	Snapshot   domain.SnapshotID          `json:"snapshot"`
	Index      string                     `json:"index"`
	Shard      int                        `json:"shard"`

	// Previous is the token of the newest snapshot of this shard, if any.
	// Unchanged content reuses it.
	Previous string `json:"previous,omitempty"`

	// SourceToken is the token a clone references.
	SourceToken string `json:"source_token,omitempty"`
}

// Result is the outcome of a shard task.
type Result struct {
	Token     string `json:"token"`
	SizeBytes int64  `json:"size_bytes"`
	Reused    bool   `json:"reused"`
}

// Config configures an Executor.
type Config struct {
	NodeID string
	Source Source
	Pool   *blobstore.Pool

	// RateBytesPerSec caps content upload bandwidth. Zero is unlimited.
	RateBytesPerSec int64

	Logger *slog.Logger
}

// Executor snapshots local shards into repository blob stores.
type Executor struct {
	nodeID  string
	source  Source
	pool    *blobstore.Pool
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates an executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	x := &Executor{
		nodeID: cfg.NodeID,
		source: cfg.Source,
		pool:   cfg.Pool,
		logger: logger,
	}
	if cfg.RateBytesPerSec > 0 {
		// Small bursts keep uploads smooth instead of front-loading a second
		// worth of data.
		burst := int(min(cfg.RateBytesPerSec, 1024*1024))
		x.limiter = rate.NewLimiter(rate.Limit(cfg.RateBytesPerSec), burst)
	}
	return x
}

// Run executes one shard task.
func (x *Executor) Run(ctx context.Context, task Task) (Result, error) {
	if task.Repository == nil {
		return Result{}, domain.ErrMissingArgument.WithDetails("repository is required")
	}
	blobs, err := x.pool.Get(task.Repository)
	if err != nil {
		return Result{}, domain.ErrStorageError.WithCause(err).WithDetails("open repository " + task.Repository.Name)
	}

	switch task.Kind {
	case domain.OperationCreate:
		return x.snapshot(ctx, blobs, task)
	case domain.OperationClone:
		return x.clone(ctx, blobs, task)
	default:
		return Result{}, domain.ErrInvalidArgument.WithDetails("shard task kind " + string(task.Kind))
	}
}

func (x *Executor) snapshot(ctx context.Context, blobs blobstore.Store, task Task) (Result, error) {
	start := time.Now()

	// 1. Read current shard content
	data, err := x.source.Read(ctx, task.Index, task.Shard)
	if err != nil {
		return Result{}, domain.ErrShardSnapshotFailed.WithCause(err).
			WithDetails(fmt.Sprintf("read %s[%d]", task.Index, task.Shard))
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	// 2. Reuse the previous generation when nothing changed
	if task.Previous != "" {
		prev, err := ReadManifest(ctx, blobs, task.Index, task.Shard, task.Previous)
		switch {
		case err == nil && prev.Checksum == checksum:
			x.logger.Debug("shard unchanged, reusing generation",
				"index", task.Index,
				"shard", task.Shard,
				"token", task.Previous)
			return Result{Token: task.Previous, SizeBytes: prev.SizeBytes, Reused: true}, nil
		case err != nil && !errors.Is(err, domain.ErrShardContentMissing):
			return Result{}, err
		}
	}

	// 3. Write content, then the manifest
	token := domain.NewID()
	if err := x.throttle(ctx, len(data)); err != nil {
		return Result{}, err
	}
	if err := blobs.WriteAtomic(ctx, ContentKey(task.Index, task.Shard, token), data, true); err != nil {
		return Result{}, domain.ErrShardSnapshotFailed.WithCause(err).
			WithDetails(fmt.Sprintf("write content of %s[%d]", task.Index, task.Shard))
	}
	m := Manifest{
		Token:     token,
		Index:     task.Index,
		Shard:     task.Shard,
		Checksum:  checksum,
		SizeBytes: int64(len(data)),
		Snapshot:  task.Snapshot.String(),
		NodeID:    x.nodeID,
		CreatedAt: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Result{}, err
	}
	if err := blobs.WriteAtomic(ctx, ManifestKey(task.Index, task.Shard, token), raw, true); err != nil {
		return Result{}, domain.ErrShardSnapshotFailed.WithCause(err).
			WithDetails(fmt.Sprintf("write manifest of %s[%d]", task.Index, task.Shard))
	}

	x.logger.Info("shard snapshotted",
		"index", task.Index,
		"shard", task.Shard,
		"token", token,
		"size_bytes", m.SizeBytes,
		"duration", time.Since(start))
	return Result{Token: token, SizeBytes: m.SizeBytes}, nil
}

// clone references the source content without copying it.
func (x *Executor) clone(ctx context.Context, blobs blobstore.Store, task Task) (Result, error) {
	if task.SourceToken == "" {
		return Result{}, domain.ErrMissingArgument.WithDetails("source token is required")
	}
	m, err := ReadManifest(ctx, blobs, task.Index, task.Shard, task.SourceToken)
	if err != nil {
		return Result{}, err
	}
	return Result{Token: m.Token, SizeBytes: m.SizeBytes, Reused: true}, nil
}

func (x *Executor) throttle(ctx context.Context, n int) error {
	if x.limiter == nil {
		return nil
	}
	burst := x.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := x.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// ReadManifest loads a shard generation's manifest.
func ReadManifest(ctx context.Context, blobs blobstore.Store, index string, shard int, token string) (*Manifest, error) {
	raw, err := blobs.Read(ctx, ManifestKey(index, shard, token))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, domain.ErrShardContentMissing.WithDetails(fmt.Sprintf("%s[%d] token %s", index, shard, token))
	}
	if err != nil {
		return nil, domain.ErrStorageError.WithCause(err).WithDetails("read shard manifest")
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, domain.ErrShardContentMissing.WithCause(err).
			WithDetails(fmt.Sprintf("%s[%d] token %s: unreadable manifest", index, shard, token))
	}
	return &m, nil
}

// DeleteTokens removes the content of shard generations no snapshot
// references any more. The manifest goes first so a partially deleted token
// is never mistaken for a complete one.
func DeleteTokens(ctx context.Context, blobs blobstore.Store, refs []ledger.TokenRef) error {
	if len(refs) == 0 {
		return nil
	}
	manifests := make([]string, 0, len(refs))
	contents := make([]string, 0, len(refs))
	for _, r := range refs {
		manifests = append(manifests, ManifestKey(r.Index, r.Shard, r.Token))
		contents = append(contents, ContentKey(r.Index, r.Shard, r.Token))
	}
	if err := blobs.Delete(ctx, manifests...); err != nil {
		return err
	}
	return blobs.Delete(ctx, contents...)
}
