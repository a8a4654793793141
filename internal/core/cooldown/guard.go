// Package cooldown delays ledger commits after a repository changes owner.
//
// Some blob store backends make a write by a newly elected owner visible to
// other nodes only after a delay. Two consecutive owners could then both see
// the same "latest" generation. The guard keeps the new owner from committing
// for a configurable period after it observes an ownership change.
//
// The guard only narrows the window. A stale writer is still stopped by the
// conditional write on the generation blob.
package cooldown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/telemetry/metric"
)

// DefaultPeriod is used when neither the guard nor the repository sets one.
const DefaultPeriod = 3 * time.Second

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config configures a Guard.
type Config struct {
	// Period is the default cooldown. Zero disables the guard unless a
	// repository sets its own period.
	Period  time.Duration
	Clock   Clock
	Logger  *slog.Logger
	Metrics *metric.Registry
}

type observation struct {
	version uint64
	at      time.Time
	period  time.Duration
}

// Guard tracks the last observed ownership change per repository.
type Guard struct {
	mu     sync.Mutex
	last   map[string]observation
	period time.Duration
	clock  Clock

	logger  *slog.Logger
	metrics *metric.Registry
}

// New creates a guard.
func New(cfg Config) *Guard {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{
		last:    make(map[string]observation),
		period:  cfg.Period,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Observe records an ownership change established at the given cluster-state
// version. Re-observing the same or an older version is ignored, so replaying
// cluster state never extends the cooldown. override replaces the default
// period for this repository when positive.
func (g *Guard) Observe(repo string, version uint64, override time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, seen := g.last[repo]
	if seen && version <= prev.version {
		return
	}
	period := g.period
	if override > 0 {
		period = override
	}
	g.last[repo] = observation{version: version, at: g.clock.Now(), period: period}
	g.logger.Debug("repository ownership change observed",
		"repository", repo,
		"version", version,
		"cooldown", period)
}

// Hold restarts the cooldown for repo as of now without a new ownership
// version. Used after commits that must be followed by the full delay.
func (g *Guard) Hold(repo string, override time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	obs := g.last[repo]
	obs.at = g.clock.Now()
	obs.period = g.period
	if override > 0 {
		obs.period = override
	}
	g.last[repo] = obs
}

// Forget drops all state for a repository.
func (g *Guard) Forget(repo string) {
	g.mu.Lock()
	delete(g.last, repo)
	g.mu.Unlock()
}

// Remaining returns how long commits to repo must still wait.
func (g *Guard) Remaining(repo string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remainingLocked(repo)
}

func (g *Guard) remainingLocked(repo string) time.Duration {
	obs, ok := g.last[repo]
	if !ok {
		return 0
	}
	left := obs.at.Add(obs.period).Sub(g.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Check returns ErrCooldownActive while the cooldown for repo runs.
func (g *Guard) Check(repo string) error {
	if left := g.Remaining(repo); left > 0 {
		return domain.ErrCooldownActive.WithDetails(
			fmt.Sprintf("repository %s: %s remaining", repo, left.Round(time.Millisecond)))
	}
	return nil
}

// Wait blocks until the cooldown for repo has elapsed. An ownership change
// observed while waiting extends the wait.
func (g *Guard) Wait(ctx context.Context, repo string) error {
	var waited time.Duration
	for {
		left := g.Remaining(repo)
		if left <= 0 {
			if waited > 0 {
				g.metrics.ObserveCooldown(repo, waited)
				g.logger.Info("cooldown elapsed, commit may proceed",
					"repository", repo,
					"waited", waited)
			}
			return nil
		}
		start := g.clock.Now()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(left):
			waited += g.clock.Now().Sub(start)
		}
	}
}
