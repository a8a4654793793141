package blobstore

import (
	"errors"
	"sync"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// Pool keeps one open store per registered repository. A store is reopened
// when the registration version changes. Callers must not Close stores
// obtained from a pool.
type Pool struct {
	opts Options

	mu     sync.Mutex
	open   map[string]pooled
	closed bool
}

type pooled struct {
	store   Store
	version int64
}

// NewPool returns an empty pool opening backends with opts.
func NewPool(opts Options) *Pool {
	return &Pool{opts: opts, open: make(map[string]pooled)}
}

// Get returns the store of a repository, opening it on first use.
func (p *Pool) Get(meta *domain.RepositoryMetadata) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if cur, ok := p.open[meta.Name]; ok {
		if cur.version == meta.Version {
			return cur.store, nil
		}
		// Settings changed; badger and sqlite hold file locks, so the old
		// handle must be released before reopening.
		_ = cur.store.Close()
		delete(p.open, meta.Name)
	}

	s, err := Open(meta, p.opts)
	if err != nil {
		return nil, err
	}
	p.open[meta.Name] = pooled{store: s, version: meta.Version}
	return s, nil
}

// Evict closes and forgets a repository's store.
func (p *Pool) Evict(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.open[name]
	if !ok {
		return nil
	}
	delete(p.open, name)
	return cur.store.Close()
}

// Close closes every open store.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for name, cur := range p.open {
		if err := cur.store.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.open, name)
	}
	return errors.Join(errs...)
}
