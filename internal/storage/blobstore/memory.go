package blobstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yndnr/snapkeep-go/pkg/cmap"
)

// MemoryStore is a process-local Store backed by a sharded concurrent map.
// Conditional writes are atomic per key.
type MemoryStore struct {
	blobs  *cmap.Map[string, []byte]
	caps   Capabilities
	closed atomic.Bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithoutConditionalWrite makes the store report no CAS capability, so callers
// exercise their single-writer fallback.
func WithoutConditionalWrite() MemoryOption {
	return func(s *MemoryStore) { s.caps.ConditionalWrite = false }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		blobs: cmap.New[string, []byte](),
		caps:  Capabilities{ConditionalWrite: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read implements Store.
func (s *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	data, ok := s.blobs.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

// WriteAtomic implements Store.
func (s *MemoryStore) WriteAtomic(ctx context.Context, key string, data []byte, failIfExists bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data = slices.Clone(data)
	if failIfExists {
		if !s.blobs.SetIfAbsent(key, data) {
			return ErrAlreadyExists
		}
		return nil
	}
	s.blobs.Set(key, data)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var keys []string
	s.blobs.Range(func(k string, _ []byte) bool {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return true
	})
	slices.Sort(keys)
	return keys, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, k := range keys {
		s.blobs.Delete(k)
	}
	return nil
}

// Capabilities implements Store.
func (s *MemoryStore) Capabilities() Capabilities { return s.caps }

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

// sharedMemory keeps memory repositories alive by name so every node of an
// in-process cluster opens the same store.
var sharedMemory = struct {
	sync.Mutex
	stores map[string]*MemoryStore
}{stores: make(map[string]*MemoryStore)}

// SharedMemoryStore returns the process-wide memory store registered under
// name, creating it on first use. The returned handle ignores Close.
func SharedMemoryStore(name string) Store {
	sharedMemory.Lock()
	defer sharedMemory.Unlock()
	s, ok := sharedMemory.stores[name]
	if !ok {
		s = NewMemoryStore()
		sharedMemory.stores[name] = s
	}
	return noCloseStore{s}
}

// DropSharedMemoryStore discards a shared memory repository.
func DropSharedMemoryStore(name string) {
	sharedMemory.Lock()
	defer sharedMemory.Unlock()
	delete(sharedMemory.stores, name)
}

type noCloseStore struct{ *MemoryStore }

func (noCloseStore) Close() error { return nil }
