package shardstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// ErrIndexNotFound is returned for an index the source does not hold.
var ErrIndexNotFound = errors.New("shardstore: index not found")

// Source provides local shard content and the index layout.
type Source interface {
	// Indices returns index names, sorted.
	Indices(ctx context.Context) ([]string, error)

	// ShardCount returns the number of shards of an index.
	ShardCount(ctx context.Context, index string) (int, error)

	// Read returns the current content of one shard.
	Read(ctx context.Context, index string, shard int) ([]byte, error)
}

// ============================================================================
// MemorySource
// ============================================================================

// MemorySource holds shard content in memory.
type MemorySource struct {
	mu      sync.RWMutex
	indices map[string][][]byte
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{indices: make(map[string][][]byte)}
}

// CreateIndex adds an index with the given number of empty shards.
func (s *MemorySource) CreateIndex(index string, shards int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[index] = make([][]byte, shards)
}

// Put replaces one shard's content.
func (s *MemorySource) Put(index string, shard int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards, ok := s.indices[index]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	if shard < 0 || shard >= len(shards) {
		return fmt.Errorf("shardstore: index %s has no shard %d", index, shard)
	}
	shards[shard] = append([]byte(nil), data...)
	return nil
}

// Indices implements Source.
func (s *MemorySource) Indices(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.indices))
	for n := range s.indices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// ShardCount implements Source.
func (s *MemorySource) ShardCount(ctx context.Context, index string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shards, ok := s.indices[index]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	return len(shards), nil
}

// Read implements Source.
func (s *MemorySource) Read(ctx context.Context, index string, shard int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shards, ok := s.indices[index]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	if shard < 0 || shard >= len(shards) {
		return nil, fmt.Errorf("shardstore: index %s has no shard %d", index, shard)
	}
	return append([]byte(nil), shards[shard]...), nil
}

// ============================================================================
// DirSource
// ============================================================================

// DirSource reads shards from a directory tree laid out as
// <root>/<index>/<shard>, one file per shard numbered from zero.
type DirSource struct {
	root string
}

// NewDirSource returns a source rooted at dir, creating it if missing.
func NewDirSource(dir string) (*DirSource, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create shard data dir: %w", err)
	}
	return &DirSource{root: dir}, nil
}

// Indices implements Source.
func (s *DirSource) Indices(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ShardCount implements Source. Shard files must be numbered contiguously.
func (s *DirSource) ShardCount(ctx context.Context, index string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, index))
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if i, err := strconv.Atoi(e.Name()); err == nil && i >= 0 {
			n = max(n, i+1)
		}
	}
	return n, nil
}

// Read implements Source.
func (s *DirSource) Read(ctx context.Context, index string, shard int) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, index, strconv.Itoa(shard)))
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(filepath.Join(s.root, index)); statErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
		}
		// A gap in the numbering is an empty shard.
		return nil, nil
	}
	return data, err
}
