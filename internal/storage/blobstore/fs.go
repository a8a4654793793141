package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
)

const tempSuffix = ".sktmp"

// FSStore stores blobs as files below a root directory.
//
// Writes go to a temp file in the target directory, are fsynced, and are then
// published. Overwrites use rename. failIfExists uses a hard link, which fails
// atomically when the target exists; on filesystems without hard links the
// store reports no ConditionalWrite capability and falls back to a
// stat-then-rename that is only safe for a single writer.
type FSStore struct {
	root   string
	caps   Capabilities
	logger *slog.Logger
	closed atomic.Bool
}

// NewFSStore opens (creating if needed) a store rooted at dir.
func NewFSStore(dir string, logger *slog.Logger) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("fs blobstore: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("fs blobstore: create dir: %w", err)
	}

	s := &FSStore{root: dir, logger: logger}
	s.caps.ConditionalWrite = probeHardLinks(dir)
	if !s.caps.ConditionalWrite {
		logger.Warn("filesystem does not support hard links, conditional writes degrade to single-writer mode",
			"dir", dir)
	}
	return s, nil
}

func probeHardLinks(dir string) bool {
	src, err := os.CreateTemp(dir, ".probe-*"+tempSuffix)
	if err != nil {
		return false
	}
	src.Close()
	defer os.Remove(src.Name())

	dst := src.Name() + ".link"
	if err := os.Link(src.Name(), dst); err != nil {
		return false
	}
	os.Remove(dst)
	return true
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Read implements Store.
func (s *FSStore) Read(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fs blobstore: read %s: %w", key, err)
	}
	return data, nil
}

// WriteAtomic implements Store.
func (s *FSStore) WriteAtomic(ctx context.Context, key string, data []byte, failIfExists bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	final := s.path(key)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("fs blobstore: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("fs blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fs blobstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fs blobstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fs blobstore: close: %w", err)
	}

	switch {
	case failIfExists && s.caps.ConditionalWrite:
		if err := os.Link(tmpPath, final); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("fs blobstore: link: %w", err)
		}
	case failIfExists:
		if _, err := os.Stat(final); err == nil {
			return ErrAlreadyExists
		}
		if err := os.Rename(tmpPath, final); err != nil {
			return fmt.Errorf("fs blobstore: rename: %w", err)
		}
	default:
		if err := os.Rename(tmpPath, final); err != nil {
			return fmt.Errorf("fs blobstore: rename: %w", err)
		}
	}

	syncDir(dir)
	return nil
}

// syncDir persists the directory entry of a newly published file. Errors are
// ignored: some platforms cannot fsync directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// List implements Store.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	// Walk only the deepest directory fully covered by the prefix.
	start := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = s.path(prefix[:i])
	}

	var keys []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			// Keys below a directory share its path; skip the ones that
			// cannot match.
			if p != start && !strings.HasPrefix(key+"/", prefix) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("fs blobstore: list %q: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete implements Store.
func (s *FSStore) Delete(ctx context.Context, keys ...string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return err
		}
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("fs blobstore: delete %s: %w", key, err)
		}
	}
	return nil
}

// Capabilities implements Store.
func (s *FSStore) Capabilities() Capabilities { return s.caps }

// Close implements Store.
func (s *FSStore) Close() error {
	s.closed.Store(true)
	return nil
}
