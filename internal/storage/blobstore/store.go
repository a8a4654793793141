package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrNotFound      = errors.New("blob not found")
	ErrAlreadyExists = errors.New("blob already exists")
	ErrClosed        = errors.New("blob store closed")
	ErrInvalidKey    = errors.New("invalid blob key")
)

// Capabilities describes what a backend guarantees.
type Capabilities struct {
	// ConditionalWrite is true when WriteAtomic with failIfExists is a
	// race-free compare-and-swap across concurrent writers. Without it the
	// caller must behave as the single writer.
	ConditionalWrite bool
}

// Store is the blob store contract.
//
// Keys are slash-separated relative paths. Readers never observe a partially
// written blob: they see either nothing or the complete final content.
type Store interface {
	// Read returns the blob content or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// WriteAtomic writes data under key. With failIfExists it returns
	// ErrAlreadyExists if the key is already present and leaves it untouched.
	WriteAtomic(ctx context.Context, key string, data []byte, failIfExists bool) error

	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Capabilities reports backend guarantees.
	Capabilities() Capabilities

	// Close releases backend resources.
	Close() error
}

// ValidateKey rejects empty, absolute and path-escaping keys.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "/"), strings.HasSuffix(key, "/"):
		return fmt.Errorf("%w: %q must be relative and name a blob", ErrInvalidKey, key)
	case strings.Contains(key, "\\"):
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q has an empty or relative segment", ErrInvalidKey, key)
		}
	}
	return nil
}

// Exists reports whether key is present.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Read(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
