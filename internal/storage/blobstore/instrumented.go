package blobstore

import (
	"context"
	"errors"
	"time"

	"github.com/yndnr/snapkeep-go/internal/telemetry/metric"
)

// instrumentedStore records latency, outcome and byte counts of every call.
type instrumentedStore struct {
	Store
	backend string
	metrics *metric.Registry
}

// Instrument wraps s so that every operation is recorded under backend.
// A nil registry returns s unchanged.
func Instrument(s Store, backend string, metrics *metric.Registry) Store {
	if metrics == nil {
		return s
	}
	return &instrumentedStore{Store: s, backend: backend, metrics: metrics}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "exists"
	default:
		return "error"
	}
}

func (s *instrumentedStore) Read(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.Store.Read(ctx, key)
	s.metrics.ObserveBlob(s.backend, "read", outcome(err), time.Since(start), len(data), 0)
	return data, err
}

func (s *instrumentedStore) WriteAtomic(ctx context.Context, key string, data []byte, failIfExists bool) error {
	op := "write"
	if failIfExists {
		op = "write_if_absent"
	}
	start := time.Now()
	err := s.Store.WriteAtomic(ctx, key, data, failIfExists)
	written := 0
	if err == nil {
		written = len(data)
	}
	s.metrics.ObserveBlob(s.backend, op, outcome(err), time.Since(start), 0, written)
	return err
}

func (s *instrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Store.List(ctx, prefix)
	s.metrics.ObserveBlob(s.backend, "list", outcome(err), time.Since(start), 0, 0)
	return keys, err
}

func (s *instrumentedStore) Delete(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := s.Store.Delete(ctx, keys...)
	s.metrics.ObserveBlob(s.backend, "delete", outcome(err), time.Since(start), 0, 0)
	return err
}
