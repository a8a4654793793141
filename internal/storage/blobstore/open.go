package blobstore

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/telemetry/metric"
	"github.com/yndnr/snapkeep-go/pkg/crypto/adaptive"
)

// Options carries process-wide settings for opening repository backends.
type Options struct {
	Logger  *slog.Logger
	Metrics *metric.Registry

	// MasterKey enables encryption of every blob. Passphrase is used when
	// MasterKey is empty.
	MasterKey  []byte
	Passphrase []byte
	Cipher     adaptive.CipherType

	// BadgerSyncWrites overrides the badger backend's fsync behaviour.
	BadgerSyncWrites *bool
}

// sqliteFile is the database file name below a sqlite repository path.
const sqliteFile = "repository.db"

// Open opens the backend described by a repository registration.
func Open(meta *domain.RepositoryMetadata, opts Options) (Store, error) {
	if meta == nil {
		return nil, fmt.Errorf("blobstore: nil repository")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("repository", meta.Name, "backend", string(meta.Type))
	path := meta.Settings[domain.SettingPath]

	var (
		s   Store
		err error
	)
	switch meta.Type {
	case domain.RepositoryMemory:
		s = SharedMemoryStore(meta.Name)
	case domain.RepositoryFS:
		s, err = NewFSStore(path, logger)
	case domain.RepositoryBadger:
		cfg := DefaultBadgerConfig(path)
		if opts.BadgerSyncWrites != nil {
			cfg.SyncWrites = *opts.BadgerSyncWrites
		}
		s, err = NewBadgerStore(cfg, logger)
	case domain.RepositorySQLite:
		s, err = NewSQLiteStore(filepath.Join(path, sqliteFile), logger)
	default:
		return nil, fmt.Errorf("blobstore: unsupported repository type %q", meta.Type)
	}
	if err != nil {
		return nil, err
	}

	master := opts.MasterKey
	if len(master) == 0 && len(opts.Passphrase) > 0 {
		master = MasterKeyFromPassphrase(opts.Passphrase, meta.Name)
	}
	if len(master) > 0 {
		key, err := DeriveRepositoryKey(master, meta.Name)
		if err != nil {
			s.Close()
			return nil, err
		}
		enc, err := NewEncryptedStore(s, key, opts.Cipher)
		if err != nil {
			s.Close()
			return nil, err
		}
		s = enc
	}

	return Instrument(s, string(meta.Type), opts.Metrics), nil
}
