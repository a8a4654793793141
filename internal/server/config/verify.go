package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/telemetry/logger"
	"github.com/yndnr/snapkeep-go/pkg/crypto/adaptive"
)

// Verify validates the configuration and creates the data directory.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifyCluster(&cfg.Cluster); err != nil {
		return err
	}
	if err := verifySnapshot(&cfg.Snapshot); err != nil {
		return err
	}
	if err := verifyRepositories(cfg.Repositories); err != nil {
		return err
	}
	if err := verifySecurity(&cfg.Security); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	return nil
}

func verifyServer(cfg *ServerSection) error {
	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("server.http.addr: %w", err)
	}
	if (cfg.HTTP.TLSCertFile == "") != (cfg.HTTP.TLSKeyFile == "") {
		return errors.New("server.http: tls_cert_file and tls_key_file must be set together")
	}
	for _, f := range []string{cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("server.http: %w", err)
		}
	}
	if cfg.HTTP.RateLimit < 0 || cfg.HTTP.RateBurst < 0 {
		return errors.New("server.http: rate_limit and rate_burst must not be negative")
	}
	if cfg.Local.SocketPath != "" {
		if info, err := os.Stat(filepath.Dir(cfg.Local.SocketPath)); err != nil || !info.IsDir() {
			return fmt.Errorf("server.local.socket_path: directory of %s does not exist", cfg.Local.SocketPath)
		}
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("cannot create data directory: %w", err)
	}
	if cfg.SourceDir != "" {
		info, err := os.Stat(cfg.SourceDir)
		if err != nil {
			return fmt.Errorf("storage.source_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("storage.source_dir: %s is not a directory", cfg.SourceDir)
		}
	}
	return nil
}

func verifyCluster(cfg *ClusterSection) error {
	if !cfg.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.RaftAddr); err != nil {
		return fmt.Errorf("cluster.raft_addr: %w", err)
	}
	if cfg.GossipAddr != "" && (cfg.GossipPort <= 0 || cfg.GossipPort > 65535) {
		return fmt.Errorf("cluster.gossip_port: %d out of range", cfg.GossipPort)
	}
	if cfg.Bootstrap && (len(cfg.Seeds) > 0 || len(cfg.JoinAddrs) > 0) {
		return errors.New("cluster.bootstrap is mutually exclusive with cluster.seeds and cluster.join_addrs")
	}
	if !cfg.Bootstrap && len(cfg.Seeds) == 0 && len(cfg.JoinAddrs) == 0 {
		return errors.New("cluster: one of bootstrap, seeds or join_addrs is required")
	}
	if cfg.TLSCAFile != "" {
		if _, err := os.Stat(cfg.TLSCAFile); err != nil {
			return fmt.Errorf("cluster.tls_ca_file: %w", err)
		}
	}
	return nil
}

func verifySnapshot(cfg *SnapshotSection) error {
	switch {
	case cfg.CooldownPeriod < 0:
		return errors.New("snapshot.cooldown_period must not be negative")
	case cfg.MaxCommitAttempts < 1:
		return errors.New("snapshot.max_commit_attempts must be at least 1")
	case cfg.Workers < 1:
		return errors.New("snapshot.workers must be at least 1")
	case cfg.ShardConcurrency < 1:
		return errors.New("snapshot.shard_concurrency must be at least 1")
	case cfg.ShardRateMBps < 0:
		return errors.New("snapshot.shard_rate_mbps must not be negative")
	}
	return nil
}

func verifyRepositories(repos []RepositoryConfig) error {
	seen := make(map[string]bool, len(repos))
	for i, r := range repos {
		if seen[r.Name] {
			return fmt.Errorf("repositories[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		meta := domain.RepositoryMetadata{Name: r.Name, Type: domain.RepositoryType(r.Type), Settings: r.Settings}
		if err := meta.Validate(); err != nil {
			return fmt.Errorf("repositories[%d]: %w", i, err)
		}
	}
	return nil
}

func verifySecurity(cfg *SecuritySection) error {
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("security.encryption_key: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("security.encryption_key: got %d bytes, want 32", len(key))
		}
	}
	switch adaptive.CipherType(cfg.Cipher) {
	case "", adaptive.CipherAESGCM, adaptive.CipherChaCha20:
	default:
		return fmt.Errorf("security.cipher: unknown cipher %q", cfg.Cipher)
	}
	return nil
}
