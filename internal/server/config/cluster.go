package config

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/yndnr/snapkeep-go/internal/infra/tlsroots"
	"github.com/yndnr/snapkeep-go/internal/server/clusterserver"
)

// ToClusterConfig converts ServerConfig to clusterserver.Config, generating
// a node ID when none is configured.
func ToClusterConfig(cfg *ServerConfig, logger *slog.Logger) (clusterserver.Config, error) {
	if cfg == nil {
		return clusterserver.Config{}, fmt.Errorf("server config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	nodeID, err := ResolveNodeID(cfg, logger)
	if err != nil {
		return clusterserver.Config{}, err
	}

	dataDir := cfg.Cluster.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(cfg.Storage.DataDir, "raft")
	}
	apiAddr := cfg.Cluster.APIAddr
	if apiAddr == "" {
		apiAddr = cfg.Server.HTTP.Addr
	}

	var tlsCfg *tls.Config
	if cfg.Server.HTTP.TLSCertFile != "" {
		if tlsCfg, err = tlsroots.ClientConfig(cfg.Cluster.TLSCAFile); err != nil {
			return clusterserver.Config{}, err
		}
	}

	return clusterserver.Config{
		NodeID:             nodeID,
		RaftBindAddr:       cfg.Cluster.RaftAddr,
		RaftDataDir:        dataDir,
		Bootstrap:          cfg.Cluster.Bootstrap,
		GossipBindAddr:     cfg.Cluster.GossipAddr,
		GossipBindPort:     cfg.Cluster.GossipPort,
		SeedNodes:          cfg.Cluster.Seeds,
		APIAddr:            apiAddr,
		JoinAddrs:          cfg.Cluster.JoinAddrs,
		MembershipInterval: cfg.Cluster.MembershipInterval,
		MembershipTimeout:  cfg.Snapshot.ProposalTimeout,
		TLS:                tlsCfg,
		Logger:             logger,
	}, nil
}

// ResolveNodeID returns the configured node ID or stores a generated one
// in cfg so later callers agree.
func ResolveNodeID(cfg *ServerConfig, logger *slog.Logger) (string, error) {
	if cfg.Cluster.NodeID != "" {
		return cfg.Cluster.NodeID, nil
	}
	id, err := generateNodeID()
	if err != nil {
		return "", fmt.Errorf("generate node ID: %w", err)
	}
	cfg.Cluster.NodeID = id
	if logger != nil {
		logger.Info("generated cluster node ID", "node_id", id)
	}
	return id, nil
}

// generateNodeID returns "sknode-" followed by 16 hex chars.
func generateNodeID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "sknode-" + hex.EncodeToString(buf), nil
}
