package config

import "time"

// ServerConfig is the root configuration for snapkeep-server.
type ServerConfig struct {
	Server       ServerSection      `koanf:"server"`
	Storage      StorageSection     `koanf:"storage"`
	Cluster      ClusterSection     `koanf:"cluster"`
	Snapshot     SnapshotSection    `koanf:"snapshot"`
	Repositories []RepositoryConfig `koanf:"repositories"`
	Security     SecuritySection    `koanf:"security"`
	Log          LogSection         `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP  HTTPConfig  `koanf:"http"`
	Local LocalConfig `koanf:"local"`
}

// HTTPConfig configures the admin HTTP server.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// TLSCertFile and TLSKeyFile enable HTTPS for the admin API and the
	// cluster RPC sharing its listener. The pair is reloaded on change.
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`

	// RateLimit is the per-client admin API request rate; zero disables it.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// LocalConfig configures the local admin socket.
type LocalConfig struct {
	// SocketPath serves the admin API on a Unix socket. Empty disables it.
	SocketPath string `koanf:"socket_path"`
}

// StorageSection configures local storage.
type StorageSection struct {
	// DataDir is the root for node-local state.
	DataDir string `koanf:"data_dir"`

	// SourceDir holds the shard data to snapshot, one directory per index
	// with one file per shard. Empty serves an in-memory catalog.
	SourceDir string `koanf:"source_dir"`

	// BadgerSyncWrites makes badger repositories fsync every commit.
	BadgerSyncWrites bool `koanf:"badger_sync_writes"`
}

// ClusterSection configures cluster mode.
type ClusterSection struct {
	// Enabled runs a raft cluster; otherwise the node is its own
	// in-process leader.
	Enabled bool `koanf:"enabled"`

	// NodeID is the unique node identifier. Generated when empty.
	NodeID string `koanf:"node_id"`

	// RaftAddr is the Raft TCP bind address (e.g. "192.168.1.10:5343").
	RaftAddr string `koanf:"raft_addr"`

	// GossipAddr and GossipPort bind memberlist. An empty address disables
	// gossip.
	GossipAddr string `koanf:"gossip_addr"`
	GossipPort int    `koanf:"gossip_port"`

	// Bootstrap forms a new cluster.
	Bootstrap bool `koanf:"bootstrap"`

	// Seeds are gossip addresses of existing members.
	Seeds []string `koanf:"seeds"`

	// JoinAddrs are HTTP addresses of existing members asked for admission.
	JoinAddrs []string `koanf:"join_addrs"`

	// APIAddr is the advertised HTTP address of this node. Defaults to
	// server.http.addr.
	APIAddr string `koanf:"api_addr"`

	// DataDir holds the Raft log and snapshots. Defaults to
	// <storage.data_dir>/raft.
	DataDir string `koanf:"data_dir"`

	MembershipInterval time.Duration `koanf:"membership_interval"`

	// TLSCAFile is trusted, besides the system roots, when calling peers
	// over HTTPS.
	TLSCAFile string `koanf:"tls_ca_file"`
}

// SnapshotSection configures the snapshot coordinator.
type SnapshotSection struct {
	// CooldownPeriod delays ledger commits after an ownership change.
	// Zero disables the delay unless a repository overrides it.
	CooldownPeriod time.Duration `koanf:"cooldown_period"`

	MaxCommitAttempts  int           `koanf:"max_commit_attempts"`
	CommitRetryBackoff time.Duration `koanf:"commit_retry_backoff"`
	Workers            int           `koanf:"workers"`
	ShardConcurrency   int           `koanf:"shard_concurrency"`

	// ShardRateMBps caps shard content upload per node. Zero is unlimited.
	ShardRateMBps float64 `koanf:"shard_rate_mbps"`

	ProposalTimeout   time.Duration `koanf:"proposal_timeout"`
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
}

// RepositoryConfig is a repository registered by the leader at startup.
type RepositoryConfig struct {
	Name     string            `koanf:"name"`
	Type     string            `koanf:"type"`
	Settings map[string]string `koanf:"settings"`
}

// SecuritySection configures blob encryption.
type SecuritySection struct {
	// EncryptionKey is a hex-encoded 32 byte master key.
	EncryptionKey string `koanf:"encryption_key"`

	// Passphrase derives the master key when EncryptionKey is empty.
	Passphrase string `koanf:"passphrase"`

	// Cipher is "aes-gcm" or "chacha20-poly1305". Empty picks by hardware.
	Cipher string `koanf:"cipher"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
