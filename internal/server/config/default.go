package config

import "time"

// Default configuration values.
const (
	DefaultHTTPAddr        = "127.0.0.1:5080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 5 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second

	DefaultDataDir = "/var/lib/snapkeep-server"

	DefaultRaftAddr           = "127.0.0.1:5343"
	DefaultGossipPort         = 5344
	DefaultMembershipInterval = 2 * time.Second

	DefaultMaxCommitAttempts  = 5
	DefaultCommitRetryBackoff = 100 * time.Millisecond
	DefaultWorkers            = 4
	DefaultShardConcurrency   = 4
	DefaultProposalTimeout    = 10 * time.Second
	DefaultReconcileInterval  = 500 * time.Millisecond

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr:            DefaultHTTPAddr,
				ReadTimeout:     DefaultReadTimeout,
				WriteTimeout:    DefaultWriteTimeout,
				ShutdownTimeout: DefaultShutdownTimeout,
			},
		},
		Storage: StorageSection{
			DataDir: DefaultDataDir,
		},
		Cluster: ClusterSection{
			RaftAddr:           DefaultRaftAddr,
			GossipPort:         DefaultGossipPort,
			MembershipInterval: DefaultMembershipInterval,
		},
		Snapshot: SnapshotSection{
			MaxCommitAttempts:  DefaultMaxCommitAttempts,
			CommitRetryBackoff: DefaultCommitRetryBackoff,
			Workers:            DefaultWorkers,
			ShardConcurrency:   DefaultShardConcurrency,
			ProposalTimeout:    DefaultProposalTimeout,
			ReconcileInterval:  DefaultReconcileInterval,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// DefaultMap returns Default as a flat koanf key map, for use as the
// lowest-priority layer of the loader.
func DefaultMap() map[string]any {
	d := Default()
	return map[string]any{
		"server.http.addr":              d.Server.HTTP.Addr,
		"server.http.read_timeout":      d.Server.HTTP.ReadTimeout.String(),
		"server.http.write_timeout":     d.Server.HTTP.WriteTimeout.String(),
		"server.http.shutdown_timeout":  d.Server.HTTP.ShutdownTimeout.String(),
		"storage.data_dir":              d.Storage.DataDir,
		"cluster.raft_addr":             d.Cluster.RaftAddr,
		"cluster.gossip_port":           d.Cluster.GossipPort,
		"cluster.membership_interval":   d.Cluster.MembershipInterval.String(),
		"snapshot.max_commit_attempts":  d.Snapshot.MaxCommitAttempts,
		"snapshot.commit_retry_backoff": d.Snapshot.CommitRetryBackoff.String(),
		"snapshot.workers":              d.Snapshot.Workers,
		"snapshot.shard_concurrency":    d.Snapshot.ShardConcurrency,
		"snapshot.proposal_timeout":     d.Snapshot.ProposalTimeout.String(),
		"snapshot.reconcile_interval":   d.Snapshot.ReconcileInterval.String(),
		"log.level":                     d.Log.Level,
		"log.format":                    d.Log.Format,
	}
}
