// Package main provides the entry point for snapkeep-server.
//
// snapkeep-server coordinates snapshot create, clone and delete operations
// against versioned repositories, either standalone or as one node of a
// Raft-replicated cluster.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/snapkeep-go/internal/core/cooldown"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/core/service"
	"github.com/yndnr/snapkeep-go/internal/infra/buildinfo"
	"github.com/yndnr/snapkeep-go/internal/infra/confloader"
	"github.com/yndnr/snapkeep-go/internal/infra/shutdown"
	"github.com/yndnr/snapkeep-go/internal/infra/tlsroots"
	"github.com/yndnr/snapkeep-go/internal/server/clusterserver"
	"github.com/yndnr/snapkeep-go/internal/server/config"
	"github.com/yndnr/snapkeep-go/internal/server/httpserver"
	"github.com/yndnr/snapkeep-go/internal/server/httpserver/handler"
	"github.com/yndnr/snapkeep-go/internal/server/localserver"
	"github.com/yndnr/snapkeep-go/internal/storage/blobstore"
	"github.com/yndnr/snapkeep-go/internal/storage/shardstore"
	"github.com/yndnr/snapkeep-go/internal/telemetry/logger"
	"github.com/yndnr/snapkeep-go/internal/telemetry/metric"
	"github.com/yndnr/snapkeep-go/pkg/crypto/adaptive"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("snapkeep-server %s\n", buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stdout})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting snapkeep-server",
		"version", info.Version,
		"commit", info.Commit,
		"config", *configFile)
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownHandler := shutdown.NewHandler(cfg.Server.HTTP.ShutdownTimeout, log)
	metrics := metric.NewRegistry()

	// Storage
	blobOpts, err := blobOptions(cfg, log, metrics)
	if err != nil {
		return err
	}
	pool := blobstore.NewPool(blobOpts)
	shutdownHandler.OnShutdown("blob stores", func(context.Context) error { return pool.Close() })

	source, err := shardSource(cfg)
	if err != nil {
		return fmt.Errorf("init shard source: %w", err)
	}

	nodeID, err := config.ResolveNodeID(cfg, log)
	if err != nil {
		return err
	}
	executor := shardstore.New(shardstore.Config{
		NodeID:          nodeID,
		Source:          source,
		Pool:            pool,
		RateBytesPerSec: int64(cfg.Snapshot.ShardRateMBps * 1024 * 1024),
		Logger:          log.With("component", "shards"),
	})

	// Cluster
	var (
		cluster    service.Cluster
		dispatcher service.ShardDispatcher
		startNode  func(context.Context) error
		mountRPC   func(*http.ServeMux)
	)
	if cfg.Cluster.Enabled {
		clusterCfg, err := config.ToClusterConfig(cfg, log.With("component", "cluster"))
		if err != nil {
			return err
		}
		srv, err := clusterserver.NewServer(clusterCfg)
		if err != nil {
			return fmt.Errorf("init cluster: %w", err)
		}
		shutdownHandler.OnShutdown("cluster", srv.Shutdown)
		mountRPC = func(mux *http.ServeMux) { srv.Mount(mux, executor) }
		cluster = srv.Cluster()
		dispatcher = srv.Dispatcher(executor)
		startNode = srv.Start
	} else {
		lc := clusterserver.NewLocalCluster(log.With("component", "cluster"))
		node := lc.Node(nodeID, cfg.Server.HTTP.Addr)
		lc.SetLeader(nodeID)
		membership := clusterserver.NewMembership(node, nil, cfg.Snapshot.ProposalTimeout, log)
		if err := membership.Join(ctx, domain.Member{NodeID: nodeID, APIAddr: cfg.Server.HTTP.Addr}); err != nil {
			return fmt.Errorf("register local member: %w", err)
		}
		cluster = node
		dispatcher = service.DispatchFunc(func(ctx context.Context, _ string, task shardstore.Task) (shardstore.Result, error) {
			return executor.Run(ctx, task)
		})
	}
	metrics.MustRegister(metric.NewCollector(clusterStats(cluster)))

	// Services
	guard := cooldown.New(cooldown.Config{
		Period:  cfg.Snapshot.CooldownPeriod,
		Logger:  log.With("component", "cooldown"),
		Metrics: metrics,
	})
	coordinator := service.NewCoordinator(service.CoordinatorConfig{
		Cluster:            cluster,
		Pool:               pool,
		Catalog:            source,
		Dispatcher:         dispatcher,
		Allocator:          clusterserver.NewShardAllocator(0),
		Guard:              guard,
		MaxCommitAttempts:  cfg.Snapshot.MaxCommitAttempts,
		CommitRetryBackoff: cfg.Snapshot.CommitRetryBackoff,
		Workers:            cfg.Snapshot.Workers,
		ShardConcurrency:   cfg.Snapshot.ShardConcurrency,
		ProposalTimeout:    cfg.Snapshot.ProposalTimeout,
		ReconcileInterval:  cfg.Snapshot.ReconcileInterval,
		Logger:             log.With("component", "coordinator"),
		Metrics:            metrics,
	})
	repos := service.NewRepositoryService(coordinator, log.With("component", "repositories"))

	// HTTP
	api := handler.New(handler.Config{
		Coordinator:  coordinator,
		Repositories: repos,
		Cluster:      cluster,
		Ready:        readiness(cluster),
		Logger:       log,
	})
	httpCfg := cfg.Server.HTTP
	burst := httpCfg.RateBurst
	if burst == 0 {
		burst = max(int(httpCfg.RateLimit), 1)
	}
	router := httpserver.NewRouter(&httpserver.RouterConfig{
		API:       api,
		Metrics:   metrics,
		MountRPC:  mountRPC,
		Logger:    log,
		RateLimit: httpCfg.RateLimit,
		RateBurst: burst,
	})
	serverOpts := []httpserver.Option{httpserver.WithTimeouts(httpCfg.ReadTimeout, httpCfg.WriteTimeout)}
	if httpCfg.TLSCertFile != "" {
		certs, err := tlsroots.NewWatcher(httpCfg.TLSCertFile, httpCfg.TLSKeyFile,
			tlsroots.WithLogger(log.With("component", "tls")))
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		if err := certs.Start(); err != nil {
			log.Warn("TLS certificate reload disabled", "error", err)
		}
		shutdownHandler.OnShutdown("tls watcher", func(context.Context) error { return certs.Stop() })
		serverOpts = append(serverOpts, httpserver.WithTLS(certs.ServerConfig()))
	}
	httpServer := httpserver.New(httpCfg.Addr, router, serverOpts...)
	shutdownHandler.OnShutdown("http server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return httpServer.Shutdown(ctx)
	})

	var reload func() error
	if *configFile != "" {
		reload = func() error { return reloadConfig(*configFile, log) }
		stop, err := watchConfig(*configFile, reload, log)
		if err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else {
			shutdownHandler.OnShutdown("config watcher", func(context.Context) error { return stop() })
		}
	}

	var local *localserver.Server
	if path := cfg.Server.Local.SocketPath; path != "" {
		local = localserver.New(path, localserver.NewHandler(localserver.HandlerConfig{
			API:    httpserver.NewRouter(&httpserver.RouterConfig{API: api, Logger: log}),
			Reload: reload,
			Logger: log,
		}), log.With("component", "local"))
		if err := local.Listen(); err != nil {
			return fmt.Errorf("local socket: %w", err)
		}
		shutdownHandler.OnShutdown("local socket", local.Shutdown)
	}

	// Background work stops before the HTTP server and the stores close.
	bgParent, bgCancel := context.WithCancel(ctx)
	bg, bgCtx := errgroup.WithContext(bgParent)
	if startNode != nil {
		bg.Go(func() error { return ignoreCanceled(startNode(bgCtx)) })
	}
	bg.Go(func() error { return ignoreCanceled(coordinator.Run(bgCtx)) })
	bg.Go(func() error { return registerRepositories(bgCtx, cluster, repos, cfg.Repositories, log) })
	stopping := make(chan struct{})
	shutdownHandler.OnShutdown("background tasks", func(context.Context) error {
		close(stopping)
		bgCancel()
		return bg.Wait()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", httpCfg.Addr, "tls", httpServer.TLS())
		return httpServer.ListenAndServe()
	})
	if local != nil {
		g.Go(local.ListenAndServe)
	}
	g.Go(func() error {
		select {
		case <-stopping:
			return nil
		case <-bgCtx.Done():
			// A background task failed; bring the server down.
			return bg.Wait()
		}
	})

	log.Info("server started", "node_id", nodeID, "clustered", cfg.Cluster.Enabled)
	err = shutdownHandler.Wait(gctx)
	if gErr := g.Wait(); gErr != nil {
		err = errors.Join(err, gErr)
	}
	if err != nil {
		log.Error("server stopped with errors", "error", err)
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads defaults, the optional file and SNAPKEEP_ environment
// overrides, then validates the result.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	opts := []confloader.Option{confloader.WithDefaults(config.DefaultMap())}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)

	cfg := &config.ServerConfig{}
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reloadConfig re-reads path and applies the settings that change without
// a restart; currently the log level.
func reloadConfig(path string, log *slog.Logger) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if cfg.Log.Level != logger.GetLevel() {
		logger.SetLevel(cfg.Log.Level)
		log.Info("log level changed", "level", cfg.Log.Level)
	}
	return nil
}

func watchConfig(path string, reload func() error, log *slog.Logger) (func() error, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		return nil, err
	}
	w.OnChange(func(string) {
		if err := reload(); err != nil {
			log.Warn("ignoring invalid configuration change", "error", err)
		}
	})
	w.StartAsync()
	return w.Stop, nil
}

func blobOptions(cfg *config.ServerConfig, log *slog.Logger, metrics *metric.Registry) (blobstore.Options, error) {
	opts := blobstore.Options{
		Logger:     log.With("component", "blobstore"),
		Metrics:    metrics,
		Passphrase: []byte(cfg.Security.Passphrase),
		Cipher:     adaptive.CipherType(cfg.Security.Cipher),
	}
	if cfg.Security.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.Security.EncryptionKey)
		if err != nil {
			return opts, fmt.Errorf("security.encryption_key: %w", err)
		}
		opts.MasterKey = key
	}
	if len(opts.Passphrase) == 0 {
		opts.Passphrase = nil
	}
	syncWrites := cfg.Storage.BadgerSyncWrites
	opts.BadgerSyncWrites = &syncWrites
	return opts, nil
}

// shardSource serves shards from storage.source_dir, or from an empty
// in-memory catalog when none is configured.
func shardSource(cfg *config.ServerConfig) (shardstore.Source, error) {
	if cfg.Storage.SourceDir == "" {
		return shardstore.NewMemorySource(), nil
	}
	return shardstore.NewDirSource(cfg.Storage.SourceDir)
}

// readiness reports not ready while no leader is known.
func readiness(cluster service.Cluster) func() error {
	return func() error {
		if cluster.IsLeader() || cluster.LeaderAddr() != "" {
			return nil
		}
		return errors.New("no cluster leader")
	}
}

func clusterStats(cluster service.Cluster) func() metric.ClusterStats {
	return func() metric.ClusterStats {
		state := cluster.State()
		stats := metric.ClusterStats{
			Members:        len(state.Members),
			IsLeader:       cluster.IsLeader(),
			Repositories:   len(state.Repositories),
			EntriesByState: make(map[string]int),
		}
		for _, e := range state.Entries {
			stats.EntriesByState[string(e.State)]++
		}
		return stats
	}
}

// registerRepositories puts the configured repositories once this node
// leads. Unchanged registrations are no-ops, so every leader may repeat it.
func registerRepositories(ctx context.Context, cluster service.Cluster, repos *service.RepositoryService,
	configured []config.RepositoryConfig, log *slog.Logger) error {
	if len(configured) == 0 {
		return nil
	}
	pending := configured
	for {
		changed := cluster.Changed()
		if cluster.IsLeader() {
			var retry []config.RepositoryConfig
			for _, rc := range pending {
				meta, err := repos.Put(ctx, &service.PutRepositoryRequest{
					Name:     rc.Name,
					Type:     domain.RepositoryType(rc.Type),
					Settings: rc.Settings,
				})
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Warn("repository registration failed", "repository", rc.Name, "error", err)
					retry = append(retry, rc)
					continue
				}
				log.Info("repository registered", "repository", meta.Name, "type", meta.Type, "version", meta.Version)
			}
			if len(retry) == 0 {
				return nil
			}
			pending = retry
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-time.After(5 * time.Second):
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
