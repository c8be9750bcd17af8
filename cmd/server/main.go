// Package main provides the entry point for the Intelify server, a threat
// intelligence aggregation and correlation service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/api"
	"github.com/lvonguyen/intelify/internal/cache"
	"github.com/lvonguyen/intelify/internal/config"
	"github.com/lvonguyen/intelify/internal/correlate"
	"github.com/lvonguyen/intelify/internal/intel"
	"github.com/lvonguyen/intelify/internal/intel/feeds"
	"github.com/lvonguyen/intelify/internal/observability"
	"github.com/lvonguyen/intelify/internal/reconcile"
	"github.com/lvonguyen/intelify/internal/storage"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Intelify %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Intelify",
		zap.String("version", Version),
		zap.String("config", *configPath),
		zap.Strings("feeds", cfg.EnabledFeeds()))

	metrics := observability.NewMetrics()

	store, err := storage.NewGormStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()

	managerOpts := []intel.Option{intel.WithMetrics(metrics)}
	serverOpts := []api.ServerOption{
		api.WithVersion(Version),
		api.WithIngestTimeout(cfg.Ingest.Timeout),
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()

		managerOpts = append(managerOpts,
			intel.WithSearchCache(cache.NewSearchCache(redisClient, cfg.Redis.CacheTTL, logger)))
		if cfg.RateLimit.Enabled {
			serverOpts = append(serverOpts, api.WithRateLimiter(api.NewRateLimiter(
				redisClient, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.SyncPerMinute, logger)))
		}
	}

	if token := cfg.Auth.Token(); token != "" {
		serverOpts = append(serverOpts, api.WithAuthToken(token))
	}

	manager := intel.NewManager(logger, buildAdapters(cfg, logger), managerOpts...)
	reconciler := reconcile.NewReconciler(store, logger, reconcile.WithMetrics(metrics))
	engine := correlate.NewEngine(store, cfg.Correlation, logger, correlate.WithMetrics(metrics))

	registerSources(store, manager, logger)

	server := api.NewServer(manager, reconciler, engine, store, metrics, logger,
		cfg.Ingest.LimitPerSource, serverOpts...)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func buildAdapters(cfg *config.Config, logger *zap.Logger) []intel.Adapter {
	var adapters []intel.Adapter
	if cfg.Feeds.AbuseIPDB.Enabled {
		adapters = append(adapters, feeds.NewAbuseIPDBAdapter(cfg.Feeds.AbuseIPDB, logger))
	}
	if cfg.Feeds.OTX.Enabled {
		adapters = append(adapters, feeds.NewOTXAdapter(cfg.Feeds.OTX, logger))
	}
	if cfg.Feeds.URLhaus.Enabled {
		adapters = append(adapters, feeds.NewURLhausAdapter(cfg.Feeds.URLhaus, logger))
	}
	if cfg.Feeds.MalwareBazaar.Enabled {
		adapters = append(adapters, feeds.NewMalwareBazaarAdapter(cfg.Feeds.MalwareBazaar, logger))
	}
	return adapters
}

// registerSources seeds a source row per enabled adapter so the sources
// endpoint lists them before the first sync.
func registerSources(store storage.Store, manager *intel.Manager, logger *zap.Logger) {
	ctx := context.Background()
	for _, a := range manager.Adapters() {
		if _, err := store.GetOrCreateSource(ctx, a.SourceID(), "FEED", ""); err != nil {
			logger.Warn("Failed to register source",
				zap.String("source", a.SourceID()), zap.Error(err))
		}
	}
}
