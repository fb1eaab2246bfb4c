package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"fx_platform/internal/analytics"
	"fx_platform/internal/bootstrap"
	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/internal/idempotency"
	"fx_platform/internal/infrastructure/health"
	"fx_platform/internal/infrastructure/metrics"
	"fx_platform/internal/kv"
	"fx_platform/internal/positions"
	"fx_platform/internal/pricecache"
	"fx_platform/internal/pricing"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/revindex"
	"fx_platform/internal/storage"
	"fx_platform/internal/trades"
	"fx_platform/pkg/concurrency"
	"fx_platform/pkg/pushhub"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/price_service.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("price_service version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, "price_service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting price_service",
		"version", version,
		"analytics_addr", cfg.Analytics.ListenAddr,
		"push_addr", cfg.Push.ListenAddr,
	)

	db, err := storage.Open(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		logger.Fatal("Failed to open database", "path", cfg.Database.Path, "error", err)
	}
	defer db.Close()

	store, err := positions.NewStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize position store", "error", err)
	}
	repo, err := refdata.NewRepository(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize refdata repository", "error", err)
	}
	resolver := refdata.NewResolver(repo, logger)

	kvStore := kv.NewStore(kv.Config{
		SweepInterval: time.Duration(cfg.KV.SweepIntervalSeconds) * time.Second,
	}, logger)

	broker := fabric.NewBroker(fabric.Config{
		Partitions:         cfg.Fabric.Partitions,
		BufferPerPartition: cfg.Fabric.BufferPerPartition,
		DedupWindow:        time.Duration(cfg.Fabric.DedupWindowSeconds) * time.Second,
	}, logger)
	defer broker.Close()

	producer := fabric.NewProducer(broker, logger)
	defer producer.Close()

	guards := resilience.NewRegistry(cfg, logger)
	idem := idempotency.NewStore(kvStore, time.Duration(cfg.Pricing.L2TTLSeconds)*time.Second, logger)

	priceRepo, err := pricecache.NewRepository(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize price repository", "error", err)
	}
	cache := pricecache.NewTwoTier(pricecache.OptionsFromConfig(cfg.Pricing), kvStore, priceRepo, logger)
	flusher := pricecache.NewFlusher(priceRepo,
		time.Duration(cfg.Pricing.DirtyFlushIntervalMs)*time.Millisecond, logger)

	index := revindex.New(logger)
	notifier := pricing.NewDirectNotifier(logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "RevalPool",
		MaxWorkers:  cfg.Concurrency.RevalPoolSize,
		MaxCapacity: cfg.Concurrency.RevalPoolBuffer,
		NonBlocking: true,
	}, logger)

	hub := pushhub.NewHub(logger)
	pushSrv := pushhub.NewServer(cfg.Push, hub, logger)

	svc := pricing.NewService(cfg, pricing.Deps{
		Cache:    cache,
		Flusher:  flusher,
		Store:    store,
		Refdata:  repo,
		Resolver: resolver,
		Index:    index,
		Idem:     idem,
		Broker:   broker,
		Producer: producer,
		Pusher:   hub,
		Notifier: notifier,
		Guards:   guards,
		Pool:     pool,
		Logger:   logger,
	})

	// The forward ladder view reads the aggregator's tables from the shared
	// system of record.
	tradeStore, err := trades.NewStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize trade store", "error", err)
	}
	views := analytics.NewViews(store, tradeStore, resolver, cache, svc.Revaluer(), guards, logger)
	analyticsSrv := analytics.NewServer(cfg.Analytics, views, logger)

	healthSrv := buildHealth(cfg, db, kvStore, logger)
	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	run := bootstrap.RunnerFunc(func(ctx context.Context) error {
		if err := kvStore.Start(ctx); err != nil {
			return err
		}
		go hub.Run(ctx)
		if err := svc.Start(ctx); err != nil {
			return err
		}
		analyticsSrv.Start()
		healthSrv.Start()
		if metricsSrv != nil {
			metricsSrv.Start()
		}
		healthSrv.SetReady(true)

		<-ctx.Done()

		healthSrv.SetReady(false)
		if err := svc.Stop(); err != nil {
			logger.Warn("Price service stop failed", "error", err)
		}
		if err := kvStore.Stop(); err != nil {
			logger.Warn("KV store stop failed", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := analyticsSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("Analytics server stop failed", "error", err)
		}
		if err := healthSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("Health server stop failed", "error", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Stop(shutdownCtx); err != nil {
				logger.Warn("Metrics server stop failed", "error", err)
			}
		}
		return nil
	})

	push := bootstrap.RunnerFunc(pushSrv.Start)

	exitCode := 0
	if err := app.Run(run, push); err != nil {
		exitCode = 1
	}
	if err := app.Shutdown(context.Background()); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	os.Exit(exitCode)
}

func buildHealth(cfg *config.Config, db *sql.DB, kvStore *kv.Store, logger core.ILogger) *health.Server {
	manager := health.NewHealthManager(logger)
	manager.Register("database", db.Ping)
	manager.Register("kv", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return kvStore.CheckHealth(ctx)
	})
	return health.NewServer(fmt.Sprintf(":%d", cfg.Telemetry.HealthPort), manager, logger)
}
