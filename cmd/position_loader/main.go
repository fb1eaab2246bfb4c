package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"fx_platform/internal/alert"
	"fx_platform/internal/bootstrap"
	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/engine"
	"fx_platform/internal/engine/durable"
	"fx_platform/internal/engine/simple"
	"fx_platform/internal/fabric"
	"fx_platform/internal/idempotency"
	"fx_platform/internal/infrastructure/health"
	"fx_platform/internal/infrastructure/metrics"
	"fx_platform/internal/kv"
	"fx_platform/internal/loader"
	"fx_platform/internal/mspm"
	"fx_platform/internal/positions"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/storage"
	"fx_platform/pkg/concurrency"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/position_loader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("position_loader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, "position_loader")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting position_loader",
		"version", version,
		"shard_index", cfg.Sharding.ShardIndex,
		"total_shards", cfg.Sharding.TotalShards,
		"eod_engine", cfg.EOD.Engine,
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
	idem := idempotency.NewStore(kvStore, time.Duration(cfg.Intraday.RefTTLMinutes)*time.Minute, logger)
	feed := mspm.NewClient(cfg.MSPM, logger)

	steps := loader.NewEODSteps(feed, store, repo, guards, cfg.EOD.ValidationErrorThreshold, logger)
	eodEngine := buildEngine(cfg, steps, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "EODLoaderPool",
		MaxWorkers:  cfg.Concurrency.LoaderPoolSize,
		MaxCapacity: cfg.Concurrency.LoaderPoolBuffer,
	}, logger)

	alerts := alert.FromConfig(cfg.Alerts, logger)

	if cfg.Notifications.Mode != config.NotifyFabric {
		// Direct delivery only exists inside the price service process; this
		// binary reaches subscribers through the fabric.
		logger.Warn("Direct notification mode is unavailable in this binary, using fabric only",
			"configured_mode", cfg.Notifications.Mode)
	}

	svc := loader.NewService(cfg, loader.Deps{
		Store:    store,
		Refdata:  repo,
		Idem:     idem,
		Leases:   kvStore,
		Engine:   eodEngine,
		Broker:   broker,
		Producer: producer,
		Alerts:   alerts,
		Guards:   guards,
		Pool:     pool,
		Logger:   logger,
	})

	healthSrv := buildHealth(cfg, db, kvStore, feed, svc, logger)
	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	run := bootstrap.RunnerFunc(func(ctx context.Context) error {
		if err := kvStore.Start(ctx); err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			return err
		}
		healthSrv.Start()
		if metricsSrv != nil {
			metricsSrv.Start()
		}
		healthSrv.SetReady(true)

		<-ctx.Done()

		healthSrv.SetReady(false)
		svc.Stop()
		if err := kvStore.Stop(); err != nil {
			logger.Warn("KV store stop failed", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
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

	exitCode := 0
	if err := app.Run(run); err != nil {
		exitCode = 1
	}
	if err := app.Shutdown(context.Background()); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	os.Exit(exitCode)
}

// buildEngine selects the EOD engine. The durable variant checkpoints each
// step through DBOS and needs its own Postgres system database.
func buildEngine(cfg *config.Config, steps engine.Runner, logger core.ILogger) engine.Engine {
	if cfg.EOD.Engine == "durable" {
		eng, err := durable.NewFromConfig(cfg.Service.Name, cfg.EOD.DatabaseURL, steps, logger)
		if err != nil {
			logger.Fatal("Failed to build durable EOD engine", "error", err)
		}
		return eng
	}
	return simple.NewSimpleEngine(steps, logger)
}

func buildHealth(cfg *config.Config, db *sql.DB, kvStore *kv.Store, feed *mspm.Client, svc *loader.Service, logger core.ILogger) *health.Server {
	manager := health.NewHealthManager(logger)
	manager.Register("database", db.Ping)
	manager.Register("kv", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return kvStore.CheckHealth(ctx)
	})
	manager.Register("mspm_feed", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return feed.CheckHealth(ctx)
	})
	manager.Register("loader", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return svc.CheckHealth(ctx)
	})
	return health.NewServer(fmt.Sprintf(":%d", cfg.Telemetry.HealthPort), manager, logger)
}
