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
	"fx_platform/internal/fabric"
	"fx_platform/internal/idempotency"
	"fx_platform/internal/infrastructure/health"
	"fx_platform/internal/infrastructure/metrics"
	"fx_platform/internal/kv"
	"fx_platform/internal/resilience"
	"fx_platform/internal/storage"
	"fx_platform/internal/tradechannel"
	"fx_platform/internal/trades"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/trade_aggregator.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trade_aggregator version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, "trade_aggregator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting trade_aggregator",
		"version", version,
		"orphan_threshold_minutes", cfg.Trades.OrphanThresholdMinutes,
	)

	db, err := storage.Open(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		logger.Fatal("Failed to open database", "path", cfg.Database.Path, "error", err)
	}
	defer db.Close()

	store, err := trades.NewStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize trade store", "error", err)
	}

	kvStore := kv.NewStore(kv.Config{
		SweepInterval: time.Duration(cfg.KV.SweepIntervalSeconds) * time.Second,
	}, logger)
	states := trades.NewStateStore(kvStore, time.Duration(cfg.Trades.StateTTLHours)*time.Hour, logger)

	broker := fabric.NewBroker(fabric.Config{
		Partitions:         cfg.Fabric.Partitions,
		BufferPerPartition: cfg.Fabric.BufferPerPartition,
		DedupWindow:        time.Duration(cfg.Fabric.DedupWindowSeconds) * time.Second,
	}, logger)
	defer broker.Close()

	producer := fabric.NewProducer(broker, logger)
	defer producer.Close()

	guards := resilience.NewRegistry(cfg, logger)
	idem := idempotency.NewStore(kvStore, time.Duration(cfg.Trades.FillTTLHours)*time.Hour, logger)

	channel := tradechannel.NewSimulated(logger)
	alerts := alert.FromConfig(cfg.Alerts, logger)

	svc := trades.NewService(cfg, trades.Deps{
		Store:    store,
		States:   states,
		Idem:     idem,
		Broker:   broker,
		Producer: producer,
		Channel:  channel,
		Guards:   guards,
		Alerts:   alerts,
		Logger:   logger,
	})

	healthSrv := buildHealth(cfg, db, kvStore, channel, logger)
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
		if err := channel.Close(); err != nil {
			logger.Warn("Trade channel close failed", "error", err)
		}
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

func buildHealth(cfg *config.Config, db *sql.DB, kvStore *kv.Store, channel core.ITradeChannel, logger core.ILogger) *health.Server {
	manager := health.NewHealthManager(logger)
	manager.Register("database", db.Ping)
	manager.Register("kv", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return kvStore.CheckHealth(ctx)
	})
	manager.Register("trade_channel", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return channel.CheckHealth(ctx)
	})
	return health.NewServer(fmt.Sprintf(":%d", cfg.Telemetry.HealthPort), manager, logger)
}
