package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/connector"
	"execution-core/internal/connector/cwire"
	"execution-core/internal/connector/paper"
	"execution-core/internal/coordinator"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/reconciliation"
	"execution-core/internal/runner"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/history"
	"execution-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger.Init(logger.Options{
		Level:      cfg.LogLevel,
		Output:     cfg.LogOutput,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	defer logger.Sync()
	logger.S().Infow("starting execution core", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.S().Fatalw("database init failed", "path", cfg.DBPath, "error", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.S().Fatalw("database migrations failed", "error", err)
	}

	// Lock store backing the concurrency coordinator.
	var lockStore coordinator.Store
	switch cfg.LockStore {
	case "memory":
		lockStore = coordinator.NewMemoryStore()
		logger.S().Warnw("using in-memory lock store, no cross-process exclusion")
	default:
		lockStore, err = coordinator.NewBadgerStore(cfg.LockStorePath)
		if err != nil {
			logger.S().Fatalw("lock store init failed", "path", cfg.LockStorePath, "error", err)
		}
	}
	defer lockStore.Close()

	coord := coordinator.New(lockStore, coordinator.Options{
		LockTTL:  time.Duration(cfg.LockTTLMs) * time.Millisecond,
		Cooldown: time.Duration(cfg.CooldownSeconds) * time.Second,
		Policy:   coordinator.DegradedPolicy(cfg.LockDegradedPolicy),
	})

	metrics := monitor.NewExecutionMetrics()

	gw := gateway.New(database, coord, bus, gateway.Options{
		ReconcileAttempts: cfg.ReconcileAttempts,
		ReconcileBackoff:  time.Duration(cfg.ReconcileBackoffMs) * time.Millisecond,
		ModifyRetries:     cfg.ModifyRetryAttempts,
		Metrics:           metrics,
	})

	// Broker adapters. One session per account, shared via the registry.
	registry := connector.NewRegistry()
	registry.RegisterFactory("paper", func(accountID string) (connector.Connector, error) {
		return paper.New(accountID, cfg.PaperInitialBalance, cfg.PaperCurrency), nil
	})
	registry.RegisterFactory("cwire", cwire.Factory(cwire.Options{
		BaseURL:   cfg.WireBaseURL,
		StreamURL: cfg.WireStreamURL,
		APIKey:    cfg.WireAPIKey,
		APISecret: cfg.WireAPISecret,
	}))

	runs := runner.NewManager(ctx, database, registry, gw, bus)
	hist := history.NewDownloader(cfg.HistoryDir, cfg.BinanceUseTestnet, cfg.DownloadRetryAttempts)

	reconciler := reconciliation.NewService(runs, database, time.Duration(cfg.ReconcileIntervalSec)*time.Second)
	reconciler.Start(ctx)

	server := api.NewServer(cfg, database, bus, gw, registry, runs, hist, metrics)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.S().Fatalw("api server stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.S().Infow("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	runs.StopAll(stopCtx)
	cancel()
}
