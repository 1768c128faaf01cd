package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	apiPkg "github.com/revued-io/revued/internal/api"
	"github.com/revued-io/revued/internal/config"
	"github.com/revued-io/revued/internal/health"
	"github.com/revued-io/revued/internal/metrics"
	"github.com/revued-io/revued/internal/session"
	"github.com/revued-io/revued/internal/transport"
	"github.com/revued-io/revued/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("revued starting", "store", cfg.Orchestrator.Store, "agents", len(cfg.Services))

	// 1. Session store
	var store session.Store
	var sqliteStore *session.SQLiteStore
	switch cfg.Orchestrator.Store {
	case "sqlite":
		os.MkdirAll(cfg.Orchestrator.DataDir, 0o755)
		dbPath := cfg.Orchestrator.DataDir + "/runs.db"
		sqliteStore, err = session.NewSQLiteStore(dbPath)
		if err != nil {
			logger.Error("failed to open session store", "path", dbPath, "error", err)
			os.Exit(1)
		}
		store = sqliteStore
	default:
		store = session.NewMemoryStore()
	}

	// 2. Transport with call metrics
	buf := metrics.New(2000)
	addresses := cfg.Addresses()
	client := transport.New(
		addresses,
		time.Duration(cfg.Orchestrator.CallTimeoutSecs)*time.Second,
		logger.With("component", "transport"),
		buf,
	)

	// 3. Workflow machine
	machine := workflow.New(store, client, workflow.Config{
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
		CallTimeout: time.Duration(cfg.Orchestrator.CallTimeoutSecs) * time.Second,
		BackoffBase: time.Duration(cfg.Orchestrator.BackoffMillis) * time.Millisecond,
		RunDeadline: time.Duration(cfg.Orchestrator.RunDeadlineSecs) * time.Second,
	}, logger.With("component", "workflow"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Agent health monitor
	monitor := health.New(addresses, logger)
	go safeGo(logger, "health-monitor", func() { monitor.Start(ctx, cfg.Health.Schedule) })

	// 5. API server
	apiSrv := apiPkg.NewServer(machine, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), buf, monitor)
	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 6. Graceful shutdown: stop accepting, then let in-flight runs finish
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	machine.Wait()
	if sqliteStore != nil {
		sqliteStore.Close()
	}
	logger.Info("revued stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
