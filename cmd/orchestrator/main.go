package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/api"
	"github.com/itinera/itinera/internal/bus"
	busmemory "github.com/itinera/itinera/internal/bus/memory"
	busredis "github.com/itinera/itinera/internal/bus/redis"
	"github.com/itinera/itinera/internal/config"
	"github.com/itinera/itinera/internal/health"
	"github.com/itinera/itinera/internal/mcptool"
	"github.com/itinera/itinera/internal/orchestrator"
	"github.com/itinera/itinera/internal/store"
	storememory "github.com/itinera/itinera/internal/store/memory"
	storeredis "github.com/itinera/itinera/internal/store/redis"
	storesqlite "github.com/itinera/itinera/internal/store/sqlite"
	"github.com/itinera/itinera/internal/worker"
	"github.com/itinera/itinera/internal/worker/handlers"
)

const appVersion = "0.1.0"

var (
	version      = flag.Bool("version", false, "Print version and exit")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	mcpMode      = flag.String("mcp", "", "Serve MCP tools: 'stdio' or an SSE listen address")
	embedWorkers = flag.Bool("embed-workers", false, "Run all agent workers in this process")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("itinera orchestrator v%s\n", appVersion)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting itinera orchestrator",
		"version", appVersion,
		"bus", cfg.BusBackend,
		"store", cfg.StoreBackend,
		"http_addr", cfg.HTTPAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := loadRegistry(cfg)
	if err != nil {
		logger.Error("Agent registry error", "error", err)
		os.Exit(1)
	}

	transport, err := buildBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("Bus initialization failed", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	sessions, sweep, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Store initialization failed", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	orch := orchestrator.New(transport, sessions, registry, orchestrator.Options{
		SessionTTL:    cfg.SessionTTL,
		GlobalTimeout: cfg.GlobalTimeout,
		EventBuffer:   cfg.StreamBuffer,
	}, logger)
	defer orch.Close()

	monitor := health.NewMonitor(transport, logger)
	go func() {
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Health monitor stopped", "error", err)
		}
	}()

	// The memory bus only reaches subscribers in this process, so it
	// implies embedded workers.
	if *embedWorkers || cfg.BusBackend == config.BackendMemory {
		startEmbeddedWorkers(ctx, transport, cfg, logger)
	}

	if sweep != nil {
		go sweepLoop(ctx, cfg.SweepInterval, sweep, logger)
	}

	if len(cfg.APIKeys) == 0 {
		logger.Warn("HTTP API running without authentication; set ITINERA_API_KEYS to guard it")
	}
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(orch, monitor, transport, logger, api.WithAPIKeys(cfg.APIKeys)).Handler(),
	}
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if *mcpMode != "" {
		mcpServer := mcptool.New("itinera-orchestrator", appVersion, orch, logger)
		go func() {
			var err error
			if *mcpMode == "stdio" {
				err = mcpServer.Serve()
			} else {
				err = mcpServer.ServeSSE(*mcpMode)
			}
			if err != nil {
				logger.Error("MCP server error", "error", err)
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	orch.Close()
	logger.Info("Shutdown complete")
}

func loadRegistry(cfg *config.Config) (*agent.Registry, error) {
	if cfg.AgentRegistryPath == "" {
		return agent.Default(), nil
	}
	return agent.LoadFile(cfg.AgentRegistryPath)
}

func buildBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.BusBackend {
	case config.BackendRedis:
		return busredis.New(ctx, cfg.RedisURL, logger)
	default:
		return busmemory.New(
			busmemory.WithBufferSize(cfg.StreamBuffer),
			busmemory.WithLogger(logger),
		), nil
	}
}

// buildStore returns the store plus an optional sweep function for
// backends that need periodic reaping. Redis expires keys itself.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(context.Context) (int, error), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		st, err := storeredis.New(ctx, cfg.RedisURL, logger)
		return st, nil, err
	case config.BackendSQLite:
		st, err := storesqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Sweep, nil
	default:
		st := storememory.New()
		return st, func(context.Context) (int, error) { return st.Sweep(), nil }, nil
	}
}

func sweepLoop(ctx context.Context, interval time.Duration, sweep func(context.Context) (int, error), logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := sweep(ctx)
			if err != nil {
				logger.Warn("Session sweep failed", "error", err)
				continue
			}
			if reaped > 0 {
				logger.Info("Swept expired sessions", "count", reaped)
			}
		}
	}
}

func startEmbeddedWorkers(ctx context.Context, transport bus.Bus, cfg *config.Config, logger *slog.Logger) {
	for name, h := range handlers.All() {
		w := worker.New(transport, h, worker.Options{
			Concurrency:       cfg.WorkerConcurrency,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, logger)
		go func(name string) {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Embedded worker stopped", "agent", name, "error", err)
			}
		}(name)
	}
	logger.Info("Embedded workers started", "count", len(handlers.All()))
}
