package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/itinera/itinera/internal/bus"
	busmemory "github.com/itinera/itinera/internal/bus/memory"
	busredis "github.com/itinera/itinera/internal/bus/redis"
	"github.com/itinera/itinera/internal/config"
	"github.com/itinera/itinera/internal/worker"
	"github.com/itinera/itinera/internal/worker/handlers"
)

const appVersion = "0.1.0"

var (
	version   = flag.Bool("version", false, "Print version and exit")
	debug     = flag.Bool("debug", false, "Enable debug logging")
	agentFlag = flag.String("agent", "all", "Agent to serve (weather, events, maps, budget, itinerary, or all)")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("itinera worker v%s\n", appVersion)
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

	selected, err := selectHandlers(*agentFlag)
	if err != nil {
		logger.Error("Agent selection error", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting itinera worker",
		"version", appVersion,
		"bus", cfg.BusBackend,
		"agent", *agentFlag,
		"concurrency", cfg.WorkerConcurrency,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := buildBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("Bus initialization failed", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	if cfg.BusBackend == config.BackendMemory {
		logger.Warn("Memory bus is process local; a standalone worker on it will never see requests")
	}

	var wg sync.WaitGroup
	for name, h := range selected {
		w := worker.New(transport, h, worker.Options{
			Concurrency:       cfg.WorkerConcurrency,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, logger)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Worker stopped", "agent", name, "error", err)
				cancel()
			}
		}(name)
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
	wg.Wait()
	logger.Info("Shutdown complete")
}

func selectHandlers(name string) (map[string]worker.Handler, error) {
	all := handlers.All()
	if name == "all" {
		return all, nil
	}
	h, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return map[string]worker.Handler{name: h}, nil
}

func buildBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.BusBackend {
	case config.BackendRedis:
		return busredis.New(ctx, cfg.RedisURL, logger)
	default:
		return busmemory.New(busmemory.WithLogger(logger)), nil
	}
}
