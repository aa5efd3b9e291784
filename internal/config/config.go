// Package config centralizes runtime configuration for the
// orchestrator and worker binaries. Values come from environment
// variables with compiled-in defaults; flags on the binaries only
// cover debug logging and listen addresses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted for the bus and store.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Non-timing defaults.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultSQLitePath        = "itinera.db"
	DefaultWorkerConcurrency = 8
	DefaultStreamBuffer      = 64
)

// Config holds everything both binaries need to wire their backends.
type Config struct {
	BusBackend   string
	StoreBackend string
	RedisURL     string
	SQLitePath   string

	HTTPAddr string

	// APIKeys guards the HTTP API when non-empty. Empty leaves the
	// surface open, for local single-binary runs.
	APIKeys []string

	SessionTTL        time.Duration
	GlobalTimeout     time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	ShutdownGrace     time.Duration

	WorkerConcurrency int
	StreamBuffer      int

	// AgentRegistryPath optionally points at a YAML agent registry.
	// Empty means the built-in default registry.
	AgentRegistryPath string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		BusBackend:        envString("ITINERA_BUS", BackendMemory),
		StoreBackend:      envString("ITINERA_STORE", BackendMemory),
		RedisURL:          envString("ITINERA_REDIS_URL", DefaultRedisURL),
		SQLitePath:        envString("ITINERA_SQLITE_PATH", DefaultSQLitePath),
		HTTPAddr:          envString("ITINERA_HTTP_ADDR", DefaultHTTPAddr),
		APIKeys:           envList("ITINERA_API_KEYS"),
		AgentRegistryPath: envString("ITINERA_AGENTS_FILE", ""),
	}

	var err error
	if cfg.SessionTTL, err = envDuration("ITINERA_SESSION_TTL", DefaultSessionTTL); err != nil {
		return nil, err
	}
	if cfg.GlobalTimeout, err = envDuration("ITINERA_GLOBAL_TIMEOUT", DefaultGlobalTimeout); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = envDuration("ITINERA_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = envDuration("ITINERA_STALE_AFTER", DefaultStaleAfter); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("ITINERA_SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = envDuration("ITINERA_SHUTDOWN_GRACE", DefaultShutdownGrace); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = envInt("ITINERA_WORKER_CONCURRENCY", DefaultWorkerConcurrency); err != nil {
		return nil, err
	}
	if cfg.StreamBuffer, err = envInt("ITINERA_STREAM_BUFFER", DefaultStreamBuffer); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.BusBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown bus backend %q", c.BusBackend)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.GlobalTimeout <= 0 {
		return fmt.Errorf("global timeout must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
