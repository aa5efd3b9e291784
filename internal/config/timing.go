package config

import "time"

// Timing defaults. Every one of these can be overridden through the
// environment; see Load.
const (
	// DefaultSessionTTL is how long a session record stays readable
	// after its last write.
	DefaultSessionTTL = 1 * time.Hour

	// DefaultGlobalTimeout caps a whole planning session regardless of
	// per-agent budgets.
	DefaultGlobalTimeout = 60 * time.Second

	// DefaultHeartbeatInterval is how often workers announce liveness.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultStaleAfter is how long without a heartbeat before the
	// health monitor reports an agent as stale.
	DefaultStaleAfter = 30 * time.Second

	// DefaultSweepInterval is how often store backends reap expired
	// sessions.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultShutdownGrace bounds graceful shutdown on SIGINT/SIGTERM.
	DefaultShutdownGrace = 10 * time.Second

	// DefaultSSEKeepAlive is the idle interval between SSE comment
	// frames that keep proxies from closing the stream.
	DefaultSSEKeepAlive = 15 * time.Second
)
