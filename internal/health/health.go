// Package health tracks worker liveness from heartbeat envelopes on
// the shared health channel. The monitor is informational only:
// dispatch never consults it, so a quiet health channel cannot stall
// planning.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/itinera/itinera/internal/bus"
	"github.com/itinera/itinera/internal/channel"
	"github.com/itinera/itinera/internal/message"
)

// AgentHealth is one agent's last observed liveness.
type AgentHealth struct {
	Agent         string    `json:"agent"`
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	LastSeen      time.Time `json:"last_seen"`
	Heartbeats    uint64    `json:"heartbeats"`
}

// Monitor consumes the health channel and keeps a per-agent snapshot.
type Monitor struct {
	bus    bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*AgentHealth
	now    func() time.Time
}

// NewMonitor creates a monitor; Run must be called to start consuming.
func NewMonitor(b bus.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		bus:    b,
		logger: logger,
		agents: make(map[string]*AgentHealth),
		now:    time.Now,
	}
}

// Run subscribes to the health channel and consumes heartbeats until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	sub, err := m.bus.Subscribe(ctx, channel.Health)
	if err != nil {
		return fmt.Errorf("subscribe to health channel: %w", err)
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-sub.C:
			if !ok {
				return bus.ErrClosed
			}
			m.observe(d.Payload)
		}
	}
}

func (m *Monitor) observe(payload []byte) {
	env, err := message.Decode(payload)
	if err != nil || env.Action != message.ActionHealthCheck || env.Agent == "" {
		m.logger.Debug("Ignoring malformed heartbeat")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.agents[env.Agent]
	if !ok {
		h = &AgentHealth{Agent: env.Agent}
		m.agents[env.Agent] = h
		m.logger.Info("Agent heartbeat first seen", "agent", env.Agent)
	}
	h.Status = env.Status
	h.UptimeSeconds = env.UptimeSeconds
	h.LastSeen = m.now()
	h.Heartbeats++
}

// Agents returns a snapshot sorted by agent name.
func (m *Monitor) Agents() []AgentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentHealth, 0, len(m.agents))
	for _, h := range m.agents {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Stale lists agents whose last heartbeat is older than maxAge.
func (m *Monitor) Stale(maxAge time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := m.now().Add(-maxAge)
	var out []string
	for name, h := range m.agents {
		if h.LastSeen.Before(cutoff) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
