// Package memory provides an in-process Bus used by tests and
// single-binary deployments.
package memory

import (
	"context"
	"log/slog"
	"path"
	"sync"

	"github.com/itinera/itinera/internal/bus"
)

const defaultBufferSize = 64

type subscriber struct {
	id      uint64
	channel string // exact name, empty when pattern is set
	pattern string

	// mu is held across every send so close never races a publisher
	// that still holds a reference to this subscriber.
	mu     sync.Mutex
	closed bool
	ch     chan bus.Delivery
}

// send delivers d unless the subscriber is closed or its buffer is
// full. Reports whether d was accepted or the subscriber is gone; a
// false return means the message was dropped on a live subscriber.
func (s *subscriber) send(d bus.Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- d:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is an in-memory pub/sub transport. Sends to a subscriber whose
// buffer is full are dropped rather than blocking the publisher, the
// same policy a remote broker applies to a slow consumer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	buffer int
	logger *slog.Logger

	dropped uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger used for drop warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates an in-memory bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: defaultBufferSize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers payload to every subscriber matching channel.
// Publishing to a channel with no subscribers is not an error.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	targets := make([]*subscriber, 0, 4)
	for _, sub := range b.subs {
		if sub.matches(channel) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.send(bus.Delivery{Channel: channel, Payload: payload}) {
			continue
		}
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn("Dropped message for slow subscriber",
			"channel", channel,
			"subscriber", sub.id,
		)
	}
	return nil
}

// Subscribe opens a subscription on one exact channel name.
func (b *Bus) Subscribe(_ context.Context, channel string) (*bus.Subscription, error) {
	return b.add(&subscriber{channel: channel})
}

// PSubscribe opens a subscription on a glob pattern.
func (b *Bus) PSubscribe(_ context.Context, pattern string) (*bus.Subscription, error) {
	return b.add(&subscriber{pattern: pattern})
}

func (b *Bus) add(sub *subscriber) (*bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	b.nextID++
	sub.id = b.nextID
	sub.ch = make(chan bus.Delivery, b.buffer)
	b.subs[sub.id] = sub

	id := sub.id
	return bus.NewSubscription(sub.ch, func() { b.remove(id) }), nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// Dropped returns the number of messages discarded for slow
// subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (s *subscriber) matches(channel string) bool {
	if s.pattern != "" {
		ok, err := path.Match(s.pattern, channel)
		return err == nil && ok
	}
	return s.channel == channel
}
