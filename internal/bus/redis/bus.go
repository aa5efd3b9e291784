// Package redis backs the Bus with Redis PUBLISH/SUBSCRIBE, the
// transport the system runs on when orchestrator and workers are
// separate processes.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/itinera/itinera/internal/bus"
)

const subscriberBufferSize = 64

// Bus is a Redis-backed pub/sub transport.
type Bus struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New connects to Redis at the given URL and verifies the connection.
func New(ctx context.Context, url string, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Bus{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client, mainly for tests against a
// shared connection.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

// Publish sends payload on channel. Redis reports subscriber count;
// zero subscribers is not an error by contract.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on one exact channel name.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.mu.Unlock()
	return b.pump(ctx, pubsub, channel)
}

// PSubscribe opens a subscription on a glob pattern using Redis
// PSUBSCRIBE semantics.
func (b *Bus) PSubscribe(ctx context.Context, pattern string) (*bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	pubsub := b.client.PSubscribe(ctx, pattern)
	b.mu.Unlock()
	return b.pump(ctx, pubsub, pattern)
}

// pump forwards Redis pub/sub messages into a Delivery channel until
// the subscription is cancelled or the connection drops.
func (b *Bus) pump(ctx context.Context, pubsub *redis.PubSub, name string) (*bus.Subscription, error) {
	// Wait for the subscription to be confirmed so publishes issued
	// immediately afterwards are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("confirm subscription %s: %w", name, err)
	}

	out := make(chan bus.Delivery, subscriberBufferSize)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- bus.Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Debug("Error closing subscription", "channel", name, "error", err)
		}
	}
	return bus.NewSubscription(out, cancel), nil
}

// Close shuts down the Redis connection; in-flight pumps drain and
// close their delivery channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.client.Close()
	b.wg.Wait()
	return err
}
