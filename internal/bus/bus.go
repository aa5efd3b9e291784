// Package bus defines the publish/subscribe transport the orchestrator
// and workers communicate over. The transport is volatile: delivery
// reaches only current subscribers, and late subscribers see no
// history. That property is why dispatch always opens its response
// subscriptions before publishing any request.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a bus that has been shut down.
var ErrClosed = errors.New("bus is closed")

// Delivery is one message received on a subscription.
type Delivery struct {
	Channel string
	Payload []byte
}

// Subscription is a live handle on one channel or pattern. C yields
// deliveries until Cancel is called or the bus closes, at which point
// C is closed.
type Subscription struct {
	C      <-chan Delivery
	cancel func()
}

// NewSubscription wraps a delivery channel and its teardown function.
// Implementations call this; consumers only use C and Cancel.
func NewSubscription(ch <-chan Delivery, cancel func()) *Subscription {
	return &Subscription{C: ch, cancel: cancel}
}

// Cancel releases the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus is the channel transport contract. Publish succeeds silently
// when nobody is listening. Ordering is preserved per channel as
// observed by the transport; nothing is guaranteed across channels.
type Bus interface {
	// Publish delivers payload to all current subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on one exact channel name.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)

	// PSubscribe opens a subscription on a glob pattern over channel
	// names ('*' matches any run of characters).
	PSubscribe(ctx context.Context, pattern string) (*Subscription, error)

	// Close shuts the bus down and closes all subscriptions.
	Close() error
}
