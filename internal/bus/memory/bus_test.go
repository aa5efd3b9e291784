package memory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/itinera/itinera/internal/bus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, sub *bus.Subscription) bus.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return bus.Delivery{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "agent:weather:request")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	if err := b.Publish(ctx, "agent:weather:request", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d := receive(t, sub)
	if string(d.Payload) != "hello" || d.Channel != "agent:weather:request" {
		t.Errorf("delivery = %+v", d)
	}
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	b := New()
	defer b.Close()
	if err := b.Publish(context.Background(), "nobody:listening", []byte("x")); err != nil {
		t.Errorf("publish to empty channel: %v", err)
	}
}

func TestLateSubscriberSeesNoHistory(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "stream:s1", []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	sub, err := b.Subscribe(ctx, "stream:s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	select {
	case d := <-sub.C:
		t.Errorf("late subscriber received %q", d.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPatternSubscription(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.PSubscribe(ctx, "agent:weather:response:*")
	if err != nil {
		t.Fatalf("psubscribe: %v", err)
	}
	defer sub.Cancel()

	if err := b.Publish(ctx, "agent:weather:response:s1", []byte("match")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "agent:maps:response:s1", []byte("no match")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := receive(t, sub)
	if string(d.Payload) != "match" {
		t.Errorf("pattern matched wrong message: %q", d.Payload)
	}
	select {
	case d := <-sub.C:
		t.Errorf("unexpected second delivery: %q", d.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New(WithBufferSize(1))
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "c")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	// Nobody reads; the second publish overflows the buffer.
	_ = b.Publish(ctx, "c", []byte("1"))
	_ = b.Publish(ctx, "c", []byte("2"))

	if got := b.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if d := receive(t, sub); string(d.Payload) != "1" {
		t.Errorf("kept delivery = %q", d.Payload)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "c")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Cancel()
	sub.Cancel() // safe to repeat

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after cancel")
	}
	if err := b.Publish(ctx, "c", []byte("x")); err != nil {
		t.Errorf("publish after cancel: %v", err)
	}
}

// A publisher that snapshotted a subscriber must never hit a closed
// delivery channel, no matter how the subscription goes away.
func TestPublishRacesSubscriptionCancel(t *testing.T) {
	b := New(WithBufferSize(1), WithLogger(quietLogger()))
	defer b.Close()
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.Publish(ctx, "contested", []byte("x"))
			}
		}
	}()

	for i := 0; i < 500; i++ {
		sub, err := b.Subscribe(ctx, "contested")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		sub.Cancel()
	}
	close(stop)
	wg.Wait()
}

func TestPublishRacesBusClose(t *testing.T) {
	b := New(WithBufferSize(1), WithLogger(quietLogger()))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := b.Subscribe(ctx, "contested"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10000; j++ {
			if err := b.Publish(ctx, "contested", []byte("x")); err != nil {
				return // bus closed underneath us
			}
		}
	}()
	_ = b.Close()
	wg.Wait()
}

func TestCloseClosesSubscriptions(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(context.Background(), "c")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Error("subscription open after bus close")
	}
	if err := b.Publish(context.Background(), "c", []byte("x")); err != bus.ErrClosed {
		t.Errorf("publish after close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(context.Background(), "c"); err != bus.ErrClosed {
		t.Errorf("subscribe after close = %v, want ErrClosed", err)
	}
}
