// Package store defines the session state persistence contract. A
// session record lives under a TTL; reads after expiry behave exactly
// like reads after deletion.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/itinera/itinera/internal/session"
)

var (
	// ErrSessionNotFound is returned for unknown, deleted, or expired
	// session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when creating a session whose id
	// already exists.
	ErrDuplicateSession = errors.New("session already exists")
)

// MergeFunc mutates a session state in place during a read-modify-write.
// Implementations apply it under a per-session critical section so
// concurrent merges for different agents never clobber each other.
type MergeFunc func(*session.State) error

// Store is the session persistence contract.
type Store interface {
	// Create persists a new session with the given TTL. Fails with
	// ErrDuplicateSession if the id exists.
	Create(ctx context.Context, state *session.State, ttl time.Duration) error

	// Get returns a snapshot of the session state, or
	// ErrSessionNotFound after expiry or deletion.
	Get(ctx context.Context, id string) (*session.State, error)

	// Merge applies fn to the stored state atomically with respect to
	// other merges on the same session.
	Merge(ctx context.Context, id string, fn MergeFunc) error

	// Delete removes the session. Idempotent.
	Delete(ctx context.Context, id string) error

	// Touch extends the session's TTL.
	Touch(ctx context.Context, id string, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}
