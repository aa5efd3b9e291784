// Package redis persists session state as JSON blobs in Redis with a
// TTL, matching the volatile-state model of the rest of the system.
// Merges use optimistic WATCH/MULTI so concurrent per-agent updates
// on one session retry instead of clobbering each other.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itinera/itinera/internal/session"
	"github.com/itinera/itinera/internal/store"
)

const (
	keyPrefix = "state:"

	// mergeRetries bounds optimistic transaction retries under
	// contention before giving up.
	mergeRetries = 16
)

// Store is a Redis-backed session store.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis at the given URL and verifies the connection.
func New(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

func key(id string) string { return keyPrefix + id }

func (s *Store) Create(ctx context.Context, state *session.State, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", state.ID, err)
	}
	ok, err := s.client.SetNX(ctx, key(state.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("create session %s: %w", state.ID, err)
	}
	if !ok {
		return store.ErrDuplicateSession
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.State, error) {
	data, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var state session.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &state, nil
}

func (s *Store) Merge(ctx context.Context, id string, fn store.MergeFunc) error {
	k := key(id)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var state session.State
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("unmarshal session %s: %w", id, err)
		}
		if err := fn(&state); err != nil {
			return err
		}
		updated, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", id, err)
		}
		ttl, err := tx.TTL(ctx, k).Result()
		if err != nil {
			return err
		}
		if ttl < 0 {
			ttl = 0 // no expiry recorded; keep the key without one
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, updated, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < mergeRetries; i++ {
		err := s.client.Watch(ctx, txn, k)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("Merge retry after concurrent write", "session_id", id, "attempt", i+1)
	}
	return fmt.Errorf("merge session %s: too many concurrent writes", id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key(id), ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if !ok {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
