// Package memory provides an in-process session store with TTL
// semantics, used by tests and single-binary deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/itinera/itinera/internal/session"
	"github.com/itinera/itinera/internal/store"
)

type entry struct {
	state     *session.State
	expiresAt time.Time
}

// Store is an in-memory session store. Expired entries are treated as
// absent on read and reaped by Sweep.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (s *Store) Create(_ context.Context, state *session.State, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[state.ID]; ok && s.now().Before(e.expiresAt) {
		return store.ErrDuplicateSession
	}
	s.entries[state.ID] = &entry{
		state:     state.Clone(),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.liveLocked(id)
	if err != nil {
		return nil, err
	}
	return e.state.Clone(), nil
}

func (s *Store) Merge(_ context.Context, id string, fn store.MergeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	return fn(e.state)
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *Store) Touch(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	e.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *Store) Close() error { return nil }

// Sweep removes expired entries and returns how many were reaped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	reaped := 0
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			reaped++
		}
	}
	return reaped
}

// liveLocked returns the entry for id if it exists and has not
// expired, lazily deleting expired entries.
func (s *Store) liveLocked(id string) (*entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, id)
		return nil, store.ErrSessionNotFound
	}
	return e, nil
}
