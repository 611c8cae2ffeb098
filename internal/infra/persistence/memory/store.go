// Package memory provides an in-process queue snapshot store used for tests
// and ephemeral deployments.
package memory

import (
	"context"
	"sync"

	"beamlinecore/internal/infra/persistence/snapshot"
	"beamlinecore/pkg/domain"
)

// Store keeps the last saved snapshot as encoded buckets, so it behaves like
// the persistent backends (validation and deep copies included).
type Store struct {
	mu      sync.RWMutex
	buckets map[string][]byte
	saves   int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load returns the last saved snapshot.
func (s *Store) Load(_ context.Context) (domain.QueueSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot.Decode(s.buckets)
}

// Save replaces the stored snapshot.
func (s *Store) Save(_ context.Context, snap domain.QueueSnapshot) error {
	buckets, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.buckets = buckets
	s.saves++
	s.mu.Unlock()
	return nil
}

// Saves reports how many snapshots were written.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close implements the store contract; it is a no-op.
func (s *Store) Close() error { return nil }
