// Package docmem is an in-memory core.DocStore for tests and
// ephemeral deployments.
package docmem

import (
	"context"
	"sync"
)

// Store keeps documents in a process-local map.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// New creates an empty store.
func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// Get returns the value stored at key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.docs[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Put stores value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.docs[key] = stored
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}
