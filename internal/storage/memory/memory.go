// Package memory provides an in-memory session store, used by tests and
// ephemeral sessions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/louisbranch/story-engine/internal/storage"
)

// Store keeps session states in memory. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{sessions: make(map[string][]byte)}
}

// Save implements storage.Store. States round-trip through the persistence
// codec so the store never aliases live session data.
func (s *Store) Save(_ context.Context, state storage.SessionState) error {
	if state.UID == "" {
		return fmt.Errorf("session uid is required")
	}
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.UID] = encoded
	return nil
}

// Load implements storage.Store.
func (s *Store) Load(_ context.Context, uid string) (storage.SessionState, error) {
	s.mu.RLock()
	encoded, ok := s.sessions[uid]
	s.mu.RUnlock()
	if !ok {
		return storage.SessionState{}, fmt.Errorf("session %q: %w", uid, storage.ErrNotFound)
	}
	return decodeState(uid, encoded)
}

// List implements storage.Store.
func (s *Store) List(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uids := make([]string, 0, len(s.sessions))
	for uid := range s.sessions {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids, nil
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }
