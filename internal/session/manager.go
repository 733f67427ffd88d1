package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/script"
	"github.com/louisbranch/story-engine/internal/storage"
)

// ErrSessionUnknown indicates a lookup for a session the manager does not
// hold.
var ErrSessionUnknown = apperrors.New(apperrors.CodeSessionUnknown, "session unknown")

// ScriptLoader resolves a script name to its source, so resumed sessions can
// recompile the script they were created from.
type ScriptLoader func(name string) ([]byte, error)

// Manager holds the live sessions of a process. Sessions run independently;
// the manager only serializes its own map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    storage.Store
	loader   ScriptLoader
}

// NewManager creates a manager. The store may be nil for ephemeral use; the
// loader is required only for Resume.
func NewManager(store storage.Store, loader ScriptLoader) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		loader:   loader,
	}
}

// Create compiles a script and starts a new session over it.
func (m *Manager) Create(ctx context.Context, scriptName string, source []byte) (*Session, error) {
	compiled, err := script.Compile(source, nil)
	if err != nil {
		return nil, err
	}
	s, err := New("", scriptName, compiled)
	if err != nil {
		return nil, err
	}
	if _, err := s.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.UID()] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(uid string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[uid]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", uid, ErrSessionUnknown)
	}
	return s, nil
}

// List returns the uids of live sessions, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uids := make([]string, 0, len(m.sessions))
	for uid := range m.sessions {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Remove drops a live session from the manager.
func (m *Manager) Remove(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[uid]; !ok {
		return fmt.Errorf("session %q: %w", uid, ErrSessionUnknown)
	}
	delete(m.sessions, uid)
	return nil
}

// Save persists a live session to the manager's store.
func (m *Manager) Save(ctx context.Context, uid string) error {
	if m.store == nil {
		return fmt.Errorf("manager has no store configured")
	}
	s, err := m.Get(uid)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, s.State())
}

// Resume loads a persisted session, recompiles its script, and registers it
// as live.
func (m *Manager) Resume(ctx context.Context, uid string) (*Session, error) {
	if m.store == nil {
		return nil, fmt.Errorf("manager has no store configured")
	}
	if m.loader == nil {
		return nil, fmt.Errorf("manager has no script loader configured")
	}
	state, err := m.store.Load(ctx, uid)
	if err != nil {
		return nil, err
	}
	source, err := m.loader(state.Script)
	if err != nil {
		return nil, fmt.Errorf("load script %q: %w", state.Script, err)
	}
	compiled, err := script.Compile(source, nil)
	if err != nil {
		return nil, err
	}
	s, err := Resume(state, compiled)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.UID()] = s
	m.mu.Unlock()
	return s, nil
}
