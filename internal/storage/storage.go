// Package storage defines the persistence interface for story sessions.
//
// A session persists as its journal plus a little traversal state: the
// cursor, the return stack, and the stream's markers. Graphs are not
// persisted; they are recompiled from the script and the journal replays on
// top. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/story-engine/internal/stream"
)

// ErrNotFound indicates a requested session is missing.
var ErrNotFound = errors.New("session not found")

// SessionState is the persisted form of one story session.
type SessionState struct {
	// UID identifies the session.
	UID string
	// Script names the script the session runs.
	Script string
	// CursorID is the node the traversal rests on.
	CursorID string
	// ReturnStack is the pending return-after stack, bottom first.
	ReturnStack []string
	// Records is the full journal, sorted by seq.
	Records []stream.Record
	// Markers is the journal's bookmark table, keyed by type then name.
	Markers map[string]map[string]int64
}

// Store persists session states.
type Store interface {
	// Save writes a session state, replacing any previous state for the
	// same uid.
	Save(ctx context.Context, state SessionState) error
	// Load reads a session state, or ErrNotFound.
	Load(ctx context.Context, uid string) (SessionState, error)
	// List returns the uids of all persisted sessions.
	List(ctx context.Context) ([]string, error)
	// Close releases the store's resources.
	Close() error
}

// RestoreStream rebuilds a stream from persisted state. Records restore
// with their original sequence numbers; a collision means the persisted
// state is corrupt.
func RestoreStream(state SessionState) (*stream.Stream, error) {
	s := stream.New()
	for _, rec := range state.Records {
		if _, err := s.Restore(rec); err != nil {
			return nil, err
		}
	}
	for markerType, byName := range state.Markers {
		for name, seq := range byName {
			if err := s.SetMarker(name, markerType, seq, true); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}
