// Package sqlite provides a SQLite-backed session store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/louisbranch/story-engine/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/story-engine/internal/storage"
	"github.com/louisbranch/story-engine/internal/storage/sqlite/migrations"
)

// Store persists session state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save implements storage.Store. The session's rows are rewritten in one
// transaction; journals are small enough that a full rewrite beats diffing.
func (s *Store) Save(ctx context.Context, state storage.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(state.UID) == "" {
		return fmt.Errorf("session uid is required")
	}

	stack, err := json.Marshal(state.ReturnStack)
	if err != nil {
		return fmt.Errorf("marshal return stack: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (uid, script, cursor_id, return_stack, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(uid) DO UPDATE SET
    script = excluded.script,
    cursor_id = excluded.cursor_id,
    return_stack = excluded.return_stack,
    updated_at = excluded.updated_at
`, state.UID, state.Script, state.CursorID, string(stack), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_records WHERE session_uid = ?`, state.UID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	for _, rec := range state.Records {
		encoded, err := storage.EncodeRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_records (session_uid, seq, record) VALUES (?, ?, ?)`,
			state.UID, rec.Seq, string(encoded))
		if err != nil {
			return fmt.Errorf("insert record seq %d: %w", rec.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_markers WHERE session_uid = ?`, state.UID); err != nil {
		return fmt.Errorf("clear markers: %w", err)
	}
	for markerType, byName := range state.Markers {
		for name, seq := range byName {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO session_markers (session_uid, marker_type, name, seq) VALUES (?, ?, ?, ?)`,
				state.UID, markerType, name, seq)
			if err != nil {
				return fmt.Errorf("insert marker %s/%s: %w", markerType, name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load implements storage.Store.
func (s *Store) Load(ctx context.Context, uid string) (storage.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionState{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionState{}, fmt.Errorf("storage is not configured")
	}

	state := storage.SessionState{UID: uid}
	var stack string
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT script, cursor_id, return_stack FROM sessions WHERE uid = ?`, uid)
	if err := row.Scan(&state.Script, &state.CursorID, &stack); err != nil {
		if err == sql.ErrNoRows {
			return storage.SessionState{}, fmt.Errorf("session %q: %w", uid, storage.ErrNotFound)
		}
		return storage.SessionState{}, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(stack), &state.ReturnStack); err != nil {
		return storage.SessionState{}, fmt.Errorf("unmarshal return stack: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT record FROM session_records WHERE session_uid = ? ORDER BY seq`, uid)
	if err != nil {
		return storage.SessionState{}, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return storage.SessionState{}, fmt.Errorf("scan record: %w", err)
		}
		rec, err := storage.DecodeRecord([]byte(encoded))
		if err != nil {
			return storage.SessionState{}, err
		}
		state.Records = append(state.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return storage.SessionState{}, fmt.Errorf("iterate records: %w", err)
	}

	markerRows, err := s.sqlDB.QueryContext(ctx,
		`SELECT marker_type, name, seq FROM session_markers WHERE session_uid = ?`, uid)
	if err != nil {
		return storage.SessionState{}, fmt.Errorf("load markers: %w", err)
	}
	defer markerRows.Close()
	for markerRows.Next() {
		var markerType, name string
		var seq int64
		if err := markerRows.Scan(&markerType, &name, &seq); err != nil {
			return storage.SessionState{}, fmt.Errorf("scan marker: %w", err)
		}
		if state.Markers == nil {
			state.Markers = make(map[string]map[string]int64)
		}
		if state.Markers[markerType] == nil {
			state.Markers[markerType] = make(map[string]int64)
		}
		state.Markers[markerType][name] = seq
	}
	if err := markerRows.Err(); err != nil {
		return storage.SessionState{}, fmt.Errorf("iterate markers: %w", err)
	}

	return state, nil
}

// List implements storage.Store.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT uid FROM sessions ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}
