package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"formation_tracker/internal/deltasync"
)

// SessionDB persists sync sessions in SQLite so clients survive a
// process restart without a full resync.
type SessionDB struct {
	db *sql.DB
}

// OpenSessions opens or creates the session database at the given path.
func OpenSessions(path string) (*SessionDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Create schema.
	if err := createSessionSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SessionDB{db: db}, nil
}

// Close closes the database connection.
func (d *SessionDB) Close() error {
	return d.db.Close()
}

// createSessionSchema creates the session table and indices.
func createSessionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_sessions (
		session_id   TEXT PRIMARY KEY,
		client_id    TEXT NOT NULL,
		target_ids   TEXT NOT NULL DEFAULT '[]',
		versions     TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL,
		last_pull_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_sessions_last_pull ON sync_sessions(last_pull_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save upserts one session row. Subscriptions and version vectors are
// stored as JSON text.
func (d *SessionDB) Save(ctx context.Context, s deltasync.Session) error {
	targetIDs, err := json.Marshal(s.TargetIDs)
	if err != nil {
		return fmt.Errorf("marshal target ids: %w", err)
	}
	versions, err := json.Marshal(s.Versions)
	if err != nil {
		return fmt.Errorf("marshal versions: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (session_id, client_id, target_ids, versions, created_at, last_pull_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			client_id = excluded.client_id,
			target_ids = excluded.target_ids,
			versions = excluded.versions,
			last_pull_at = excluded.last_pull_at
	`, s.ID, s.ClientID, string(targetIDs), string(versions), s.CreatedAt.UnixMilli(), s.LastPullAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load retrieves a session by id.
func (d *SessionDB) Load(ctx context.Context, id string) (deltasync.Session, error) {
	var (
		s                   deltasync.Session
		targetIDs, versions string
		createdAt, lastPull int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT session_id, client_id, target_ids, versions, created_at, last_pull_at
		FROM sync_sessions WHERE session_id = ?
	`, id).Scan(&s.ID, &s.ClientID, &targetIDs, &versions, &createdAt, &lastPull)
	if err != nil {
		if err == sql.ErrNoRows {
			return deltasync.Session{}, deltasync.ErrSessionNotFound
		}
		return deltasync.Session{}, fmt.Errorf("load session: %w", err)
	}

	if err := json.Unmarshal([]byte(targetIDs), &s.TargetIDs); err != nil {
		return deltasync.Session{}, fmt.Errorf("decode target ids: %w", err)
	}
	if err := json.Unmarshal([]byte(versions), &s.Versions); err != nil {
		return deltasync.Session{}, fmt.Errorf("decode versions: %w", err)
	}
	if s.Versions == nil {
		s.Versions = make(map[string]int64)
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.LastPullAt = time.UnixMilli(lastPull).UTC()
	return s, nil
}

// Delete removes a session row. Deleting an unknown id is not an error.
func (d *SessionDB) Delete(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sync_sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions whose last pull is before cutoff and
// reports how many went away.
func (d *SessionDB) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM sync_sessions WHERE last_pull_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
