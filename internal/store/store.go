// Package store persists sessions to a local SQLite database: schema
// migrations, session upsert, append-only message history, and
// retention/cleanup sweeps.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ionengine/internal/provider"
	"ionengine/internal/session"
)

// ErrNotFound is returned by Load when the session does not exist.
var ErrNotFound = errors.New("store: session not found")

// Summary is a lightweight listing row, without the full message history.
type Summary struct {
	ID          string
	WorkingDir  string
	Model       string
	UpdatedAt   time.Time
	FirstPrompt string
}

// Store wraps a SQLite connection with the session schema.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL mode and foreign keys, and runs any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid driver-level contention

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	if version < 1 {
		if _, err := s.db.Exec(schemaV1); err != nil {
			return fmt.Errorf("store: migrate v1: %w", err)
		}
	}
	if version < 2 {
		if _, err := s.db.Exec(schemaV2); err != nil {
			return fmt.Errorf("store: migrate v2: %w", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version=%d`, schemaVersion)); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}
	return nil
}

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	working_dir TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	role TEXT NOT NULL,
	content_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, position)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS input_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_input_history_created ON input_history(created_at);
`

// storedMessage is the JSON-serialized shape of provider.Message on disk.
type storedMessage struct {
	Role    provider.Role           `json:"role"`
	Content []provider.ContentBlock `json:"content"`
}

// Save persists sess: an upsert of the session row, then an append of any
// messages beyond the highest position already stored. Sessions with no
// User-role message are skipped rather than persisted.
//
// The write lock is taken with a raw BEGIN IMMEDIATE on a single checked-out
// connection rather than sql.DB.BeginTx, which issues its own BEGIN and
// leaves BEGIN IMMEDIATE rejected as a nested transaction. All statements
// in between run on that same connection, matching ion/src/session/
// store.rs's save().
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	if !sess.HasUserMessage() {
		return nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: checkout connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("store: begin immediate: %w", err)
	}

	if err := s.saveLocked(ctx, conn, sess); err != nil {
		if _, rbErr := conn.ExecContext(ctx, `ROLLBACK`); rbErr != nil {
			return fmt.Errorf("store: rollback after %v: %w", err, rbErr)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// saveLocked runs the upsert and message-append statements on conn, which
// must already hold the write lock from a BEGIN IMMEDIATE.
func (s *Store) saveLocked(ctx context.Context, conn *sql.Conn, sess *session.Session) error {
	now := time.Now().Unix()
	_, err := conn.ExecContext(ctx, `
		INSERT INTO sessions (id, working_dir, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET working_dir=excluded.working_dir, model=excluded.model, updated_at=excluded.updated_at
	`, sess.ID, sess.WorkingDir, sess.Model, now, now)
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}

	var maxPos sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT MAX(position) FROM messages WHERE session_id = ?`, sess.ID).Scan(&maxPos); err != nil {
		return fmt.Errorf("store: read max position: %w", err)
	}
	start := 0
	if maxPos.Valid {
		start = int(maxPos.Int64) + 1
	}

	history := sess.History()
	for pos := start; pos < len(history); pos++ {
		m := history[pos]
		raw, err := json.Marshal(storedMessage{Role: m.Role, Content: m.Content})
		if err != nil {
			return fmt.Errorf("store: marshal message: %w", err)
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO messages (session_id, position, role, content_json, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, sess.ID, pos, string(m.Role), string(raw), now); err != nil {
			return fmt.Errorf("store: insert message: %w", err)
		}
	}

	return nil
}

// Load rebuilds a session from its persisted rows.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	var workingDir, model string
	err := s.db.QueryRowContext(ctx, `SELECT working_dir, model FROM sessions WHERE id = ?`, id).Scan(&workingDir, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT content_json FROM messages WHERE session_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer rows.Close()

	sess := session.New(id, workingDir, model, false)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		var sm storedMessage
		if err := json.Unmarshal([]byte(raw), &sm); err != nil {
			return nil, fmt.Errorf("store: unmarshal message: %w", err)
		}
		sess.Append(provider.Message{Role: sm.Role, Content: sm.Content})
	}
	return sess, rows.Err()
}

// ListRecent returns up to limit sessions ordered by most recently
// updated.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.working_dir, s.model, s.updated_at,
			COALESCE((SELECT content_json FROM messages m WHERE m.session_id = s.id AND m.role = 'user' ORDER BY m.position ASC LIMIT 1), '')
		FROM sessions s
		ORDER BY s.updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var id, workingDir, model, firstJSON string
		var updatedAt int64
		if err := rows.Scan(&id, &workingDir, &model, &updatedAt, &firstJSON); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		out = append(out, Summary{
			ID: id, WorkingDir: workingDir, Model: model,
			UpdatedAt:   time.Unix(updatedAt, 0),
			FirstPrompt: truncatePrompt(firstJSON),
		})
	}
	return out, rows.Err()
}

func truncatePrompt(contentJSON string) string {
	if contentJSON == "" {
		return ""
	}
	var sm storedMessage
	if err := json.Unmarshal([]byte(contentJSON), &sm); err != nil {
		return ""
	}
	text := provider.Message{Content: sm.Content}.Text()
	if len(text) > 100 {
		return text[:100]
	}
	return text
}

// PruneEmptySessions deletes sessions with no messages.
func (s *Store) PruneEmptySessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id NOT IN (SELECT DISTINCT session_id FROM messages)
	`)
	if err != nil {
		return 0, fmt.Errorf("store: prune empty sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CleanupOld deletes sessions not updated within the last retentionDays
// days. retentionDays == 0 disables cleanup.
func (s *Store) CleanupOld(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays == 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup old sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// maxInputHistory bounds the input_history ring buffer.
const maxInputHistory = 100

// RecordInput appends text to the bounded input-history ring used by the
// CLI's prompt line editor.
func (s *Store) RecordInput(ctx context.Context, text string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO input_history (content, created_at) VALUES (?, ?)`, text, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: record input: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM input_history WHERE id NOT IN (
			SELECT id FROM input_history ORDER BY created_at DESC LIMIT ?
		)
	`, maxInputHistory)
	if err != nil {
		return fmt.Errorf("store: trim input history: %w", err)
	}
	return nil
}
