package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/ticketchat/internal/models"
)

// migrations defines the cache schema. Version is tracked in the
// schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS conversations (
    id        TEXT PRIMARY KEY,
    saved_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transcript_messages (
    conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    id               TEXT NOT NULL,
    position         INTEGER NOT NULL,
    sender_id        TEXT NOT NULL DEFAULT '',
    sender_name      TEXT NOT NULL DEFAULT '',
    sender_role      TEXT NOT NULL DEFAULT '',
    employee_code    TEXT NOT NULL DEFAULT '',
    content          TEXT NOT NULL,
    created_at       TEXT NOT NULL,
    is_local_origin  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (conversation_id, id)
);
CREATE INDEX IF NOT EXISTS idx_transcript_position ON transcript_messages(conversation_id, position ASC);
`,
	},
}

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// applies pending migrations. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" to a single database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) SaveTranscript(ctx context.Context, conversationID string, messages []models.ConversationMessage) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations(id, saved_at) VALUES(?, ?)
		ON CONFLICT(id) DO UPDATE SET saved_at=excluded.saved_at`,
		conversationID, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conversationID, err)
	}

	for i, m := range messages {
		local := 0
		if m.IsLocalOrigin {
			local = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transcript_messages
			    (conversation_id, id, position, sender_id, sender_name, sender_role, employee_code, content, created_at, is_local_origin)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, id) DO UPDATE SET
			    position=excluded.position,
			    sender_id=excluded.sender_id,
			    sender_name=excluded.sender_name,
			    sender_role=excluded.sender_role,
			    employee_code=excluded.employee_code,
			    content=excluded.content,
			    created_at=excluded.created_at,
			    is_local_origin=excluded.is_local_origin`,
			conversationID, m.ID, i, m.SenderID, m.SenderName, m.SenderRole, m.SenderEmployeeCode,
			m.Content, formatTime(m.CreatedAt), local,
		)
		if err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) LoadTranscript(ctx context.Context, conversationID string) ([]models.ConversationMessage, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id=?`, conversationID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, sender_name, sender_role, employee_code, content, created_at, is_local_origin
		FROM transcript_messages WHERE conversation_id=? ORDER BY position ASC, created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]models.ConversationMessage, 0)
	for rows.Next() {
		m := models.ConversationMessage{
			ConversationID: conversationID,
			DeliveryState:  models.DeliveryConfirmed,
		}
		var ts string
		var local int
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.SenderRole, &m.SenderEmployeeCode, &m.Content, &ts, &local); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = parseTime(ts)
		m.IsLocalOrigin = local == 1
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *sqliteStore) ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.saved_at, COUNT(m.id), COALESCE(MAX(m.created_at), '')
		FROM conversations c
		LEFT JOIN transcript_messages m ON m.conversation_id = c.id
		GROUP BY c.id, c.saved_at
		ORDER BY c.saved_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ConversationSummary
	for rows.Next() {
		var sum ConversationSummary
		var savedAt, last string
		if err := rows.Scan(&sum.ID, &savedAt, &sum.MessageCount, &last); err != nil {
			return nil, err
		}
		sum.SavedAt, _ = parseTime(savedAt)
		if last != "" {
			sum.LastMessageAt, _ = parseTime(last)
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteTranscript(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, conversationID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// formatTime stores times as UTC RFC 3339 so lexical order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("cannot parse time " + s)
}
