package replystore

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // sqlite driver

	"replyflow/pkg/logx"
	"replyflow/pkg/reply"
)

// schema keeps body and collection-time text in separate columns instead of
// the combined marker-joined string, so the stored fields never depend on
// the separator parsing.
const schema = `
CREATE TABLE IF NOT EXISTS pending_reply (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	target_id   TEXT NOT NULL,
	body        TEXT NOT NULL,
	collect_text TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	is_new_user INTEGER NOT NULL DEFAULT 0,
	saved_at    INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore persists the reply record in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and prepares the
// schema. SQLite supports a single writer, so the pool is capped at one
// connection.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("replystore")
	logger.Debug("Reply store database initialized: %s", dbPath)

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Read returns the stored record, or nil if none exists.
func (s *SQLiteStore) Read() (*reply.PersistedReply, error) {
	row := s.db.QueryRow(
		`SELECT target_id, body, collect_text, state, is_new_user, saved_at
		 FROM pending_reply WHERE id = 1`)

	var (
		rec         reply.PersistedReply
		body        string
		collectText string
		isNewUser   int
	)
	err := row.Scan(&rec.TargetID, &body, &collectText, &rec.State, &isNewUser, &rec.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reply record: %w", err)
	}

	rec.Message = reply.CombineBody(body, collectText)
	rec.IsNewUser = isNewUser != 0
	return &rec, nil
}

// Write stores the record, replacing any previous one. The combined message
// is split back into its two fields for structured storage.
func (s *SQLiteStore) Write(rec *reply.PersistedReply) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.TargetID == "" {
		return fmt.Errorf("record target id cannot be empty")
	}

	body, collectText := reply.SplitBody(rec.Message)
	isNewUser := 0
	if rec.IsNewUser {
		isNewUser = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO pending_reply (id, target_id, body, collect_text, state, is_new_user, saved_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			target_id = excluded.target_id,
			body = excluded.body,
			collect_text = excluded.collect_text,
			state = excluded.state,
			is_new_user = excluded.is_new_user,
			saved_at = excluded.saved_at`,
		rec.TargetID, body, collectText, string(rec.State), isNewUser, rec.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to write reply record: %w", err)
	}

	return nil
}

// Clear removes the stored record.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM pending_reply WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear reply record: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
