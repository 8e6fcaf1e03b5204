package revert

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kosuke/kosuke/internal/db"
)

// SQLiteHistory implements ChatHistory on the shared SQLite pool. Records
// are written by the chat pipeline whenever an agent turn lands a commit.
type SQLiteHistory struct {
	pool *db.Pool
}

// NewSQLiteHistory creates the message-to-commit lookup table.
func NewSQLiteHistory(pool *db.Pool) (*SQLiteHistory, error) {
	store := &SQLiteHistory{pool: pool}
	schema := `
	CREATE TABLE IF NOT EXISTS session_messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		commit_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages_session_id ON session_messages(session_id);
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize message schema: %w", err)
	}
	return store, nil
}

// RecordMessage stores the commit produced by a message. An empty commit
// hash records a turn that changed nothing.
func (s *SQLiteHistory) RecordMessage(ctx context.Context, sessionID, messageID, commitHash string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO session_messages (message_id, session_id, commit_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET commit_hash = excluded.commit_hash
	`), messageID, sessionID, commitHash, time.Now().UTC())
	return err
}

// CommitForMessage returns the commit recorded for a message. An empty
// string with a nil error means the message produced no commit.
func (s *SQLiteHistory) CommitForMessage(ctx context.Context, sessionID, messageID string) (string, error) {
	r := s.pool.Reader()
	var commit sql.NullString
	err := r.GetContext(ctx, &commit, r.Rebind(`
		SELECT commit_hash FROM session_messages
		WHERE message_id = ? AND session_id = ?
	`), messageID, sessionID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err != nil {
		return "", err
	}
	return commit.String, nil
}

// Ensure SQLiteHistory implements ChatHistory.
var _ ChatHistory = (*SQLiteHistory)(nil)
