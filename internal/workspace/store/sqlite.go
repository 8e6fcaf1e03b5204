package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kosuke/kosuke/internal/db"
)

// SQLiteStore implements Store on the shared SQLite pool.
type SQLiteStore struct {
	pool *db.Pool
}

// NewSQLiteStore creates a SQLite-backed session store and ensures the
// workspace_sessions table exists.
func NewSQLiteStore(pool *db.Pool) (*SQLiteStore, error) {
	store := &SQLiteStore{pool: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspace_sessions (
		session_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		checkout_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'uninitialized',
		container_id TEXT NOT NULL DEFAULT '',
		preview_url TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		last_healthy_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		archived_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_workspace_sessions_project_id ON workspace_sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_workspace_sessions_status ON workspace_sessions(status);
	`

	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Upsert inserts or replaces a session record.
func (s *SQLiteStore) Upsert(ctx context.Context, sess *Session) error {
	if sess.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if sess.Status == "" {
		sess.Status = StatusUninitialized
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO workspace_sessions (
			session_id, project_id, branch, checkout_path, status,
			container_id, preview_url, port, last_healthy_at,
			created_at, updated_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_id = excluded.project_id,
			branch = excluded.branch,
			checkout_path = excluded.checkout_path,
			status = excluded.status,
			container_id = excluded.container_id,
			preview_url = excluded.preview_url,
			port = excluded.port,
			last_healthy_at = excluded.last_healthy_at,
			updated_at = excluded.updated_at,
			archived_at = excluded.archived_at
	`), sess.SessionID, sess.ProjectID, sess.Branch, sess.CheckoutPath, sess.Status,
		sess.ContainerID, sess.PreviewURL, sess.Port, sess.LastHealthyAt,
		sess.CreatedAt, sess.UpdatedAt, sess.ArchivedAt)

	return err
}

// Get returns the session record, or nil when no record exists.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	r := s.pool.Reader()
	sess := &Session{}
	err := r.GetContext(ctx, sess, r.Rebind(`
		SELECT session_id, project_id, branch, checkout_path, status,
			container_id, preview_url, port, last_healthy_at,
			created_at, updated_at, archived_at
		FROM workspace_sessions WHERE session_id = ?
	`), sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateStatus updates only the status column.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, sessionID, status string) error {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE workspace_sessions SET status = ?, updated_at = ? WHERE session_id = ?
	`), status, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// UpdatePreview records the session's container, URL and port.
func (s *SQLiteStore) UpdatePreview(ctx context.Context, sessionID, containerID, previewURL string, port int, healthyAt *time.Time) error {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE workspace_sessions SET
			container_id = ?, preview_url = ?, port = ?, last_healthy_at = ?, updated_at = ?
		WHERE session_id = ?
	`), containerID, previewURL, port, healthyAt, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// ListByProject returns all non-archived sessions for a project.
func (s *SQLiteStore) ListByProject(ctx context.Context, projectID string) ([]*Session, error) {
	r := s.pool.Reader()
	var sessions []*Session
	err := r.SelectContext(ctx, &sessions, r.Rebind(`
		SELECT session_id, project_id, branch, checkout_path, status,
			container_id, preview_url, port, last_healthy_at,
			created_at, updated_at, archived_at
		FROM workspace_sessions
		WHERE project_id = ? AND status != ?
		ORDER BY created_at DESC
	`), projectID, StatusArchived)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListActive returns all sessions whose status is running.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Session, error) {
	r := s.pool.Reader()
	var sessions []*Session
	err := r.SelectContext(ctx, &sessions, r.Rebind(`
		SELECT session_id, project_id, branch, checkout_path, status,
			container_id, preview_url, port, last_healthy_at,
			created_at, updated_at, archived_at
		FROM workspace_sessions WHERE status = ?
	`), StatusRunning)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Archive marks a session archived and stamps archived_at.
func (s *SQLiteStore) Archive(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE workspace_sessions SET
			status = ?, container_id = '', preview_url = '', port = 0,
			archived_at = ?, updated_at = ?
		WHERE session_id = ?
	`), StatusArchived, now, now, sessionID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
