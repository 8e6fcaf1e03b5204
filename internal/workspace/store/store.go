// Package store persists session workspace records so the orchestrator can
// reconcile container and checkout state across restarts.
package store

import (
	"context"
	"time"
)

// Session status values.
const (
	StatusUninitialized = "uninitialized"
	StatusReady         = "ready"
	StatusRunning       = "running"
	StatusStopped       = "stopped"
	StatusArchived      = "archived"
)

// Session is the persisted record of one chat session's workspace.
type Session struct {
	SessionID     string     `db:"session_id" json:"session_id"`
	ProjectID     string     `db:"project_id" json:"project_id"`
	Branch        string     `db:"branch" json:"branch"`
	CheckoutPath  string     `db:"checkout_path" json:"checkout_path"`
	Status        string     `db:"status" json:"status"`
	ContainerID   string     `db:"container_id" json:"container_id,omitempty"`
	PreviewURL    string     `db:"preview_url" json:"preview_url,omitempty"`
	Port          int        `db:"port" json:"port,omitempty"`
	LastHealthyAt *time.Time `db:"last_healthy_at" json:"last_healthy_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	ArchivedAt    *time.Time `db:"archived_at" json:"archived_at,omitempty"`
}

// Store persists session workspace records.
type Store interface {
	// Upsert inserts or replaces a session record.
	Upsert(ctx context.Context, s *Session) error

	// Get returns the session record, or nil when no record exists.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// UpdateStatus updates only the status column.
	UpdateStatus(ctx context.Context, sessionID, status string) error

	// UpdatePreview records the session's container, URL and port. A zero
	// handle clears them.
	UpdatePreview(ctx context.Context, sessionID, containerID, previewURL string, port int, healthyAt *time.Time) error

	// ListByProject returns all non-archived sessions for a project.
	ListByProject(ctx context.Context, projectID string) ([]*Session, error)

	// ListActive returns all sessions whose status is running.
	ListActive(ctx context.Context) ([]*Session, error)

	// Archive marks a session archived and stamps archived_at.
	Archive(ctx context.Context, sessionID string) error
}
