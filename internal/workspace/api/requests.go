// Package api provides the HTTP surface for session workspaces.
package api

import (
	"time"

	"github.com/kosuke/kosuke/internal/workspace/manifest"
	"github.com/kosuke/kosuke/internal/workspace/orchestrator"
)

// HealthResponse for the health endpoint.
type HealthResponse struct {
	Status     string                    `json:"status"`
	Timestamp  time.Time                 `json:"timestamp"`
	Components orchestrator.HealthStatus `json:"components"`
}

// PreviewResponse reports a running preview's URL and state.
type PreviewResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// CreateWorkspaceRequest materializes a workspace for a chat session.
type CreateWorkspaceRequest struct {
	SessionID     string            `json:"session_id" binding:"required"`
	ProjectID     string            `json:"project_id" binding:"required"`
	RemoteURL     string            `json:"remote_url" binding:"required"`
	DefaultBranch string            `json:"default_branch,omitempty"`
	Env           []manifest.EnvVar `json:"env,omitempty"`
}

// RevertRequest rolls a workspace back to the commit a message produced.
type RevertRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

// QueryRequest runs one statement against the session database.
type QueryRequest struct {
	Query string `json:"query" binding:"required"`
}

// RecordMessageRequest associates a chat message with a commit.
type RecordMessageRequest struct {
	MessageID  string `json:"message_id" binding:"required"`
	CommitHash string `json:"commit_hash"`
}

// WorkspacesListResponse for listing a project's workspaces.
type WorkspacesListResponse struct {
	Workspaces []*orchestrator.Workspace `json:"workspaces"`
	Total      int                       `json:"total"`
}
