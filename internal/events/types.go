// Package events defines the event types published by the workspace
// orchestrator on the event bus.
package events

// SubjectPrefix is the root subject for all workspace events. Session
// events are published to "kosuke.workspace.<sessionID>".
const SubjectPrefix = "kosuke.workspace"

// Event types for session workspaces
const (
	WorkspaceCreated  = "workspace.created"
	WorkspaceArchived = "workspace.archived"
)

// Event types for previews
const (
	PreviewStarted = "workspace.preview_started"
	PreviewStopped = "workspace.preview_stopped"
	PreviewFailed  = "workspace.preview_failed"
)

// Event types for branch state changes
const (
	WorkspacePulled   = "workspace.pulled"
	WorkspaceReverted = "workspace.reverted"
)

// Subject returns the bus subject for a session's workspace events.
func Subject(sessionID string) string {
	return SubjectPrefix + "." + sessionID
}
