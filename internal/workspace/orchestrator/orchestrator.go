// Package orchestrator is the facade over session workspaces: it keeps the
// git branch, the preview container, and the session database of each chat
// session mutually consistent, and serializes mutations per session.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kosuke/kosuke/internal/common/config"
	apperrors "github.com/kosuke/kosuke/internal/common/errors"
	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/events"
	"github.com/kosuke/kosuke/internal/events/bus"
	"github.com/kosuke/kosuke/internal/preview"
	"github.com/kosuke/kosuke/internal/workspace/gitrepo"
	"github.com/kosuke/kosuke/internal/workspace/manifest"
	"github.com/kosuke/kosuke/internal/workspace/revert"
	"github.com/kosuke/kosuke/internal/workspace/sessiondb"
	"github.com/kosuke/kosuke/internal/workspace/store"
)

// History extends the revert lookup with write access so the facade can
// record commits as chat turns land them.
type History interface {
	revert.ChatHistory
	RecordMessage(ctx context.Context, sessionID, messageID, commitHash string) error
}

// Orchestrator composes the workspace subsystems behind one API. All
// mutating operations take the session's exclusive lock; reads like
// PreviewURL and database queries do not.
type Orchestrator struct {
	cfg       *config.Config
	logger    *logger.Logger
	git       *gitrepo.Manager
	manifests *manifest.Resolver
	previews  *preview.Manager
	sessionDB sessiondb.Service
	reverts   *revert.Coordinator
	history   History
	sessions  store.Store
	bus       bus.EventBus

	// locks holds one weighted semaphore per session. Semaphores acquire
	// with a context, so lock waits are bounded by the configured timeout
	// instead of blocking forever.
	locks sync.Map

	// env keeps each session's project-level environment overrides so
	// preview restarts re-resolve the manifest with the same inputs the
	// workspace was created with.
	env sync.Map
}

// New creates the workspace orchestrator.
func New(
	cfg *config.Config,
	git *gitrepo.Manager,
	manifests *manifest.Resolver,
	previews *preview.Manager,
	sessionDB sessiondb.Service,
	reverts *revert.Coordinator,
	history History,
	sessions store.Store,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		git:       git,
		manifests: manifests,
		previews:  previews,
		sessionDB: sessionDB,
		reverts:   reverts,
		history:   history,
		sessions:  sessions,
		bus:       eventBus,
	}
}

func (o *Orchestrator) sessionLock(sessionID string) *semaphore.Weighted {
	v, _ := o.locks.LoadOrStore(sessionID, semaphore.NewWeighted(1))
	return v.(*semaphore.Weighted)
}

// withSessionLock runs fn holding the session's exclusive lock. Waiting is
// bounded by workspace.lockTimeout; a caller that gives up maps to TIMEOUT
// unless its own context was cancelled first.
func (o *Orchestrator) withSessionLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	sem := o.sessionLock(sessionID)

	acquireCtx, cancel := context.WithTimeout(ctx, o.cfg.Workspace.LockTimeoutDuration())
	defer cancel()

	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return apperrors.WorkspaceError(apperrors.ErrCodeCancelled,
				"operation cancelled while waiting for session lock", ctx.Err())
		}
		return apperrors.WorkspaceError(apperrors.ErrCodeTimeout,
			"timed out waiting for session lock", err)
	}
	defer sem.Release(1)

	return fn(ctx)
}

// wrapErr translates subsystem sentinels into the facade's error codes.
// Errors already carrying a code pass through untouched.
func (o *Orchestrator) wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	var gitErr *gitrepo.GitOperationError

	switch {
	case errors.Is(err, manifest.ErrConfigNotFound):
		return apperrors.WorkspaceError(apperrors.ErrCodeConfigNotFound, err.Error(), err)
	case errors.Is(err, manifest.ErrConfigInvalid):
		return apperrors.WorkspaceError(apperrors.ErrCodeConfigInvalid, err.Error(), err)
	case errors.Is(err, gitrepo.ErrDivergedHistory):
		return apperrors.WorkspaceError(apperrors.ErrCodeDivergedHistory, err.Error(), err)
	case errors.Is(err, gitrepo.ErrUnknownCommit):
		return apperrors.WorkspaceError(apperrors.ErrCodeUnknownCommit, err.Error(), err)
	case errors.Is(err, revert.ErrMessageNotFound):
		return apperrors.WorkspaceError(apperrors.ErrCodeMessageNotFound, err.Error(), err)
	case errors.Is(err, revert.ErrNoAssociatedCommit):
		return apperrors.WorkspaceError(apperrors.ErrCodeNoAssociatedCommit, err.Error(), err)
	case errors.Is(err, revert.ErrCommitNotOnBranch):
		return apperrors.WorkspaceError(apperrors.ErrCodeCommitNotOnBranch, err.Error(), err)
	case errors.Is(err, preview.ErrStartFailed):
		return apperrors.WorkspaceError(apperrors.ErrCodeContainerStartFailed, err.Error(), err)
	case errors.Is(err, preview.ErrNotRunning):
		return apperrors.NotFound("preview", "running container")
	case errors.Is(err, sessiondb.ErrQueryFailed):
		return apperrors.WorkspaceError(apperrors.ErrCodeQueryFailed, err.Error(), err)
	case errors.Is(err, gitrepo.ErrCheckoutNotFound):
		return apperrors.NotFound("workspace", "checkout")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.WorkspaceError(apperrors.ErrCodeTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return apperrors.WorkspaceError(apperrors.ErrCodeCancelled, "operation cancelled", err)
	case errors.As(err, &gitErr):
		return apperrors.WorkspaceError(apperrors.ErrCodeGitOperationFailed, err.Error(), err)
	default:
		return apperrors.Wrap(err, "workspace operation failed")
	}
}

// publish emits a session event. Publishing is best-effort: a bus failure
// is logged, never surfaced to the caller whose operation already
// succeeded.
func (o *Orchestrator) publish(ctx context.Context, sessionID, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.bus.Publish(ctx, events.Subject(sessionID), event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Reconcile aligns persisted state with reality after a process restart:
// orphaned preview containers are removed and sessions recorded as running
// are downgraded to ready, since their containers are gone.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if err := o.previews.Reconcile(ctx); err != nil {
		return err
	}

	active, err := o.sessions.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, sess := range active {
		if err := o.sessions.UpdateStatus(ctx, sess.SessionID, store.StatusReady); err != nil {
			o.logger.Warn("failed to downgrade session status",
				zap.String("session_id", sess.SessionID),
				zap.Error(err))
			continue
		}
		if err := o.sessions.UpdatePreview(ctx, sess.SessionID, "", "", 0, nil); err != nil {
			o.logger.Warn("failed to clear stale preview record",
				zap.String("session_id", sess.SessionID),
				zap.Error(err))
		}
	}

	o.logger.Info("boot reconciliation complete", zap.Int("sessions", len(active)))
	return nil
}

// HealthStatus reports the reachability of the orchestrator's external
// dependencies.
type HealthStatus struct {
	Docker string `json:"docker"`
	Bus    string `json:"bus"`
}

// Health checks the container runtime and event bus.
func (o *Orchestrator) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Docker: "ok", Bus: "connected"}
	if err := o.previews.Ping(ctx); err != nil {
		status.Docker = "unreachable"
	}
	if !o.bus.IsConnected() {
		status.Bus = "disconnected"
	}
	return status
}

// Close releases the orchestrator's resources.
func (o *Orchestrator) Close() error {
	return o.sessionDB.Close()
}
