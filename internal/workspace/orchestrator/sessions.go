package orchestrator

import (
	"context"
	"io"
	"path"
	"path/filepath"

	apperrors "github.com/kosuke/kosuke/internal/common/errors"
	"github.com/kosuke/kosuke/internal/events"
	"github.com/kosuke/kosuke/internal/preview"
	"github.com/kosuke/kosuke/internal/workspace/gitrepo"
	"github.com/kosuke/kosuke/internal/workspace/manifest"
	"github.com/kosuke/kosuke/internal/workspace/sessiondb"
	"github.com/kosuke/kosuke/internal/workspace/store"
)

// CreateRequest describes the workspace to materialize for a chat session.
type CreateRequest struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	RemoteURL string `json:"remote_url"`

	// DefaultBranch overrides the configured default when non-empty.
	DefaultBranch string `json:"default_branch,omitempty"`

	// Env holds project-level environment overrides applied on top of the
	// workspace manifest.
	Env []manifest.EnvVar `json:"env,omitempty"`
}

// Workspace is the full state of a session workspace as returned by the
// facade.
type Workspace struct {
	SessionID    string   `json:"session_id"`
	ProjectID    string   `json:"project_id"`
	Branch       string   `json:"branch"`
	CheckoutPath string   `json:"checkout_path"`
	Status       string   `json:"status"`
	PreviewURL   string   `json:"preview_url,omitempty"`
	DatabaseDSN  string   `json:"database_dsn,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// PullOutcome reports what a pull changed. Restarted is true when the
// preview container was replaced to serve the pulled tree.
type PullOutcome struct {
	Changed       bool   `json:"changed"`
	CommitsPulled int    `json:"commits_pulled"`
	Restarted     bool   `json:"restarted"`
	Message       string `json:"message,omitempty"`
	PreviewURL    string `json:"preview_url,omitempty"`
}

// RevertOutcome reports a completed revert. Restarted is always true on
// success: a revert invalidates the running preview unconditionally.
type RevertOutcome struct {
	MessageID  string `json:"message_id"`
	Commit     string `json:"commit"`
	Restarted  bool   `json:"restarted"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// CreateOrGetWorkspace materializes the session's branch, database, and
// preview container. The operation is idempotent: an existing healthy
// workspace is returned as-is, and a partially materialized one is
// completed rather than duplicated.
func (o *Orchestrator) CreateOrGetWorkspace(ctx context.Context, req CreateRequest) (*Workspace, error) {
	if req.SessionID == "" || req.ProjectID == "" {
		return nil, apperrors.ValidationError("session_id", "session_id and project_id are required")
	}

	var ws *Workspace
	err := o.withSessionLock(ctx, req.SessionID, func(ctx context.Context) error {
		created := false
		existing, err := o.sessions.Get(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if existing == nil || existing.Status == store.StatusArchived {
			created = true
		}

		checkout, err := o.git.EnsureCheckout(ctx, gitrepo.Project{
			ID:            req.ProjectID,
			RemoteURL:     req.RemoteURL,
			DefaultBranch: req.DefaultBranch,
		}, req.SessionID)
		if err != nil {
			return o.wrapErr(err)
		}

		o.env.Store(req.SessionID, req.Env)

		dbHandle, err := o.sessionDB.GetOrCreate(ctx, req.SessionID)
		if err != nil {
			return o.wrapErr(err)
		}

		handle, resolved, err := o.startPreview(ctx, req.SessionID, checkout, dbHandle)
		if err != nil {
			return err
		}

		sess := &store.Session{
			SessionID:    req.SessionID,
			ProjectID:    req.ProjectID,
			Branch:       checkout.Branch,
			CheckoutPath: checkout.Path,
			Status:       store.StatusRunning,
			ContainerID:  handle.ContainerID,
			PreviewURL:   handle.PreviewURL,
			Port:         handle.Port,
		}
		if existing != nil && existing.Status != store.StatusArchived {
			sess.CreatedAt = existing.CreatedAt
		}
		healthy := handle.LastHealthyAt
		sess.LastHealthyAt = &healthy
		if err := o.sessions.Upsert(ctx, sess); err != nil {
			return err
		}

		if created {
			o.publish(ctx, req.SessionID, events.WorkspaceCreated, map[string]interface{}{
				"session_id": req.SessionID,
				"project_id": req.ProjectID,
				"branch":     checkout.Branch,
			})
		}
		o.publish(ctx, req.SessionID, events.PreviewStarted, map[string]interface{}{
			"session_id":  req.SessionID,
			"preview_url": handle.PreviewURL,
		})

		ws = &Workspace{
			SessionID:    req.SessionID,
			ProjectID:    req.ProjectID,
			Branch:       checkout.Branch,
			CheckoutPath: checkout.Path,
			Status:       store.StatusRunning,
			PreviewURL:   handle.PreviewURL,
			DatabaseDSN:  dbHandle.DSN,
			Warnings:     resolved.Warnings,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// GetWorkspace returns the persisted state of a session workspace plus the
// live preview URL.
func (o *Orchestrator) GetWorkspace(ctx context.Context, sessionID string) (*Workspace, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperrors.NotFound("workspace", sessionID)
	}
	return &Workspace{
		SessionID:    sess.SessionID,
		ProjectID:    sess.ProjectID,
		Branch:       sess.Branch,
		CheckoutPath: sess.CheckoutPath,
		Status:       sess.Status,
		PreviewURL:   o.previews.PreviewURL(sessionID),
	}, nil
}

// ListWorkspaces returns all non-archived workspaces for a project.
func (o *Orchestrator) ListWorkspaces(ctx context.Context, projectID string) ([]*Workspace, error) {
	sessions, err := o.sessions.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	result := make([]*Workspace, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, &Workspace{
			SessionID:    sess.SessionID,
			ProjectID:    sess.ProjectID,
			Branch:       sess.Branch,
			CheckoutPath: sess.CheckoutPath,
			Status:       sess.Status,
			PreviewURL:   o.previews.PreviewURL(sess.SessionID),
		})
	}
	return result, nil
}

// Pull fast-forwards the session branch from its remote counterpart and
// restarts the preview when anything changed. A diverged remote fails the
// whole operation without touching the local branch.
func (o *Orchestrator) Pull(ctx context.Context, sessionID string) (*PullOutcome, error) {
	var outcome *PullOutcome
	err := o.withSessionLock(ctx, sessionID, func(ctx context.Context) error {
		sess, err := o.requireSession(ctx, sessionID)
		if err != nil {
			return err
		}

		res, err := o.git.Pull(ctx, sess.ProjectID, sessionID)
		if err != nil {
			return o.wrapErr(err)
		}

		outcome = &PullOutcome{
			Changed:       res.Changed,
			CommitsPulled: res.CommitsPulled,
			Message:       res.Message,
		}

		if res.Changed {
			handle, err := o.restartPreview(ctx, sess)
			if err != nil {
				return err
			}
			outcome.Restarted = true
			outcome.PreviewURL = handle.PreviewURL
			o.publish(ctx, sessionID, events.WorkspacePulled, map[string]interface{}{
				"session_id":     sessionID,
				"commits_pulled": res.CommitsPulled,
			})
		} else {
			outcome.PreviewURL = o.previews.PreviewURL(sessionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// RevertToMessage rolls the session branch back to the commit a chat
// message produced. The preview restarts unconditionally: after a revert
// the only acceptable state is a container serving exactly the reverted
// tree.
func (o *Orchestrator) RevertToMessage(ctx context.Context, sessionID, messageID string) (*RevertOutcome, error) {
	var outcome *RevertOutcome
	err := o.withSessionLock(ctx, sessionID, func(ctx context.Context) error {
		sess, err := o.requireSession(ctx, sessionID)
		if err != nil {
			return err
		}

		res, err := o.reverts.RevertToMessage(ctx, sess.ProjectID, sessionID, messageID)
		if err != nil {
			return o.wrapErr(err)
		}

		handle, err := o.restartPreview(ctx, sess)
		if err != nil {
			return err
		}

		o.publish(ctx, sessionID, events.WorkspaceReverted, map[string]interface{}{
			"session_id": sessionID,
			"message_id": messageID,
			"commit":     res.Commit,
		})

		outcome = &RevertOutcome{
			MessageID:  messageID,
			Commit:     res.Commit,
			Restarted:  true,
			PreviewURL: handle.PreviewURL,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// StartPreview ensures the session's preview container is running.
func (o *Orchestrator) StartPreview(ctx context.Context, sessionID string) (*Workspace, error) {
	var ws *Workspace
	err := o.withSessionLock(ctx, sessionID, func(ctx context.Context) error {
		sess, err := o.requireSession(ctx, sessionID)
		if err != nil {
			return err
		}

		checkout, err := o.git.Checkout(sess.ProjectID, sessionID)
		if err != nil {
			return o.wrapErr(err)
		}
		dbHandle, err := o.sessionDB.GetOrCreate(ctx, sessionID)
		if err != nil {
			return o.wrapErr(err)
		}

		handle, _, err := o.startPreview(ctx, sessionID, checkout, dbHandle)
		if err != nil {
			return err
		}

		if err := o.recordRunning(ctx, sessionID, handle); err != nil {
			return err
		}
		o.publish(ctx, sessionID, events.PreviewStarted, map[string]interface{}{
			"session_id":  sessionID,
			"preview_url": handle.PreviewURL,
		})

		ws = &Workspace{
			SessionID:    sessionID,
			ProjectID:    sess.ProjectID,
			Branch:       sess.Branch,
			CheckoutPath: checkout.Path,
			Status:       store.StatusRunning,
			PreviewURL:   handle.PreviewURL,
			DatabaseDSN:  dbHandle.DSN,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// StopPreview stops the session's container, keeping branch and database.
func (o *Orchestrator) StopPreview(ctx context.Context, sessionID string) error {
	return o.withSessionLock(ctx, sessionID, func(ctx context.Context) error {
		if _, err := o.requireSession(ctx, sessionID); err != nil {
			return err
		}
		if err := o.previews.Stop(ctx, sessionID); err != nil {
			return o.wrapErr(err)
		}
		if err := o.sessions.UpdateStatus(ctx, sessionID, store.StatusStopped); err != nil {
			return err
		}
		if err := o.sessions.UpdatePreview(ctx, sessionID, "", "", 0, nil); err != nil {
			return err
		}
		o.publish(ctx, sessionID, events.PreviewStopped, map[string]interface{}{
			"session_id": sessionID,
		})
		return nil
	})
}

// PreviewURL returns the live preview URL, or "" when none is running.
func (o *Orchestrator) PreviewURL(sessionID string) string {
	return o.previews.PreviewURL(sessionID)
}

// PreviewHandle returns a snapshot of the session's container handle.
func (o *Orchestrator) PreviewHandle(sessionID string) (preview.Handle, bool) {
	return o.previews.Handle(sessionID)
}

// PreviewLogs streams the preview container's combined output.
func (o *Orchestrator) PreviewLogs(ctx context.Context, sessionID string, follow bool, tail string) (io.ReadCloser, error) {
	rc, err := o.previews.Logs(ctx, sessionID, follow, tail)
	if err != nil {
		return nil, o.wrapErr(err)
	}
	return rc, nil
}

// DatabaseSchema introspects the session database.
func (o *Orchestrator) DatabaseSchema(ctx context.Context, sessionID string) (*sessiondb.Schema, error) {
	if _, err := o.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	schema, err := o.sessionDB.GetSchema(ctx, sessionID)
	if err != nil {
		return nil, o.wrapErr(err)
	}
	return schema, nil
}

// DatabaseQuery runs one statement against the session database. Queries
// deliberately skip the session lock so a long-running workspace mutation
// cannot starve read access to the data.
func (o *Orchestrator) DatabaseQuery(ctx context.Context, sessionID, query string) (*sessiondb.QueryResult, error) {
	if query == "" {
		return nil, apperrors.ValidationError("query", "query must not be empty")
	}
	if _, err := o.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	result, err := o.sessionDB.RunQuery(ctx, sessionID, query)
	if err != nil {
		return nil, o.wrapErr(err)
	}
	return result, nil
}

// RecordMessageCommit stores the commit a chat message produced, making it
// a future revert target.
func (o *Orchestrator) RecordMessageCommit(ctx context.Context, sessionID, messageID, commitHash string) error {
	return o.history.RecordMessage(ctx, sessionID, messageID, commitHash)
}

// Archive tears the workspace down: container stopped and removed,
// checkout deleted, session database dropped. The branch itself is
// retained in the canonical clone for audit.
func (o *Orchestrator) Archive(ctx context.Context, sessionID string) error {
	return o.withSessionLock(ctx, sessionID, func(ctx context.Context) error {
		sess, err := o.requireSession(ctx, sessionID)
		if err != nil {
			return err
		}

		if err := o.previews.Teardown(ctx, sessionID); err != nil {
			return o.wrapErr(err)
		}
		if err := o.git.RemoveCheckout(ctx, sess.ProjectID, sessionID); err != nil {
			return o.wrapErr(err)
		}
		if err := o.sessionDB.Drop(ctx, sessionID); err != nil {
			return o.wrapErr(err)
		}
		if err := o.sessions.Archive(ctx, sessionID); err != nil {
			return err
		}
		o.env.Delete(sessionID)

		o.publish(ctx, sessionID, events.WorkspaceArchived, map[string]interface{}{
			"session_id": sessionID,
		})
		return nil
	})
}

// requireSession loads the session record, rejecting unknown and archived
// sessions.
func (o *Orchestrator) requireSession(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Status == store.StatusArchived {
		return nil, apperrors.NotFound("workspace", sessionID)
	}
	return sess, nil
}

// dataMountTarget is where a file-backed session database directory is
// mounted inside the preview container.
const dataMountTarget = "/data"

// containerDatabase returns the DATABASE_URL and mounts that make the
// session database reachable from inside the container. File-backed
// databases live on the host, so their directory is mounted and the DSN
// rewritten to the in-container path; server-backed DSNs pass through.
func containerDatabase(dbHandle *sessiondb.Handle) ([]string, []preview.Mount) {
	if dbHandle.File == "" {
		return []string{"DATABASE_URL=" + dbHandle.DSN}, nil
	}
	dsn := "file:" + path.Join(dataMountTarget, filepath.Base(dbHandle.File))
	return []string{"DATABASE_URL=" + dsn}, []preview.Mount{{
		Source: filepath.Dir(dbHandle.File),
		Target: dataMountTarget,
	}}
}

// startPreview resolves the manifest and ensures the container is running.
func (o *Orchestrator) startPreview(ctx context.Context, sessionID string, checkout *gitrepo.Checkout, dbHandle *sessiondb.Handle) (*preview.Handle, *manifest.ResolvedConfig, error) {
	resolved, err := o.manifests.Resolve(ctx, checkout.Path, o.projectEnv(sessionID))
	if err != nil {
		return nil, nil, o.wrapErr(err)
	}

	env, mounts := containerDatabase(dbHandle)
	handle, err := o.previews.EnsureRunning(ctx, preview.StartRequest{
		SessionID:    sessionID,
		CheckoutPath: checkout.Path,
		Manifest:     resolved,
		ExtraEnv:     env,
		ExtraMounts:  mounts,
	})
	if err != nil {
		o.publish(ctx, sessionID, events.PreviewFailed, map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return nil, nil, o.wrapErr(err)
	}
	return handle, resolved, nil
}

// restartPreview replaces the running container with one serving the
// current checkout state.
func (o *Orchestrator) restartPreview(ctx context.Context, sess *store.Session) (*preview.Handle, error) {
	checkout, err := o.git.Checkout(sess.ProjectID, sess.SessionID)
	if err != nil {
		return nil, o.wrapErr(err)
	}
	resolved, err := o.manifests.Resolve(ctx, checkout.Path, o.projectEnv(sess.SessionID))
	if err != nil {
		return nil, o.wrapErr(err)
	}
	dbHandle, err := o.sessionDB.GetOrCreate(ctx, sess.SessionID)
	if err != nil {
		return nil, o.wrapErr(err)
	}

	env, mounts := containerDatabase(dbHandle)
	handle, err := o.previews.Restart(ctx, preview.StartRequest{
		SessionID:    sess.SessionID,
		CheckoutPath: checkout.Path,
		Manifest:     resolved,
		ExtraEnv:     env,
		ExtraMounts:  mounts,
	})
	if err != nil {
		o.publish(ctx, sess.SessionID, events.PreviewFailed, map[string]interface{}{
			"session_id": sess.SessionID,
			"error":      err.Error(),
		})
		return nil, o.wrapErr(err)
	}

	if err := o.recordRunning(ctx, sess.SessionID, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

func (o *Orchestrator) recordRunning(ctx context.Context, sessionID string, handle *preview.Handle) error {
	if err := o.sessions.UpdateStatus(ctx, sessionID, store.StatusRunning); err != nil {
		return err
	}
	healthy := handle.LastHealthyAt
	return o.sessions.UpdatePreview(ctx, sessionID, handle.ContainerID, handle.PreviewURL, handle.Port, &healthy)
}

func (o *Orchestrator) projectEnv(sessionID string) []manifest.EnvVar {
	if v, ok := o.env.Load(sessionID); ok {
		if env, ok := v.([]manifest.EnvVar); ok {
			return env
		}
	}
	return nil
}
