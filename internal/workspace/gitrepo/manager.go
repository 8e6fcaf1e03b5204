package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/logger"
)

// Project describes the canonical repository a session works against. The
// manager treats it as read-only input owned by the product's persistence
// layer.
type Project struct {
	ID        string
	RemoteURL string

	// DefaultBranch overrides the configured default when non-empty.
	DefaultBranch string
}

// Checkout is the materialized working directory for a session's branch.
// Exactly one checkout exists per session at a time.
type Checkout struct {
	ProjectID string
	SessionID string
	Path      string
	Branch    string
}

// PullResult reports the outcome of a pull.
type PullResult struct {
	Changed       bool
	CommitsPulled int
	Message       string
}

// RevertResult reports the outcome of a hard reset.
type RevertResult struct {
	Commit string
}

// Manager handles git operations for session workspaces. The canonical
// project clone holds the object store; each session gets a worktree on its
// own branch, so no two sessions ever share a working directory.
//
// The manager serializes operations per project clone (worktree metadata is
// shared) but relies on the orchestrator's per-session lock for session
// level mutual exclusion.
type Manager struct {
	config Config
	logger *logger.Logger

	// repoMus maps project clone path to its mutex to prevent concurrent
	// clone or worktree mutations on the same repository.
	repoMus sync.Map
}

// NewManager creates a repository manager.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	for _, base := range []func() (string, error){cfg.ExpandedReposPath, cfg.ExpandedCheckoutsPath} {
		path, err := base()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	}

	return &Manager{
		config: cfg,
		logger: log.WithFields(zap.String("component", "gitrepo-manager")),
	}, nil
}

func (m *Manager) repoMu(path string) *sync.Mutex {
	mu, _ := m.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RepoPath returns the canonical clone path for a project.
func (m *Manager) RepoPath(projectID string) (string, error) {
	base, err := m.config.ExpandedReposPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, projectID), nil
}

// CheckoutPath returns the checkout directory for a session.
func (m *Manager) CheckoutPath(projectID, sessionID string) (string, error) {
	base, err := m.config.ExpandedCheckoutsPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, projectID, sessionID), nil
}

// BranchName returns the deterministic session branch name.
func (m *Manager) BranchName(sessionID string) string {
	return m.config.BranchName(sessionID)
}

// EnsureCheckout clones the project if it has never been cloned locally,
// creates the session branch from the default branch tip if it does not
// exist, and materializes the checkout. If a valid checkout already exists
// it is returned untouched. Idempotent.
func (m *Manager) EnsureCheckout(ctx context.Context, project Project, sessionID string) (*Checkout, error) {
	if !validSessionID(sessionID) {
		return nil, ErrInvalidSession
	}

	repoPath, err := m.RepoPath(project.ID)
	if err != nil {
		return nil, err
	}
	checkoutPath, err := m.CheckoutPath(project.ID, sessionID)
	if err != nil {
		return nil, err
	}
	branch := m.BranchName(sessionID)

	mu := m.repoMu(repoPath)
	mu.Lock()
	defer mu.Unlock()

	if err := m.ensureCloned(ctx, project, repoPath); err != nil {
		return nil, err
	}

	checkout := &Checkout{
		ProjectID: project.ID,
		SessionID: sessionID,
		Path:      checkoutPath,
		Branch:    branch,
	}

	if m.checkoutValid(checkoutPath) {
		m.logger.Debug("reusing existing checkout",
			zap.String("session_id", sessionID),
			zap.String("path", checkoutPath))
		return checkout, nil
	}

	// A stale directory without worktree metadata would make git refuse
	// the add; clear it first.
	if _, statErr := os.Stat(checkoutPath); statErr == nil {
		m.logger.Warn("checkout directory invalid, recreating",
			zap.String("session_id", sessionID),
			zap.String("path", checkoutPath))
		_, _ = m.runGit(ctx, repoPath, "worktree", "remove", "--force", checkoutPath)
		if err := os.RemoveAll(checkoutPath); err != nil {
			return nil, fmt.Errorf("remove stale checkout: %w", err)
		}
		_, _ = m.runGit(ctx, repoPath, "worktree", "prune")
	}

	if err := os.MkdirAll(filepath.Dir(checkoutPath), 0o755); err != nil {
		return nil, fmt.Errorf("create checkout parent: %w", err)
	}

	if m.branchExists(ctx, repoPath, branch) {
		// Session branch survives archival; reattach it.
		if _, err := m.runGit(ctx, repoPath, "worktree", "add", checkoutPath, branch); err != nil {
			return nil, err
		}
	} else {
		base := project.DefaultBranch
		if base == "" {
			base = m.config.DefaultBranch
		}
		if !m.branchExists(ctx, repoPath, base) {
			return nil, &GitOperationError{
				Op:  "worktree add",
				Err: fmt.Errorf("default branch %q does not exist", base),
			}
		}
		if _, err := m.runGit(ctx, repoPath, "worktree", "add", "-b", branch, checkoutPath, base); err != nil {
			return nil, err
		}
	}

	m.logger.Info("created session checkout",
		zap.String("project_id", project.ID),
		zap.String("session_id", sessionID),
		zap.String("branch", branch),
		zap.String("path", checkoutPath))

	return checkout, nil
}

// Pull fetches the remote session branch and fast-forwards the local one.
// A session branch may be purely local until first push, so a missing
// remote branch yields changed=false with an explanatory message rather
// than an error. Diverged history fails with ErrDivergedHistory.
func (m *Manager) Pull(ctx context.Context, projectID, sessionID string) (*PullResult, error) {
	checkout, err := m.existingCheckout(projectID, sessionID)
	if err != nil {
		return nil, err
	}

	// FETCH_HEAD lives in the clone's common git dir and is shared across
	// worktrees, so fetch+merge must not interleave between sessions.
	repoPath, err := m.RepoPath(projectID)
	if err != nil {
		return nil, err
	}
	mu := m.repoMu(repoPath)
	mu.Lock()
	defer mu.Unlock()

	if _, err := m.runGit(ctx, checkout.Path, "fetch", "origin", checkout.Branch); err != nil {
		var gitErr *GitOperationError
		if errors.As(err, &gitErr) && strings.Contains(gitErr.Output, "couldn't find remote ref") {
			return &PullResult{
				Changed: false,
				Message: fmt.Sprintf("branch %s has no remote counterpart", checkout.Branch),
			}, nil
		}
		return nil, err
	}

	countOut, err := m.runGit(ctx, checkout.Path, "rev-list", "--count", "HEAD..FETCH_HEAD")
	if err != nil {
		return nil, err
	}
	commits, err := strconv.Atoi(strings.TrimSpace(countOut))
	if err != nil {
		return nil, fmt.Errorf("parse rev-list count %q: %w", countOut, err)
	}
	if commits == 0 {
		return &PullResult{Changed: false, Message: "already up to date"}, nil
	}

	if !m.isAncestor(ctx, checkout.Path, "HEAD", "FETCH_HEAD") {
		return nil, ErrDivergedHistory
	}

	if _, err := m.runGit(ctx, checkout.Path, "merge", "--ff-only", "FETCH_HEAD"); err != nil {
		return nil, err
	}

	m.logger.Info("fast-forwarded session branch",
		zap.String("session_id", sessionID),
		zap.Int("commits", commits))

	return &PullResult{Changed: true, CommitsPulled: commits}, nil
}

// CommitIsAssociated reports whether commitHash belongs to the session
// branch's history, i.e. is an ancestor of (or equal to) the current tip.
func (m *Manager) CommitIsAssociated(ctx context.Context, projectID, sessionID, commitHash string) (bool, error) {
	checkout, err := m.existingCheckout(projectID, sessionID)
	if err != nil {
		return false, err
	}
	if !validCommitHash(commitHash) {
		return false, nil
	}
	if !m.commitExists(ctx, checkout.Path, commitHash) {
		return false, nil
	}
	return m.isAncestor(ctx, checkout.Path, commitHash, "HEAD"), nil
}

// RevertTo hard-resets the session branch to commitHash, discarding all
// later commits from the branch tip. The discarded commits remain in the
// object store for audit but are no longer referenced by the branch. Fails
// with ErrUnknownCommit if the hash is not an ancestor of the current tip.
func (m *Manager) RevertTo(ctx context.Context, projectID, sessionID, commitHash string) (*RevertResult, error) {
	checkout, err := m.existingCheckout(projectID, sessionID)
	if err != nil {
		return nil, err
	}

	associated, err := m.CommitIsAssociated(ctx, projectID, sessionID, commitHash)
	if err != nil {
		return nil, err
	}
	if !associated {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, commitHash)
	}

	if _, err := m.runGit(ctx, checkout.Path, "reset", "--hard", commitHash); err != nil {
		return nil, err
	}

	tip, err := m.Head(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("reverted session branch",
		zap.String("session_id", sessionID),
		zap.String("commit", tip))

	return &RevertResult{Commit: tip}, nil
}

// Head returns the commit hash at the tip of the session branch.
func (m *Manager) Head(ctx context.Context, projectID, sessionID string) (string, error) {
	checkout, err := m.existingCheckout(projectID, sessionID)
	if err != nil {
		return "", err
	}
	out, err := m.runGit(ctx, checkout.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Checkout returns the existing checkout for a session, or
// ErrCheckoutNotFound if it has not been materialized.
func (m *Manager) Checkout(projectID, sessionID string) (*Checkout, error) {
	return m.existingCheckout(projectID, sessionID)
}

// RemoveCheckout discards the session's working directory. The session
// branch is retained in the canonical clone for history.
func (m *Manager) RemoveCheckout(ctx context.Context, projectID, sessionID string) error {
	repoPath, err := m.RepoPath(projectID)
	if err != nil {
		return err
	}
	checkoutPath, err := m.CheckoutPath(projectID, sessionID)
	if err != nil {
		return err
	}

	mu := m.repoMu(repoPath)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(checkoutPath); os.IsNotExist(err) {
		return nil
	}

	if _, err := m.runGit(ctx, repoPath, "worktree", "remove", "--force", checkoutPath); err != nil {
		// Fall back to removing the directory and pruning metadata.
		m.logger.Warn("git worktree remove failed, pruning",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if rmErr := os.RemoveAll(checkoutPath); rmErr != nil {
			return fmt.Errorf("remove checkout directory: %w", rmErr)
		}
		_, _ = m.runGit(ctx, repoPath, "worktree", "prune")
	}

	m.logger.Info("removed session checkout",
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID))
	return nil
}

func (m *Manager) ensureCloned(ctx context.Context, project Project, repoPath string) error {
	gitDir := filepath.Join(repoPath, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		return fmt.Errorf("create repos directory: %w", err)
	}

	m.logger.Info("cloning project repository",
		zap.String("project_id", project.ID),
		zap.String("target", repoPath))

	_, err := m.runGit(ctx, "", "clone", project.RemoteURL, repoPath)
	return err
}

func (m *Manager) existingCheckout(projectID, sessionID string) (*Checkout, error) {
	if !validSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	checkoutPath, err := m.CheckoutPath(projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if !m.checkoutValid(checkoutPath) {
		return nil, fmt.Errorf("%w: session %s", ErrCheckoutNotFound, sessionID)
	}
	return &Checkout{
		ProjectID: projectID,
		SessionID: sessionID,
		Path:      checkoutPath,
		Branch:    m.BranchName(sessionID),
	}, nil
}

// checkoutValid checks the directory carries worktree metadata (worktrees
// have a .git file containing "gitdir: <path>", not a directory).
func (m *Manager) checkoutValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.runGit(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) commitExists(ctx context.Context, dir, hash string) bool {
	_, err := m.runGit(ctx, dir, "cat-file", "-e", hash+"^{commit}")
	return err == nil
}

func (m *Manager) isAncestor(ctx context.Context, dir, ancestor, descendant string) bool {
	_, err := m.runGit(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil
}

// runGit executes a git subprocess bounded by the configured operation
// timeout. Failures surface as *GitOperationError and are never retried.
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	if m.config.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", &GitOperationError{Op: args[0], Output: strings.TrimSpace(string(output)), Err: ctxErr}
		}
		return "", &GitOperationError{Op: args[0], Output: strings.TrimSpace(string(output)), Err: err}
	}
	return string(output), nil
}

func validCommitHash(hash string) bool {
	if len(hash) < 4 || len(hash) > 64 {
		return false
	}
	for _, r := range hash {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') {
			continue
		}
		return false
	}
	return true
}
