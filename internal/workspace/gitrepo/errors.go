// Package gitrepo owns git state for session workspaces: project clones,
// per-session branch checkouts, pulls, and reverts.
package gitrepo

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckoutNotFound is returned when no checkout exists for the session.
	ErrCheckoutNotFound = errors.New("session checkout not found")

	// ErrRepoNotGit is returned when the project path is not a Git repository.
	ErrRepoNotGit = errors.New("project path is not a git repository")

	// ErrDivergedHistory is returned when a pull cannot fast-forward because
	// local and remote history have diverged. The manager never attempts
	// automatic merge resolution.
	ErrDivergedHistory = errors.New("local and remote history have diverged")

	// ErrUnknownCommit is returned when a commit hash is not reachable from
	// the session branch tip.
	ErrUnknownCommit = errors.New("commit is not reachable from the session branch")

	// ErrInvalidSession is returned when the session ID is empty or would
	// produce an unsafe branch name.
	ErrInvalidSession = errors.New("invalid or empty session ID")
)

// GitOperationError wraps a failed git subprocess with the operation name
// and captured output. Git failures are never retried here; the caller
// decides whether a retry is safe.
type GitOperationError struct {
	Op     string
	Output string
	Err    error
}

// Error implements the error interface.
func (e *GitOperationError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s failed: %s", e.Op, e.Output)
	}
	return fmt.Sprintf("git %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying exec error.
func (e *GitOperationError) Unwrap() error {
	return e.Err
}
