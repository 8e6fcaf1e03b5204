// Package revert maps chat messages back to workspace commits and rolls
// the session branch to them.
package revert

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/workspace/gitrepo"
)

var (
	// ErrMessageNotFound is returned when the message does not exist in
	// the session's chat history.
	ErrMessageNotFound = errors.New("message not found in session history")

	// ErrNoAssociatedCommit is returned for messages that did not produce
	// a commit, e.g. pure conversation turns.
	ErrNoAssociatedCommit = errors.New("message has no associated commit")

	// ErrCommitNotOnBranch is returned when the recorded commit is no
	// longer reachable from the session branch, typically after an
	// earlier revert discarded it.
	ErrCommitNotOnBranch = errors.New("commit is not on the session branch")
)

// ChatHistory resolves a chat message to the commit it produced. An empty
// commit hash with a nil error means the message exists but carries no
// commit.
type ChatHistory interface {
	CommitForMessage(ctx context.Context, sessionID, messageID string) (string, error)
}

// Result describes a completed revert.
type Result struct {
	MessageID    string `json:"message_id"`
	Commit       string `json:"commit"`
	PreviousHead string `json:"previous_head"`
}

// Coordinator ties the chat history to the session branch so reverts are
// expressed in message terms rather than raw commit hashes.
type Coordinator struct {
	git     *gitrepo.Manager
	history ChatHistory
	logger  *logger.Logger
}

// NewCoordinator creates a revert coordinator.
func NewCoordinator(git *gitrepo.Manager, history ChatHistory, log *logger.Logger) *Coordinator {
	return &Coordinator{
		git:     git,
		history: history,
		logger:  log.WithFields(zap.String("component", "revert-coordinator")),
	}
}

// RevertToMessage resolves messageID to its commit, verifies the commit is
// still on the session branch, and hard-resets the branch to it. The
// caller is responsible for restarting the preview afterwards; a revert
// that leaves the old process serving the discarded tree is worse than a
// failed one.
func (c *Coordinator) RevertToMessage(ctx context.Context, projectID, sessionID, messageID string) (*Result, error) {
	commit, err := c.history.CommitForMessage(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	if commit == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAssociatedCommit, messageID)
	}

	associated, err := c.git.CommitIsAssociated(ctx, projectID, sessionID, commit)
	if err != nil {
		return nil, err
	}
	if !associated {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotOnBranch, commit)
	}

	previous, err := c.git.Head(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := c.git.RevertTo(ctx, projectID, sessionID, commit)
	if err != nil {
		return nil, err
	}

	c.logger.Info("reverted workspace to message",
		zap.String("session_id", sessionID),
		zap.String("message_id", messageID),
		zap.String("commit", res.Commit),
		zap.String("previous_head", previous))

	return &Result{
		MessageID:    messageID,
		Commit:       res.Commit,
		PreviousHead: previous,
	}, nil
}
