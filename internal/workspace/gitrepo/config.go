package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// DefaultBranchPrefix is prepended to session IDs to form branch names.
const DefaultBranchPrefix = "kosuke/chat-"

// Config holds configuration for the repository manager.
type Config struct {
	// ReposBasePath is the base directory for canonical project clones.
	// Supports ~ expansion for home directory.
	ReposBasePath string `mapstructure:"reposBasePath"`

	// CheckoutsBasePath is the base directory for per-session checkouts.
	CheckoutsBasePath string `mapstructure:"checkoutsBasePath"`

	// BranchPrefix is the prefix used for session branch names.
	// Default: kosuke/chat-
	BranchPrefix string `mapstructure:"branchPrefix"`

	// DefaultBranch is the branch new session branches fork from.
	// Default: main
	DefaultBranch string `mapstructure:"defaultBranch"`

	// OperationTimeout bounds a single git subprocess. Zero disables the
	// per-operation bound (the caller's context still applies).
	OperationTimeout time.Duration `mapstructure:"-"`
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if err := validateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	if c.ReposBasePath == "" {
		c.ReposBasePath = "~/.kosuke/repos"
	}
	if c.CheckoutsBasePath == "" {
		c.CheckoutsBasePath = "~/.kosuke/checkouts"
	}
	return nil
}

// ExpandedReposPath returns the repos base path with ~ expanded.
func (c *Config) ExpandedReposPath() (string, error) {
	return expandHome(c.ReposBasePath)
}

// ExpandedCheckoutsPath returns the checkouts base path with ~ expanded.
func (c *Config) ExpandedCheckoutsPath() (string, error) {
	return expandHome(c.CheckoutsBasePath)
}

// BranchName returns the deterministic branch name for a session.
// Format: {prefix}{sessionID}, e.g. kosuke/chat-8e1f02.
func (c *Config) BranchName(sessionID string) string {
	return c.BranchPrefix + sessionID
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

func validateBranchPrefix(prefix string) error {
	for _, r := range prefix {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	if strings.Contains(prefix, "..") || strings.Contains(prefix, "@{") {
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	return nil
}

// validSessionID guards against session IDs that would escape the checkout
// directory or break branch naming.
func validSessionID(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	for _, r := range sessionID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}
