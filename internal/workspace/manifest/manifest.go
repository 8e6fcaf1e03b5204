// Package manifest reads and resolves the kosuke.config.json workspace
// manifest found at the root of a session checkout.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/secrets"
)

// FileName is the manifest file expected at the checkout root.
const FileName = "kosuke.config.json"

// SecretMarker prefixes manifest env values that must be resolved against
// process-wide secret configuration, e.g. "__KSK__RESEND_API_KEY".
const SecretMarker = "__KSK__"

var (
	// ErrConfigNotFound is returned when the checkout has no manifest.
	ErrConfigNotFound = errors.New("workspace manifest not found")

	// ErrConfigInvalid is returned when the manifest fails validation.
	ErrConfigInvalid = errors.New("workspace manifest is invalid")
)

// File is the on-disk shape of kosuke.config.json.
type File struct {
	Name         string            `json:"name,omitempty"`
	Image        string            `json:"image,omitempty"`
	BuildCommand string            `json:"buildCommand,omitempty"`
	StartCommand string            `json:"startCommand"`
	Port         int               `json:"port"`
	Env          map[string]string `json:"env,omitempty"`
}

// EnvVar is a single resolved environment entry. IsSecret values must never
// be written to logs.
type EnvVar struct {
	Key      string
	Value    string
	IsSecret bool
}

// ResolvedConfig is the result of resolving a manifest against project
// environment variables and process secrets. It is a pure function of
// (checkout contents, project env, secrets) and is recomputed on every
// container creation, never cached across checkouts.
type ResolvedConfig struct {
	Name         string
	Image        string
	BuildCommand string
	StartCommand string
	Port         int
	Env          []EnvVar

	// Warnings records non-fatal resolution problems, e.g. an unknown
	// secret indirection that resolved to the empty string.
	Warnings []string
}

// EnvSlice returns the environment as KEY=VALUE strings for container
// creation.
func (c *ResolvedConfig) EnvSlice() []string {
	out := make([]string, 0, len(c.Env))
	for _, e := range c.Env {
		out = append(out, e.Key+"="+e.Value)
	}
	return out
}

// EnvKeys returns only the declared keys, safe for logging.
func (c *ResolvedConfig) EnvKeys() []string {
	keys := make([]string, 0, len(c.Env))
	for _, e := range c.Env {
		keys = append(keys, e.Key)
	}
	return keys
}

// Resolver resolves workspace manifests.
type Resolver struct {
	secrets secrets.Provider
	logger  *logger.Logger
}

// NewResolver creates a manifest resolver.
func NewResolver(provider secrets.Provider, log *logger.Logger) *Resolver {
	return &Resolver{
		secrets: provider,
		logger:  log.WithFields(zap.String("component", "manifest-resolver")),
	}
}

// Resolve reads the manifest from checkoutPath, validates it, resolves
// __KSK__ indirections, and merges the project's stored environment on top
// (project keys override manifest defaults so users can customize without
// editing the repo). Unknown indirections resolve to the empty string with
// a recorded warning rather than failing the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, checkoutPath string, projectEnv []EnvVar) (*ResolvedConfig, error) {
	raw, err := os.ReadFile(filepath.Join(checkoutPath, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, checkoutPath)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var file File
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := validateFile(&file); err != nil {
		return nil, err
	}

	resolved := &ResolvedConfig{
		Name:         file.Name,
		Image:        file.Image,
		BuildCommand: file.BuildCommand,
		StartCommand: file.StartCommand,
		Port:         file.Port,
	}

	// Resolve manifest-declared entries first, tracking keys so project
	// overrides can replace them below.
	byKey := make(map[string]int)
	for _, key := range sortedKeys(file.Env) {
		value := file.Env[key]
		entry := EnvVar{Key: key, Value: value}
		if strings.HasPrefix(value, SecretMarker) {
			secretKey := strings.TrimPrefix(value, SecretMarker)
			entry.IsSecret = true
			entry.Value, err = r.secrets.Get(ctx, secretKey)
			if err != nil {
				if !errors.Is(err, secrets.ErrSecretNotFound) {
					return nil, fmt.Errorf("resolve secret %s: %w", secretKey, err)
				}
				entry.Value = ""
				warning := fmt.Sprintf("unknown secret indirection %s%s for env key %s", SecretMarker, secretKey, key)
				resolved.Warnings = append(resolved.Warnings, warning)
				r.logger.Warn("unknown secret indirection",
					zap.String("env_key", key),
					zap.String("secret_key", secretKey))
			}
		}
		byKey[key] = len(resolved.Env)
		resolved.Env = append(resolved.Env, entry)
	}

	// Project-stored variables take precedence over manifest defaults.
	for _, pv := range projectEnv {
		if i, ok := byKey[pv.Key]; ok {
			resolved.Env[i] = pv
			continue
		}
		byKey[pv.Key] = len(resolved.Env)
		resolved.Env = append(resolved.Env, pv)
	}

	r.logger.Debug("resolved workspace manifest",
		zap.String("checkout", checkoutPath),
		zap.Int("port", resolved.Port),
		zap.Strings("env_keys", resolved.EnvKeys()),
		zap.Int("warnings", len(resolved.Warnings)))

	return resolved, nil
}

func validateFile(f *File) error {
	if strings.TrimSpace(f.StartCommand) == "" {
		return fmt.Errorf("%w: startCommand is required", ErrConfigInvalid)
	}
	if f.Port <= 0 || f.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrConfigInvalid, f.Port)
	}
	for key := range f.Env {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: env contains an empty key", ErrConfigInvalid)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic order keeps container env stable across restarts.
	sort.Strings(keys)
	return keys
}
