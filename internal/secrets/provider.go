// Package secrets resolves the __KSK__ indirections declared in workspace
// manifests against process-wide secret configuration.
package secrets

import (
	"context"
	"errors"
	"os"
)

// ErrSecretNotFound is returned when no provider holds a value for the key.
var ErrSecretNotFound = errors.New("secret not found")

// Provider supplies secret values by key. Keys are the bare names after the
// __KSK__ marker, e.g. "RESEND_API_KEY".
type Provider interface {
	// Name returns the provider name for logging.
	Name() string

	// Get retrieves a secret value. Returns ErrSecretNotFound if the key
	// has no value in this provider.
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider resolves secrets from environment variables.
type EnvProvider struct {
	prefix string // Optional prefix, e.g. "KSK_"
}

// NewEnvProvider creates an environment-backed provider. When prefix is
// non-empty, the prefixed name is tried first so deployments can namespace
// their secrets, with the bare name as a fallback.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// Get retrieves a secret from environment variables.
func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return value, nil
		}
	}
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// StaticProvider serves secrets from a fixed map. Used in tests and for
// values injected at construction time.
type StaticProvider struct {
	values map[string]string
}

// NewStaticProvider creates a provider over a fixed key/value map.
func NewStaticProvider(values map[string]string) *StaticProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticProvider{values: copied}
}

// Name returns the provider name.
func (p *StaticProvider) Name() string {
	return "static"
}

// Get retrieves a secret from the map.
func (p *StaticProvider) Get(ctx context.Context, key string) (string, error) {
	if value, ok := p.values[key]; ok {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// Chain tries each provider in order and returns the first hit.
type Chain struct {
	providers []Provider
}

// NewChain creates a provider chain.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Name returns the provider name.
func (c *Chain) Name() string {
	return "chain"
}

// Get retrieves a secret from the first provider that holds the key.
func (c *Chain) Get(ctx context.Context, key string) (string, error) {
	for _, p := range c.providers {
		value, err := p.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", ErrSecretNotFound
}
