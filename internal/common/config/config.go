// Package config provides configuration management for Kosuke.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Kosuke.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Git       GitConfig       `mapstructure:"git"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	SessionDB SessionDBConfig `mapstructure:"sessionDb"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// GitConfig holds configuration for project clones and session checkouts.
type GitConfig struct {
	// ReposBasePath is the base directory for canonical project clones.
	// Supports ~ expansion. Default: ~/.kosuke/repos
	ReposBasePath string `mapstructure:"reposBasePath"`

	// CheckoutsBasePath is the base directory for per-session checkouts.
	// Default: ~/.kosuke/checkouts
	CheckoutsBasePath string `mapstructure:"checkoutsBasePath"`

	// BranchPrefix is prepended to session IDs to form branch names.
	// Default: kosuke/chat-
	BranchPrefix string `mapstructure:"branchPrefix"`

	// DefaultBranch is the branch session branches fork from. Default: main
	DefaultBranch string `mapstructure:"defaultBranch"`

	// OperationTimeout bounds a single git subprocess, in seconds.
	OperationTimeout int `mapstructure:"operationTimeout"`
}

// PreviewConfig holds preview container configuration.
type PreviewConfig struct {
	// DefaultImage is used when the workspace manifest does not declare one.
	DefaultImage string `mapstructure:"defaultImage"`

	// BaseURL is the externally reachable host for preview URLs,
	// e.g. http://localhost. The allocated port is appended.
	BaseURL string `mapstructure:"baseUrl"`

	// HealthCheckAttempts bounds health polling after container start.
	HealthCheckAttempts int `mapstructure:"healthCheckAttempts"`

	// HealthCheckInterval is the initial delay between attempts, in
	// milliseconds. The interval backs off linearly per attempt.
	HealthCheckInterval int `mapstructure:"healthCheckInterval"`

	// StopTimeout is the graceful stop window before force-kill, in seconds.
	StopTimeout int `mapstructure:"stopTimeout"`

	// StartTimeout bounds the whole create-start-health flow, in seconds.
	StartTimeout int `mapstructure:"startTimeout"`

	// Memory is the per-container memory limit in bytes. Zero means no limit.
	Memory int64 `mapstructure:"memory"`

	// CPUQuota is the per-container CPU quota. Zero means no limit.
	CPUQuota int64 `mapstructure:"cpuQuota"`
}

// SessionDBConfig holds configuration for per-session preview databases.
type SessionDBConfig struct {
	// Driver selects the backend: sqlite (file per session) or postgres
	// (schema per session). Default: sqlite
	Driver string `mapstructure:"driver"`

	// BasePath is the directory for sqlite session database files.
	// Default: ~/.kosuke/sessiondbs
	BasePath string `mapstructure:"basePath"`

	// DSN is the postgres connection string used when driver=postgres.
	DSN string `mapstructure:"dsn"`

	// QueryTimeout bounds a single statement, in seconds.
	QueryTimeout int `mapstructure:"queryTimeout"`

	// MaxRows caps the number of rows returned by a query.
	MaxRows int `mapstructure:"maxRows"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SecretsConfig holds configuration for manifest secret indirections.
type SecretsConfig struct {
	// EnvPrefix is prepended when resolving __KSK__ keys from the process
	// environment. Default: KSK_
	EnvPrefix string `mapstructure:"envPrefix"`
}

// WorkspaceConfig holds orchestrator-level configuration.
type WorkspaceConfig struct {
	// DBPath is the sqlite file holding session records.
	// Default: ~/.kosuke/kosuke.db
	DBPath string `mapstructure:"dbPath"`

	// LockTimeout bounds waiting on a session's exclusive lock, in seconds.
	LockTimeout int `mapstructure:"lockTimeout"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// OperationTimeoutDuration returns the git operation timeout as a time.Duration.
func (g *GitConfig) OperationTimeoutDuration() time.Duration {
	return time.Duration(g.OperationTimeout) * time.Second
}

// StopTimeoutDuration returns the graceful stop window as a time.Duration.
func (p *PreviewConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(p.StopTimeout) * time.Second
}

// StartTimeoutDuration returns the start budget as a time.Duration.
func (p *PreviewConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(p.StartTimeout) * time.Second
}

// HealthCheckIntervalDuration returns the initial poll interval as a time.Duration.
func (p *PreviewConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(p.HealthCheckInterval) * time.Millisecond
}

// QueryTimeoutDuration returns the statement timeout as a time.Duration.
func (s *SessionDBConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(s.QueryTimeout) * time.Second
}

// LockTimeoutDuration returns the session lock timeout as a time.Duration.
func (w *WorkspaceConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(w.LockTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// Git defaults
	v.SetDefault("git.reposBasePath", "~/.kosuke/repos")
	v.SetDefault("git.checkoutsBasePath", "~/.kosuke/checkouts")
	v.SetDefault("git.branchPrefix", "kosuke/chat-")
	v.SetDefault("git.defaultBranch", "main")
	v.SetDefault("git.operationTimeout", 120)

	// Preview defaults
	v.SetDefault("preview.defaultImage", "node:20-bookworm-slim")
	v.SetDefault("preview.baseUrl", "http://localhost")
	v.SetDefault("preview.healthCheckAttempts", 30)
	v.SetDefault("preview.healthCheckInterval", 1000)
	v.SetDefault("preview.stopTimeout", 10)
	v.SetDefault("preview.startTimeout", 180)
	v.SetDefault("preview.memory", int64(0))
	v.SetDefault("preview.cpuQuota", int64(0))

	// Session database defaults
	v.SetDefault("sessionDb.driver", "sqlite")
	v.SetDefault("sessionDb.basePath", "~/.kosuke/sessiondbs")
	v.SetDefault("sessionDb.dsn", "")
	v.SetDefault("sessionDb.queryTimeout", 10)
	v.SetDefault("sessionDb.maxRows", 1000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kosuke-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Secrets defaults
	v.SetDefault("secrets.envPrefix", "KSK_")

	// Workspace defaults
	v.SetDefault("workspace.dbPath", "~/.kosuke/kosuke.db")
	v.SetDefault("workspace.lockTimeout", 30)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KOSUKE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kosuke/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KOSUKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("git.branchPrefix", "KOSUKE_GIT_BRANCH_PREFIX")
	_ = v.BindEnv("git.defaultBranch", "KOSUKE_GIT_DEFAULT_BRANCH")
	_ = v.BindEnv("preview.baseUrl", "KOSUKE_PREVIEW_BASE_URL")
	_ = v.BindEnv("sessionDb.driver", "KOSUKE_SESSION_DB_DRIVER")
	_ = v.BindEnv("sessionDb.dsn", "KOSUKE_SESSION_DB_DSN")
	_ = v.BindEnv("workspace.dbPath", "KOSUKE_WORKSPACE_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kosuke/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.SessionDB.Driver {
	case "sqlite":
	case "postgres":
		if cfg.SessionDB.DSN == "" {
			return fmt.Errorf("sessionDb.dsn is required when sessionDb.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown sessionDb.driver: %s", cfg.SessionDB.Driver)
	}
	if cfg.Git.BranchPrefix == "" {
		return fmt.Errorf("git.branchPrefix must not be empty")
	}
	if cfg.Preview.HealthCheckAttempts <= 0 {
		return fmt.Errorf("preview.healthCheckAttempts must be positive")
	}
	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("KOSUKE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}
