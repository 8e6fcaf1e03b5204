// Package preview manages the lifecycle of per-session preview containers.
package preview

import (
	"context"
	"errors"
	"io"
	"time"
)

// Labels applied to every preview container so orphans can be found on boot.
const (
	LabelManaged = "kosuke.managed"
	LabelSession = "kosuke.session"
)

var (
	// ErrStartFailed is returned when the container could not be created,
	// started, or did not become healthy within the health-check budget.
	ErrStartFailed = errors.New("preview container failed to start")

	// ErrNotRunning is returned for operations that require a running
	// container.
	ErrNotRunning = errors.New("no running preview container for session")
)

// Mount maps a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateSpec holds everything needed to create a preview container.
type CreateSpec struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	WorkingDir    string
	Mounts        []Mount
	Labels        map[string]string
	NetworkMode   string
	Memory        int64
	CPUQuota      int64
	ContainerPort int
	HostPort      int
}

// ContainerInfo describes an existing container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// Backend is the capability interface over the container runtime. The
// production implementation drives the Docker daemon; tests substitute a
// fake.
type Backend interface {
	// PullImage ensures the image is available locally.
	PullImage(ctx context.Context, image string) error

	// CreateContainer creates a container and returns its ID.
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a container gracefully, force-killing after the
	// timeout.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// RemoveContainer removes a container and its anonymous volumes.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// ContainerLogs streams a container's combined output.
	ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)

	// ListContainers lists containers matching all the given labels.
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	// Ping checks runtime availability.
	Ping(ctx context.Context) error

	// Close releases the runtime connection.
	Close() error
}
