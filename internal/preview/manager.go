package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/config"
	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/common/portutil"
	"github.com/kosuke/kosuke/internal/workspace/manifest"
)

// State is the lifecycle state of a session's preview container.
type State string

const (
	StateNone       State = "none"
	StateCreating   State = "creating"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Handle describes a session's preview container. At most one handle exists
// per session at any time.
type Handle struct {
	SessionID     string    `json:"session_id"`
	ContainerID   string    `json:"container_id"`
	PreviewURL    string    `json:"preview_url"`
	Port          int       `json:"port"`
	State         State     `json:"state"`
	LastHealthyAt time.Time `json:"last_healthy_at"`
}

// StartRequest carries everything needed to run a session's preview.
type StartRequest struct {
	SessionID    string
	CheckoutPath string
	Manifest     *manifest.ResolvedConfig

	// ExtraEnv is appended after the manifest environment, e.g. the
	// session database connection string.
	ExtraEnv []string

	// ExtraMounts are added after the checkout mount, e.g. the session
	// database directory so the container can reach a file-backed DSN.
	ExtraMounts []Mount
}

// Manager drives preview containers through a Backend and enforces the
// one-container-per-session invariant.
type Manager struct {
	backend    Backend
	config     config.PreviewConfig
	logger     *logger.Logger
	httpClient *http.Client

	mu      sync.RWMutex
	handles map[string]*Handle

	// sessionLocks serializes lifecycle mutations per session so racing
	// calls cannot produce two containers or collapse a restart into a
	// plain ensure. Maps sessionID to *sync.Mutex.
	sessionLocks sync.Map
}

// lockSession acquires the session's lifecycle mutex and returns its
// unlock func.
func (m *Manager) lockSession(sessionID string) func() {
	v, _ := m.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// NewManager creates a preview container manager.
func NewManager(cfg config.PreviewConfig, backend Backend, log *logger.Logger) *Manager {
	return &Manager{
		backend:    backend,
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "preview-manager")),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		handles:    make(map[string]*Handle),
	}
}

// EnsureRunning returns the session's running container, creating one if
// needed. A previous failed handle is discarded and creation retried from
// scratch rather than reusing a poisoned handle.
func (m *Manager) EnsureRunning(ctx context.Context, req StartRequest) (*Handle, error) {
	defer m.lockSession(req.SessionID)()

	m.mu.RLock()
	h, ok := m.handles[req.SessionID]
	if ok && h.State == StateRunning {
		snapshot := *h
		m.mu.RUnlock()
		return &snapshot, nil
	}
	m.mu.RUnlock()

	return m.create(ctx, req, StateCreating)
}

// Restart stops the session's container and performs the same creation
// flow as EnsureRunning. Used after pulls and reverts: file changes on disk
// are not hot-reloaded by the preview process in general, and after a
// revert the authoritative state is what the branch points to now.
func (m *Manager) Restart(ctx context.Context, req StartRequest) (*Handle, error) {
	defer m.lockSession(req.SessionID)()

	if err := m.stopLocked(ctx, req.SessionID, StateRestarting); err != nil {
		return nil, err
	}
	return m.create(ctx, req, StateRestarting)
}

// PreviewURL returns the externally reachable URL for a running container,
// or "" when the session has no healthy preview. Callers must not assume a
// URL exists before the container is healthy.
func (m *Manager) PreviewURL(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.handles[sessionID]; ok && h.State == StateRunning {
		return h.PreviewURL
	}
	return ""
}

// Handle returns a snapshot of the session's handle.
func (m *Manager) Handle(sessionID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handles[sessionID]
	if !ok {
		return Handle{SessionID: sessionID, State: StateNone}, false
	}
	return *h, true
}

// Ping checks that the container runtime is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// ContainerID returns the running container's ID for log streaming.
func (m *Manager) ContainerID(sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.handles[sessionID]; ok && h.State == StateRunning {
		return h.ContainerID, nil
	}
	return "", ErrNotRunning
}

// Logs streams the session container's combined output.
func (m *Manager) Logs(ctx context.Context, sessionID string, follow bool, tail string) (io.ReadCloser, error) {
	id, err := m.ContainerID(sessionID)
	if err != nil {
		return nil, err
	}
	return m.backend.ContainerLogs(ctx, id, follow, tail)
}

// Stop releases the session's container and port but keeps the checkout.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	defer m.lockSession(sessionID)()
	return m.stopLocked(ctx, sessionID, StateStopped)
}

// Teardown stops the container and forgets the session entirely. The
// handle is removed before the container stop begins so concurrent
// PreviewURL reads never observe a URL for a container mid-teardown.
func (m *Manager) Teardown(ctx context.Context, sessionID string) error {
	defer m.lockSession(sessionID)()

	m.mu.Lock()
	h, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if !ok || h.ContainerID == "" {
		return nil
	}
	return m.releaseContainer(ctx, h.ContainerID)
}

// Reconcile removes labelled preview containers that no tracked session
// owns. Run once on boot to clear orphans from a previous process.
func (m *Manager) Reconcile(ctx context.Context) error {
	containers, err := m.backend.ListContainers(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return err
	}

	for _, info := range containers {
		sessionID := info.Labels[LabelSession]

		m.mu.RLock()
		h, tracked := m.handles[sessionID]
		owned := tracked && h.ContainerID == info.ID
		m.mu.RUnlock()

		if owned {
			continue
		}

		m.logger.Info("removing orphaned preview container",
			zap.String("container_id", info.ID),
			zap.String("session_id", sessionID))
		if err := m.backend.RemoveContainer(ctx, info.ID, true); err != nil {
			m.logger.Warn("failed to remove orphaned container",
				zap.String("container_id", info.ID),
				zap.Error(err))
		}
	}
	return nil
}

// create runs the full creation flow under the session's lifecycle lock:
// allocate a host port, create and start the container, then poll the
// health endpoint until it answers or the attempt budget is exhausted.
func (m *Manager) create(ctx context.Context, req StartRequest, via State) (*Handle, error) {
	if m.config.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.StartTimeoutDuration())
		defer cancel()
	}

	m.setState(req.SessionID, via)

	hostPort, err := portutil.AllocatePort()
	if err != nil {
		m.setState(req.SessionID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	image := req.Manifest.Image
	if image == "" {
		image = m.config.DefaultImage
	}
	if err := m.backend.PullImage(ctx, image); err != nil {
		m.setState(req.SessionID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	command := req.Manifest.StartCommand
	if req.Manifest.BuildCommand != "" {
		command = req.Manifest.BuildCommand + " && " + command
	}

	env := append([]string{}, req.Manifest.EnvSlice()...)
	env = append(env, req.ExtraEnv...)
	env = append(env, "PORT="+strconv.Itoa(req.Manifest.Port))

	mounts := append([]Mount{{
		Source: req.CheckoutPath,
		Target: "/workspace",
	}}, req.ExtraMounts...)

	spec := CreateSpec{
		Name:       containerName(req.SessionID),
		Image:      image,
		Cmd:        []string{"sh", "-c", command},
		Env:        env,
		WorkingDir: "/workspace",
		Mounts:     mounts,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSession: req.SessionID,
		},
		Memory:        m.config.Memory,
		CPUQuota:      m.config.CPUQuota,
		ContainerPort: req.Manifest.Port,
		HostPort:      hostPort,
	}

	containerID, err := m.backend.CreateContainer(ctx, spec)
	if err != nil {
		m.setState(req.SessionID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	if err := m.backend.StartContainer(ctx, containerID); err != nil {
		m.discard(ctx, containerID)
		m.setState(req.SessionID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	url := fmt.Sprintf("%s:%d", strings.TrimRight(m.config.BaseURL, "/"), hostPort)
	if err := m.waitHealthy(ctx, url); err != nil {
		// A handle whose URL would 404 must never be returned; surface
		// the failure and leave state failed so the next call retries
		// from scratch.
		m.discard(ctx, containerID)
		m.setState(req.SessionID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	handle := &Handle{
		SessionID:     req.SessionID,
		ContainerID:   containerID,
		PreviewURL:    url,
		Port:          hostPort,
		State:         StateRunning,
		LastHealthyAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.handles[req.SessionID] = handle
	m.mu.Unlock()

	m.logger.Info("preview container running",
		zap.String("session_id", req.SessionID),
		zap.String("container_id", containerID),
		zap.String("url", url))

	snapshot := *handle
	return &snapshot, nil
}

// stopLocked stops and removes the session's container, leaving the handle
// in the given terminal state. Callers hold the session's lifecycle lock.
func (m *Manager) stopLocked(ctx context.Context, sessionID string, terminal State) error {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	var containerID string
	if ok {
		containerID = h.ContainerID
		h.State = StateStopping
		h.PreviewURL = ""
	}
	m.mu.Unlock()

	if containerID != "" {
		if err := m.releaseContainer(ctx, containerID); err != nil {
			m.setState(sessionID, StateFailed)
			return err
		}
	}

	m.mu.Lock()
	if h, ok := m.handles[sessionID]; ok {
		h.State = terminal
		h.ContainerID = ""
		h.Port = 0
	}
	m.mu.Unlock()
	return nil
}

// releaseContainer gracefully stops then removes a container; the stop
// falls back to force-kill after the configured timeout, and removal is
// forced regardless.
func (m *Manager) releaseContainer(ctx context.Context, containerID string) error {
	if err := m.backend.StopContainer(ctx, containerID, m.config.StopTimeoutDuration()); err != nil {
		m.logger.Warn("graceful stop failed, forcing removal",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
	return m.backend.RemoveContainer(ctx, containerID, true)
}

// discard force-removes a container that never became healthy. Best effort:
// the start error is the one worth surfacing.
func (m *Manager) discard(ctx context.Context, containerID string) {
	if err := m.backend.RemoveContainer(ctx, containerID, true); err != nil {
		m.logger.Warn("failed to remove unhealthy container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}

func (m *Manager) setState(sessionID string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[sessionID]
	if !ok {
		h = &Handle{SessionID: sessionID}
		m.handles[sessionID] = h
	}
	h.State = state
	if state != StateRunning {
		h.PreviewURL = ""
	}
}

// waitHealthy polls the preview URL until it answers with a non-5xx/4xx
// status, backing off linearly between attempts.
func (m *Manager) waitHealthy(ctx context.Context, url string) error {
	interval := m.config.HealthCheckIntervalDuration()
	var lastErr error

	for attempt := 1; attempt <= m.config.HealthCheckAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := m.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 400 {
				return nil
			}
			lastErr = fmt.Errorf("health check returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("health check budget exhausted: %w", lastErr)
}

func containerName(sessionID string) string {
	// Docker names must be unique; a short random suffix avoids collisions
	// with a container still being removed from a previous run.
	return "kosuke-preview-" + sessionID + "-" + uuid.New().String()[:8]
}
