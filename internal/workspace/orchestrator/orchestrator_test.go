package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosuke/kosuke/internal/common/config"
	apperrors "github.com/kosuke/kosuke/internal/common/errors"
	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/db"
	"github.com/kosuke/kosuke/internal/events/bus"
	"github.com/kosuke/kosuke/internal/preview"
	"github.com/kosuke/kosuke/internal/secrets"
	"github.com/kosuke/kosuke/internal/workspace/gitrepo"
	"github.com/kosuke/kosuke/internal/workspace/manifest"
	"github.com/kosuke/kosuke/internal/workspace/revert"
	"github.com/kosuke/kosuke/internal/workspace/sessiondb"
	"github.com/kosuke/kosuke/internal/workspace/store"
)

// fakeBackend is an in-process container runtime. Started containers bind
// a real listener on the requested host port answering 200, so the preview
// manager's health check passes without Docker.
type fakeBackend struct {
	mu        sync.Mutex
	creates   int
	specs     map[string]preview.CreateSpec
	listeners map[string]net.Listener
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		specs:     make(map[string]preview.CreateSpec),
		listeners: make(map[string]net.Listener),
	}
}

func (b *fakeBackend) PullImage(ctx context.Context, image string) error { return nil }

func (b *fakeBackend) CreateContainer(ctx context.Context, spec preview.CreateSpec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	id := fmt.Sprintf("ctr-%d", b.creates)
	b.specs[id] = spec
	return id, nil
}

func (b *fakeBackend) StartContainer(ctx context.Context, containerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.specs[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.HostPort))
	if err != nil {
		return err
	}
	b.listeners[containerID] = ln
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go srv.Serve(ln)
	return nil
}

func (b *fakeBackend) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ln, ok := b.listeners[containerID]; ok {
		ln.Close()
		delete(b.listeners, containerID)
	}
	return nil
}

func (b *fakeBackend) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ln, ok := b.listeners[containerID]; ok {
		ln.Close()
		delete(b.listeners, containerID)
	}
	delete(b.specs, containerID)
	return nil
}

func (b *fakeBackend) ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.specs[containerID]; !ok {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}
	return io.NopCloser(strings.NewReader("ready on port 3000\n")), nil
}

func (b *fakeBackend) ListContainers(ctx context.Context, labels map[string]string) ([]preview.ContainerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []preview.ContainerInfo
	for id, spec := range b.specs {
		matches := true
		for k, v := range labels {
			if spec.Labels[k] != v {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, preview.ContainerInfo{ID: id, Name: spec.Name, Image: spec.Image, Labels: spec.Labels})
		}
	}
	return out, nil
}

func (b *fakeBackend) Ping(ctx context.Context) error { return nil }
func (b *fakeBackend) Close() error                   { return nil }

func (b *fakeBackend) createCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

func (b *fakeBackend) containerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.specs)
}

// lastSpec returns the most recently created container's spec.
func (b *fakeBackend) lastSpec(t *testing.T) preview.CreateSpec {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("ctr-%d", b.creates)
	spec, ok := b.specs[id]
	if !ok {
		t.Fatalf("no container %s recorded", id)
	}
	return spec
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.name=test", "-c", "user.email=test@test.local"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// newRemoteRepo creates a clone source with one commit on main holding a
// README and a workspace manifest.
func newRemoteRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	writeFile(t, dir, "README.md", "# demo\n")
	writeFile(t, dir, manifest.FileName, `{"name":"demo","startCommand":"npm run dev","port":3000}`)
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func commitFile(t *testing.T, dir, name, content, message string) string {
	t.Helper()
	writeFile(t, dir, name, content)
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", message)
	return gitRun(t, dir, "rev-parse", "HEAD")
}

type testEnv struct {
	orch    *Orchestrator
	backend *fakeBackend
	bus     *bus.MemoryEventBus
	remote  string
	store   store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()
	log := newTestLogger()

	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{LockTimeout: 1},
	}

	git, err := gitrepo.NewManager(gitrepo.Config{
		ReposBasePath:     filepath.Join(tmpDir, "repos"),
		CheckoutsBasePath: filepath.Join(tmpDir, "checkouts"),
		BranchPrefix:      "kosuke/chat-",
		DefaultBranch:     "main",
	}, log)
	require.NoError(t, err)

	backend := newFakeBackend()
	previews := preview.NewManager(config.PreviewConfig{
		DefaultImage:        "node:20-alpine",
		BaseURL:             "http://127.0.0.1",
		HealthCheckAttempts: 20,
		HealthCheckInterval: 10,
		StopTimeout:         1,
		StartTimeout:        10,
	}, backend, log)

	sessionDB, err := sessiondb.NewSQLiteService(filepath.Join(tmpDir, "sessiondbs"), sessiondb.Options{
		QueryTimeout: 5 * time.Second,
		MaxRows:      100,
	}, log)
	require.NoError(t, err)

	pool, err := db.Open(filepath.Join(tmpDir, "kosuke.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	sessions, err := store.NewSQLiteStore(pool)
	require.NoError(t, err)
	history, err := revert.NewSQLiteHistory(pool)
	require.NoError(t, err)

	resolver := manifest.NewResolver(secrets.NewStaticProvider(nil), log)
	reverts := revert.NewCoordinator(git, history, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	orch := New(cfg, git, resolver, previews, sessionDB, reverts, history, sessions, eventBus, log)
	return &testEnv{
		orch:    orch,
		backend: backend,
		bus:     eventBus,
		remote:  newRemoteRepo(t),
		store:   sessions,
	}
}

func (e *testEnv) create(t *testing.T, sessionID string) *Workspace {
	t.Helper()
	ws, err := e.orch.CreateOrGetWorkspace(context.Background(), CreateRequest{
		SessionID: sessionID,
		ProjectID: "proj-1",
		RemoteURL: e.remote,
	})
	require.NoError(t, err)
	return ws
}

func appCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	return appErr.Code
}

func TestCreateOrGetWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var events []string
	var mu sync.Mutex
	_, err := env.bus.Subscribe("kosuke.workspace.>", func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		events = append(events, event.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ws := env.create(t, "sess-create")

	assert.Equal(t, "kosuke/chat-sess-create", ws.Branch)
	assert.Equal(t, store.StatusRunning, ws.Status)
	assert.NotEmpty(t, ws.PreviewURL)
	assert.NotEmpty(t, ws.DatabaseDSN)
	assert.FileExists(t, filepath.Join(ws.CheckoutPath, "README.md"))

	resp, err := http.Get(ws.PreviewURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "workspace.created")
	assert.Contains(t, events, "workspace.preview_started")

	sess, err := env.store.Get(ctx, "sess-create")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, store.StatusRunning, sess.Status)
	assert.NotEmpty(t, sess.ContainerID)
}

func TestCreateOrGetWorkspace_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.create(t, "sess-idem")
	second := env.create(t, "sess-idem")

	assert.Equal(t, first.Branch, second.Branch)
	assert.Equal(t, first.CheckoutPath, second.CheckoutPath)
	assert.Equal(t, first.PreviewURL, second.PreviewURL)
	assert.Equal(t, 1, env.backend.createCount())
}

func TestCreateOrGetWorkspace_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.CreateOrGetWorkspace(context.Background(), CreateRequest{ProjectID: "proj-1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationError, appCode(t, err))
}

func TestCreateOrGetWorkspace_DatabaseReachableInContainer(t *testing.T) {
	env := newTestEnv(t)

	env.create(t, "sess-dbmount")

	// The sqlite database lives on the host, so the container's
	// DATABASE_URL must point at a path covered by one of its mounts.
	spec := env.backend.lastSpec(t)
	assert.Contains(t, spec.Env, "DATABASE_URL=file:/data/data.db")

	var dataMount *preview.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Target == "/data" {
			dataMount = &spec.Mounts[i]
		}
	}
	require.NotNil(t, dataMount, "no mount backs the database path")
	assert.FileExists(t, filepath.Join(dataMount.Source, "data.db"))

	// The mounted directory is the session's own, not the shared parent
	// holding every session's database.
	assert.Equal(t, "sess-dbmount", filepath.Base(dataMount.Source))

	// A restart rebuilds the spec from scratch and must keep the mount.
	gitRun(t, env.remote, "checkout", "-b", "kosuke/chat-sess-dbmount")
	commitFile(t, env.remote, "feature.txt", "x\n", "remote change")
	gitRun(t, env.remote, "checkout", "main")
	out, err := env.orch.Pull(context.Background(), "sess-dbmount")
	require.NoError(t, err)
	require.True(t, out.Restarted)

	spec = env.backend.lastSpec(t)
	assert.Contains(t, spec.Env, "DATABASE_URL=file:/data/data.db")
}

func TestDatabaseAccess_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orch.DatabaseQuery(ctx, "sess-ghost", "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))

	_, err = env.orch.DatabaseSchema(ctx, "sess-ghost")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))
}

func TestDatabaseAccess_ArchivedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-db-archived")

	require.NoError(t, env.orch.Archive(ctx, "sess-db-archived"))

	// Queries against an archived session must not silently provision a
	// fresh database.
	_, err := env.orch.DatabaseQuery(ctx, "sess-db-archived", "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))

	_, err = env.orch.DatabaseSchema(ctx, "sess-db-archived")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))
}

func TestPull_NoChanges(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "sess-pull-noop")
	before := env.backend.createCount()

	outcome, err := env.orch.Pull(context.Background(), "sess-pull-noop")
	require.NoError(t, err)

	assert.False(t, outcome.Changed)
	assert.Zero(t, outcome.CommitsPulled)
	assert.False(t, outcome.Restarted)
	assert.NotEmpty(t, outcome.PreviewURL)
	assert.Equal(t, before, env.backend.createCount())
}

func TestPull_WithChanges(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "sess-pull")
	before := env.backend.createCount()

	gitRun(t, env.remote, "checkout", "-b", "kosuke/chat-sess-pull")
	commitFile(t, env.remote, "feature.txt", "new feature\n", "add feature")
	gitRun(t, env.remote, "checkout", "main")

	outcome, err := env.orch.Pull(context.Background(), "sess-pull")
	require.NoError(t, err)

	assert.True(t, outcome.Changed)
	assert.Equal(t, 1, outcome.CommitsPulled)
	assert.True(t, outcome.Restarted)
	assert.NotEmpty(t, outcome.PreviewURL)
	assert.FileExists(t, filepath.Join(ws.CheckoutPath, "feature.txt"))
	assert.Equal(t, before+1, env.backend.createCount(), "changed pull must restart the preview")
}

func TestPull_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.Pull(context.Background(), "never-created")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))
}

func TestRevertToMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.create(t, "sess-revert")

	first := commitFile(t, ws.CheckoutPath, "step1.txt", "one\n", "step one")
	require.NoError(t, env.orch.RecordMessageCommit(ctx, "sess-revert", "msg-1", first))
	second := commitFile(t, ws.CheckoutPath, "step2.txt", "two\n", "step two")
	require.NoError(t, env.orch.RecordMessageCommit(ctx, "sess-revert", "msg-2", second))

	before := env.backend.createCount()
	outcome, err := env.orch.RevertToMessage(ctx, "sess-revert", "msg-1")
	require.NoError(t, err)

	assert.Equal(t, "msg-1", outcome.MessageID)
	assert.Equal(t, first, outcome.Commit)
	assert.True(t, outcome.Restarted)
	assert.NotEmpty(t, outcome.PreviewURL)
	assert.Equal(t, first, gitRun(t, ws.CheckoutPath, "rev-parse", "HEAD"))
	assert.NoFileExists(t, filepath.Join(ws.CheckoutPath, "step2.txt"))
	assert.Equal(t, before+1, env.backend.createCount(), "revert must restart the preview")
}

func TestRevertToMessage_MessageNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "sess-revert-missing")

	_, err := env.orch.RevertToMessage(context.Background(), "sess-revert-missing", "no-such-message")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMessageNotFound, appCode(t, err))
}

func TestRevertToMessage_NoAssociatedCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-revert-nocommit")
	require.NoError(t, env.orch.RecordMessageCommit(ctx, "sess-revert-nocommit", "msg-chat-only", ""))

	_, err := env.orch.RevertToMessage(ctx, "sess-revert-nocommit", "msg-chat-only")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNoAssociatedCommit, appCode(t, err))
}

func TestStopAndStartPreview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-stop")

	require.NoError(t, env.orch.StopPreview(ctx, "sess-stop"))
	assert.Empty(t, env.orch.PreviewURL("sess-stop"))

	sess, err := env.store.Get(ctx, "sess-stop")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, sess.Status)
	assert.Empty(t, sess.ContainerID)

	ws, err := env.orch.StartPreview(ctx, "sess-stop")
	require.NoError(t, err)
	assert.NotEmpty(t, ws.PreviewURL)
	assert.Equal(t, store.StatusRunning, ws.Status)
	assert.Equal(t, ws.PreviewURL, env.orch.PreviewURL("sess-stop"))
}

func TestPreviewLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-logs")

	rc, err := env.orch.PreviewLogs(ctx, "sess-logs", false, "100")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ready")

	require.NoError(t, env.orch.StopPreview(ctx, "sess-logs"))
	_, err = env.orch.PreviewLogs(ctx, "sess-logs", false, "100")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))
}

func TestDatabaseQueryAndSchema(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-db")

	_, err := env.orch.DatabaseQuery(ctx, "sess-db", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationError, appCode(t, err))

	_, err = env.orch.DatabaseQuery(ctx, "sess-db", "CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = env.orch.DatabaseQuery(ctx, "sess-db", "INSERT INTO todos (title) VALUES ('write tests')")
	require.NoError(t, err)

	result, err := env.orch.DatabaseQuery(ctx, "sess-db", "SELECT title FROM todos")
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.Equal(t, []string{"title"}, result.Columns)

	schema, err := env.orch.DatabaseSchema(ctx, "sess-db")
	require.NoError(t, err)
	require.Len(t, schema.Tables, 1)
	assert.Equal(t, "todos", schema.Tables[0].Name)

	_, err = env.orch.DatabaseQuery(ctx, "sess-db", "SELECT * FROM missing_table")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQueryFailed, appCode(t, err))
}

func TestArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.create(t, "sess-archive")

	require.NoError(t, env.orch.Archive(ctx, "sess-archive"))

	assert.NoDirExists(t, ws.CheckoutPath)
	assert.Zero(t, env.backend.containerCount())
	assert.Empty(t, env.orch.PreviewURL("sess-archive"))

	_, err := env.orch.Pull(ctx, "sess-archive")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))

	// Archiving again is a no-op failure, not a crash.
	err = env.orch.Archive(ctx, "sess-archive")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, appCode(t, err))
}

func TestSessionLock_Timeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-locked")

	sem := env.orch.sessionLock("sess-locked")
	require.NoError(t, sem.Acquire(ctx, 1))
	defer sem.Release(1)

	_, err := env.orch.Pull(ctx, "sess-locked")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTimeout, appCode(t, err))
}

func TestSessionLock_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "sess-cancel")

	sem := env.orch.sessionLock("sess-cancel")
	require.NoError(t, sem.Acquire(context.Background(), 1))
	defer sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.orch.Pull(ctx, "sess-cancel")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCancelled, appCode(t, err))
}

func TestReconcile_DowngradesRunningSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-reconcile")

	require.NoError(t, env.orch.Reconcile(ctx))

	sess, err := env.store.Get(ctx, "sess-reconcile")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, sess.Status)
	assert.Empty(t, sess.ContainerID)
	assert.Empty(t, sess.PreviewURL)
}

func TestListWorkspaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "sess-list-1")
	env.create(t, "sess-list-2")

	list, err := env.orch.ListWorkspaces(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, env.orch.Archive(ctx, "sess-list-1"))
	list, err = env.orch.ListWorkspaces(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-list-2", list[0].SessionID)
}
