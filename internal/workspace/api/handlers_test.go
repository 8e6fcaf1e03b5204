package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kosuke/kosuke/internal/common/config"
	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/db"
	"github.com/kosuke/kosuke/internal/events/bus"
	"github.com/kosuke/kosuke/internal/preview"
	"github.com/kosuke/kosuke/internal/secrets"
	"github.com/kosuke/kosuke/internal/workspace/gitrepo"
	"github.com/kosuke/kosuke/internal/workspace/manifest"
	"github.com/kosuke/kosuke/internal/workspace/orchestrator"
	"github.com/kosuke/kosuke/internal/workspace/revert"
	"github.com/kosuke/kosuke/internal/workspace/sessiondb"
	"github.com/kosuke/kosuke/internal/workspace/store"
)

// fakeBackend answers container lifecycle calls in-process. Started
// containers serve HTTP 200 on their host port so health checks pass.
type fakeBackend struct {
	mu        sync.Mutex
	nextID    int
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
	b.nextID++
	id := fmt.Sprintf("ctr-%d", b.nextID)
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
	return io.NopCloser(strings.NewReader("listening on 3000\n")), nil
}

func (b *fakeBackend) ListContainers(ctx context.Context, labels map[string]string) ([]preview.ContainerInfo, error) {
	return nil, nil
}

func (b *fakeBackend) Ping(ctx context.Context) error { return nil }
func (b *fakeBackend) Close() error                   { return nil }

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

func newRemoteRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	files := map[string]string{
		"README.md":       "# demo\n",
		manifest.FileName: `{"name":"demo","startCommand":"npm run dev","port":3000}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}

func setupTestServer(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tmpDir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})

	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{LockTimeout: 5},
	}

	git, err := gitrepo.NewManager(gitrepo.Config{
		ReposBasePath:     filepath.Join(tmpDir, "repos"),
		CheckoutsBasePath: filepath.Join(tmpDir, "checkouts"),
		BranchPrefix:      "kosuke/chat-",
		DefaultBranch:     "main",
	}, log)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	previews := preview.NewManager(config.PreviewConfig{
		DefaultImage:        "node:20-alpine",
		BaseURL:             "http://127.0.0.1",
		HealthCheckAttempts: 20,
		HealthCheckInterval: 10,
		StopTimeout:         1,
		StartTimeout:        10,
	}, newFakeBackend(), log)

	sessionDB, err := sessiondb.NewSQLiteService(filepath.Join(tmpDir, "sessiondbs"), sessiondb.Options{
		QueryTimeout: 5 * time.Second,
		MaxRows:      100,
	}, log)
	if err != nil {
		t.Fatalf("NewSQLiteService failed: %v", err)
	}

	pool, err := db.Open(filepath.Join(tmpDir, "kosuke.db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	sessions, err := store.NewSQLiteStore(pool)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	history, err := revert.NewSQLiteHistory(pool)
	if err != nil {
		t.Fatalf("NewSQLiteHistory failed: %v", err)
	}

	resolver := manifest.NewResolver(secrets.NewStaticProvider(nil), log)
	reverts := revert.NewCoordinator(git, history, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	orch := orchestrator.New(cfg, git, resolver, previews, sessionDB, reverts, history, sessions, eventBus, log)

	router := gin.New()
	v1 := router.Group("/api/v1")
	SetupRoutes(v1, orch, log)
	router.GET("/health", NewHandler(orch, log).HealthCheck)

	return router, newRemoteRepo(t)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response: %v\n%s", err, w.Body.String())
	}
}

func createWorkspace(t *testing.T, router *gin.Engine, remote, sessionID string) map[string]any {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces", map[string]any{
		"session_id": sessionID,
		"project_id": "proj-1",
		"remote_url": remote,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var ws map[string]any
	decodeBody(t, w, &ws)
	return ws
}

func TestHandler_CreateWorkspace(t *testing.T) {
	router, remote := setupTestServer(t)

	ws := createWorkspace(t, router, remote, "sess-api-create")
	if ws["branch"] != "kosuke/chat-sess-api-create" {
		t.Errorf("unexpected branch %v", ws["branch"])
	}
	if ws["status"] != "running" {
		t.Errorf("unexpected status %v", ws["status"])
	}
	if ws["preview_url"] == "" || ws["preview_url"] == nil {
		t.Error("expected a preview URL")
	}
}

func TestHandler_CreateWorkspace_InvalidBody(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces", map[string]any{
		"session_id": "sess-invalid",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["code"] != "BAD_REQUEST" {
		t.Errorf("unexpected error code %v", body["code"])
	}
}

func TestHandler_GetWorkspace(t *testing.T) {
	router, remote := setupTestServer(t)
	createWorkspace(t, router, remote, "sess-api-get")

	w := doJSON(t, router, http.MethodGet, "/api/v1/workspaces/sess-api-get", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ws map[string]any
	decodeBody(t, w, &ws)
	if ws["session_id"] != "sess-api-get" {
		t.Errorf("unexpected session_id %v", ws["session_id"])
	}
}

func TestHandler_GetWorkspace_NotFound(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/workspaces/never-created", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["code"] != "NOT_FOUND" {
		t.Errorf("unexpected error code %v", body["code"])
	}
}

func TestHandler_ListWorkspaces(t *testing.T) {
	router, remote := setupTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/workspaces", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without projectId, got %d", w.Code)
	}

	createWorkspace(t, router, remote, "sess-api-list")
	w = doJSON(t, router, http.MethodGet, "/api/v1/workspaces?projectId=proj-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp WorkspacesListResponse
	decodeBody(t, w, &resp)
	if resp.Total != 1 {
		t.Errorf("expected 1 workspace, got %d", resp.Total)
	}
}

func TestHandler_Pull(t *testing.T) {
	router, remote := setupTestServer(t)
	createWorkspace(t, router, remote, "sess-api-pull")

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-pull/pull", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var outcome map[string]any
	decodeBody(t, w, &outcome)
	if outcome["changed"] != false {
		t.Errorf("expected changed=false, got %v", outcome["changed"])
	}
}

func TestHandler_Revert_MessageNotFound(t *testing.T) {
	router, remote := setupTestServer(t)
	createWorkspace(t, router, remote, "sess-api-revert")

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-revert/revert", map[string]any{
		"message_id": "no-such-message",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["code"] != "MESSAGE_NOT_FOUND" {
		t.Errorf("unexpected error code %v", body["code"])
	}
}

func TestHandler_Revert_MissingMessageID(t *testing.T) {
	router, remote := setupTestServer(t)
	createWorkspace(t, router, remote, "sess-api-revert-bad")

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-revert-bad/revert", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandler_DatabaseQuery(t *testing.T) {
	router, remote := setupTestServer(t)
	createWorkspace(t, router, remote, "sess-api-db")

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-db/database/query", map[string]any{
		"query": "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/workspaces/sess-api-db/database/schema", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var schema sessiondb.Schema
	decodeBody(t, w, &schema)
	if len(schema.Tables) != 1 || schema.Tables[0].Name != "notes" {
		t.Errorf("unexpected schema: %+v", schema)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-db/database/query", map[string]any{
		"query": "SELECT * FROM missing",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for failed query, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["code"] != "QUERY_FAILED" {
		t.Errorf("unexpected error code %v", body["code"])
	}
}

func TestHandler_PreviewStopStart(t *testing.T) {
	router, remote := setupTestServer(t)
	createWorkspace(t, router, remote, "sess-api-preview")

	w := doJSON(t, router, http.MethodGet, "/api/v1/workspaces/sess-api-preview/preview", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pr PreviewResponse
	decodeBody(t, w, &pr)
	if pr.URL == "" || pr.State != "running" {
		t.Errorf("unexpected preview response: %+v", pr)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-preview/preview/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/workspaces/sess-api-preview/preview", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while stopped, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-preview/preview/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ws map[string]any
	decodeBody(t, w, &ws)
	if ws["preview_url"] == "" || ws["preview_url"] == nil {
		t.Error("expected a preview URL after restart")
	}
}

func TestHandler_RecordMessage(t *testing.T) {
	router, remote := setupTestServer(t)
	ws := createWorkspace(t, router, remote, "sess-api-msg")
	checkoutPath, _ := ws["checkout_path"].(string)
	head := gitRun(t, checkoutPath, "rev-parse", "HEAD")

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-msg/messages", map[string]any{
		"message_id":  "msg-1",
		"commit_hash": head,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The recorded commit is now a valid revert target.
	w = doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-msg/revert", map[string]any{
		"message_id": "msg-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var outcome map[string]any
	decodeBody(t, w, &outcome)
	if outcome["commit"] != head {
		t.Errorf("expected commit %s, got %v", head, outcome["commit"])
	}
}

func TestHandler_Archive(t *testing.T) {
	router, remote := setupTestServer(t)
	createWorkspace(t, router, remote, "sess-api-archive")

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-archive/archive", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/workspaces/sess-api-archive/pull", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after archive, got %d", w.Code)
	}
}

func TestHandler_HealthCheck(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "healthy" {
		t.Errorf("unexpected status %q", resp.Status)
	}
	if resp.Components.Docker != "ok" || resp.Components.Bus != "connected" {
		t.Errorf("unexpected components: %+v", resp.Components)
	}
}
