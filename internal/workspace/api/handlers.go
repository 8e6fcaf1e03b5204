package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/errors"
	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/preview"
	"github.com/kosuke/kosuke/internal/workspace/orchestrator"
)

// Handler contains HTTP handlers for the workspace API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		orch:   orch,
		logger: log.WithFields(zap.String("component", "workspace-api")),
	}
}

// respondErr writes an error as an AppError JSON body with the matching
// HTTP status.
func (h *Handler) respondErr(c *gin.Context, err error) {
	appErr := errors.Wrap(err, "request failed")
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateWorkspace materializes the workspace for a chat session.
// POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ws, err := h.orch.CreateOrGetWorkspace(c.Request.Context(), orchestrator.CreateRequest{
		SessionID:     req.SessionID,
		ProjectID:     req.ProjectID,
		RemoteURL:     req.RemoteURL,
		DefaultBranch: req.DefaultBranch,
		Env:           req.Env,
	})
	if err != nil {
		h.logger.Error("failed to create workspace",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, ws)
}

// ListWorkspaces returns a project's non-archived workspaces.
// GET /api/v1/workspaces?projectId=...
func (h *Handler) ListWorkspaces(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		appErr := errors.BadRequest("projectId query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	workspaces, err := h.orch.ListWorkspaces(c.Request.Context(), projectID)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, WorkspacesListResponse{
		Workspaces: workspaces,
		Total:      len(workspaces),
	})
}

// GetWorkspace returns one workspace's state.
// GET /api/v1/workspaces/:sessionId
func (h *Handler) GetWorkspace(c *gin.Context) {
	sessionID := c.Param("sessionId")

	ws, err := h.orch.GetWorkspace(c.Request.Context(), sessionID)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, ws)
}

// Pull fast-forwards the session branch and restarts the preview when
// anything changed.
// POST /api/v1/workspaces/:sessionId/pull
func (h *Handler) Pull(c *gin.Context) {
	sessionID := c.Param("sessionId")

	outcome, err := h.orch.Pull(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("pull failed", zap.String("session_id", sessionID), zap.Error(err))
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// Revert rolls the workspace back to the commit a message produced.
// POST /api/v1/workspaces/:sessionId/revert
func (h *Handler) Revert(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req RevertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	outcome, err := h.orch.RevertToMessage(c.Request.Context(), sessionID, req.MessageID)
	if err != nil {
		h.logger.Error("revert failed",
			zap.String("session_id", sessionID),
			zap.String("message_id", req.MessageID),
			zap.Error(err))
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// RecordMessage associates a chat message with the commit it produced.
// POST /api/v1/workspaces/:sessionId/messages
func (h *Handler) RecordMessage(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req RecordMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.orch.RecordMessageCommit(c.Request.Context(), sessionID, req.MessageID, req.CommitHash); err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "recorded"})
}

// GetPreview returns the running preview's URL and state, or 409 when the
// container is not serving yet.
// GET /api/v1/workspaces/:sessionId/preview
func (h *Handler) GetPreview(c *gin.Context) {
	sessionID := c.Param("sessionId")

	handle, ok := h.orch.PreviewHandle(sessionID)
	if !ok || handle.State != preview.StateRunning {
		appErr := errors.Conflict("preview is not ready")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, PreviewResponse{
		URL:   handle.PreviewURL,
		State: string(handle.State),
	})
}

// StartPreview ensures the session's preview container is running.
// POST /api/v1/workspaces/:sessionId/preview/start
func (h *Handler) StartPreview(c *gin.Context) {
	sessionID := c.Param("sessionId")

	ws, err := h.orch.StartPreview(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("preview start failed", zap.String("session_id", sessionID), zap.Error(err))
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, ws)
}

// StopPreview stops the session's preview container.
// POST /api/v1/workspaces/:sessionId/preview/stop
func (h *Handler) StopPreview(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := h.orch.StopPreview(c.Request.Context(), sessionID); err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "preview stopped"})
}

// DatabaseSchema returns the session database's tables and columns.
// GET /api/v1/workspaces/:sessionId/database/schema
func (h *Handler) DatabaseSchema(c *gin.Context) {
	sessionID := c.Param("sessionId")

	schema, err := h.orch.DatabaseSchema(c.Request.Context(), sessionID)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, schema)
}

// DatabaseQuery runs one statement against the session database.
// POST /api/v1/workspaces/:sessionId/database/query
func (h *Handler) DatabaseQuery(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.orch.DatabaseQuery(c.Request.Context(), sessionID, req.Query)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HealthCheck reports dependency connectivity.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	components := h.orch.Health(c.Request.Context())
	status := "healthy"
	if components.Docker != "ok" || components.Bus != "connected" {
		status = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Components: components,
	})
}

// Archive tears down the session's container, checkout, and database.
// POST /api/v1/workspaces/:sessionId/archive
func (h *Handler) Archive(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := h.orch.Archive(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("archive failed", zap.String("session_id", sessionID), zap.Error(err))
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "workspace archived"})
}
