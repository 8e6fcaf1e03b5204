package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/workspace/orchestrator"
)

// SetupRoutes configures the workspace API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, orch *orchestrator.Orchestrator, log *logger.Logger) {
	handler := NewHandler(orch, log)

	workspaces := router.Group("/workspaces")
	{
		workspaces.POST("", handler.CreateWorkspace)
		workspaces.GET("", handler.ListWorkspaces)
		workspaces.GET("/:sessionId", handler.GetWorkspace)

		// Branch state
		workspaces.POST("/:sessionId/pull", handler.Pull)
		workspaces.POST("/:sessionId/revert", handler.Revert)
		workspaces.POST("/:sessionId/messages", handler.RecordMessage)

		// Preview lifecycle
		workspaces.GET("/:sessionId/preview", handler.GetPreview)
		workspaces.POST("/:sessionId/preview/start", handler.StartPreview)
		workspaces.POST("/:sessionId/preview/stop", handler.StopPreview)
		workspaces.GET("/:sessionId/preview/logs", handler.StreamLogs)

		// Session database
		workspaces.GET("/:sessionId/database/schema", handler.DatabaseSchema)
		workspaces.POST("/:sessionId/database/query", handler.DatabaseQuery)

		workspaces.POST("/:sessionId/archive", handler.Archive)
	}
}
