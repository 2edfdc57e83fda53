package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/daemon"
)

// NewRouter builds the coordinator's HTTP surface.
func NewRouter(c *daemon.Coordinator, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := NewHandler(c, log)

	router.GET("/health", h.HealthCheck)
	router.POST("/hooks/agent", h.HookCallback)
	router.GET("/events/stream", h.EventStream)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.PATCH("/:id", h.PatchSession)
		sessions.DELETE("/:id", h.DeleteSession)

		sessions.POST("/:id/input", h.Input)
		sessions.POST("/:id/watch", h.Watch)
		sessions.POST("/:id/clear", h.Clear)
		sessions.POST("/:id/invalidate-cache", h.InvalidateCache)
		sessions.POST("/:id/task-complete", h.TaskComplete)
		sessions.POST("/:id/status", h.Status)
		sessions.POST("/:id/remind", h.Remind)
		sessions.POST("/:id/parent-wake", h.ParentWake)
		sessions.POST("/:id/handoff", h.Handoff)
		sessions.GET("/:id/output", h.Output)
		sessions.POST("/:id/review", h.StartReview)
	}

	router.POST("/reviews/pr", h.PRReview)

	locks := router.Group("/locks")
	{
		locks.GET("", h.Locks)
		locks.POST("", h.AcquireLock)
		locks.DELETE("", h.ReleaseLock)
	}

	return router
}
