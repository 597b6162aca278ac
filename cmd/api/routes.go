package main

import (
	"callflow/internal/httpapi"
	"callflow/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	// AUTH routes (token issuance) are public; everything else requires an
	// access token.
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	protected := v1.Group("")
	protected.Use(authMW)
	{
		// CALL routes
		calls := protected.Group("/calls")
		{
			calls.POST("", h.Initiate)
			calls.GET("/active", h.ActiveSession)
			calls.GET("/:id", h.GetSession)
			calls.GET("/:id/events", h.SessionEvents)
			calls.POST("/:id/acknowledge", h.Acknowledge)
			calls.POST("/:id/respond", h.Respond)
			calls.POST("/:id/heartbeat", h.Heartbeat)
			calls.POST("/:id/status", h.UpdateStatus)
			calls.POST("/:id/end", h.End)
			calls.POST("/:id/cancel", h.Cancel)
			calls.POST("/:id/timeout", h.ReportTimeout)
		}

		// QUEUE routes
		queue := protected.Group("/queue")
		{
			queue.GET("", h.ListQueue)
			queue.DELETE("/:id", h.CancelQueueEntry)
		}

		// Per-user event stream.
		protected.GET("/events/ws", h.EventsWS)

		// ADMIN routes
		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/stats", h.AdminStats)
			admin.GET("/sessions", h.AdminSessions)
			admin.GET("/reports/calls", h.AdminCallsReport)
		}
	}
}
