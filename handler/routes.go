package handler

import (
	"github.com/gin-gonic/gin"

	mid "insights/middleware"
)

// InitAppRoutes Registers the project scoped API routes.
func InitAppRoutes(r *gin.Engine, h *Handler) {
	projectRoutes := r.Group("/projects/:project_id")
	projectRoutes.Use(mid.SetScopeProjectId())

	projectRoutes.POST("/trends", h.TrendsHandler)
}

// InitStatusRoutes Liveness endpoint.
func InitStatusRoutes(r *gin.Engine) {
	r.GET("/status", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "success"})
	})
}
