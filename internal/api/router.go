// Package api provides the optional read-only debug HTTP surface: health,
// effective roles, persisted sessions, and a websocket mirror of progress
// events. It never spawns a backend child.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
)

// SetupRoutes configures the debug API routes on the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, eng *engine.Engine, hub *events.Hub, log *logger.Logger) {
	handler := NewHandler(eng, hub, log)

	router.GET("/roles", handler.ListRoles)
	router.GET("/sessions", handler.ListSessions)
	router.GET("/events", handler.StreamEvents)
}
