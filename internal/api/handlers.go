package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surface binds to localhost; same-origin enforcement is moot.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler contains the debug API handlers.
type Handler struct {
	engine *engine.Engine
	hub    *events.Hub
	logger *logger.Logger
}

// NewHandler creates the debug API handler.
func NewHandler(eng *engine.Engine, hub *events.Hub, log *logger.Logger) *Handler {
	return &Handler{
		engine: eng,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "debug-api")),
	}
}

// HealthResponse for health checks.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck reports liveness.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

// ListRoles returns the effective role mapping for a repo.
// GET /api/v1/roles?cd=...&client=...
func (h *Handler) ListRoles(c *gin.Context) {
	cd := c.Query("cd")
	if cd == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cd query parameter is required"})
		return
	}
	info := h.engine.Info(c.Request.Context(), cd, c.Query("client"), "")
	status := http.StatusOK
	if info.Error != nil {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, info)
}

// ListSessions returns the persisted session records.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	scopes, err := h.engine.Store().Snapshot()
	if err != nil {
		h.logger.Error("failed to read session store", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session store"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scopes": scopes, "total": len(scopes)})
}

// StreamEvents upgrades to a websocket and mirrors progress events.
// GET /api/v1/events
func (h *Handler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)
	defer conn.Close()

	// Discard client frames; the stream is one-way. Reading keeps pong
	// handling alive and detects the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
