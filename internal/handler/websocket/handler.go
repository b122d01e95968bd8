// Package websocket upgrades authenticated HTTP requests into gateway
// connections.
package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/hub"
	"collaborative-diagram/internal/middleware"
)

// WebSocketHandler upgrades requests and hands the connection to the hub.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
}

func NewWebSocketHandler(h *hub.Hub) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// TODO: restrict origins via WEBSOCKET_ALLOWED_ORIGIN before
			// exposing the gateway beyond trusted frontends.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: h,
	}
}

// HandleConnection serves GET /ws. Room selection happens after the upgrade
// through the join_room event, so a single connection can switch rooms.
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		logrus.Warn("WS Handler: identity not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	logCtx := logrus.WithField("user_id", identity.UserID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logCtx.WithError(err).Error("WS Handler: failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: connection upgraded to WebSocket")

	client := hub.NewClient(h.hub, conn, identity)
	client.Run()
}
