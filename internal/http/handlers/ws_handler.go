// README: WebSocket endpoint; registers the caller's session with the
// event hub for offer and trip notifications.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"okada/internal/eventbus"
	"okada/internal/http/middleware"
	"okada/internal/types"
)

type WSHandler struct {
	hub      *eventbus.Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWSHandler(hub *eventbus.Hub, log *zap.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens on the bearer token, not the Origin header;
			// mobile clients send no Origin at all.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the connection and parks a reader that only watches
// for close. All traffic is server→client; client frames are ignored.
func (h *WSHandler) Serve(c *gin.Context) {
	userID := types.ID(middleware.CallerUID(c))
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	h.hub.Add(userID, conn)

	go func() {
		defer func() {
			h.hub.Remove(userID, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
