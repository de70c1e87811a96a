package v1

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/hub"
)

// Feed streams the agent events of a session over a WebSocket.
// GET /v1/sessions/:session_id/feed
func (h *Handler) Feed(c echo.Context) error {
	if h.hub == nil {
		return writeError(c, apperr.New(apperr.KindUpstreamUnavailable, "event feed is disabled"))
	}
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return badRequest(c, "session_id is required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}

	conn := h.hub.NewConnection(ws, sessionID)
	h.hub.Register(conn)

	ws.SetReadLimit(h.feed.MaxMessageSize)

	go h.writePump(conn)
	go h.readPump(conn)

	return nil
}

// readPump drains client frames so control messages are handled, until the peer goes away.
func (h *Handler) readPump(conn *hub.Connection) {
	defer func() {
		h.hub.Unregister(conn)
		conn.Close()
	}()

	_ = conn.Conn.SetReadDeadline(time.Now().Add(h.feed.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(h.feed.ReadTimeout))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("feed read error", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued events and keeps the connection alive with pings.
func (h *Handler) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(h.feed.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.feed.WriteTimeout))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug("feed write failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.feed.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
