package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local tooling connects from arbitrary origins
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketHandler streams progress events to connected clients. Each client
// gets its own event subscription; a client that stops reading is dropped.
type WebSocketHandler struct {
	events           interfaces.EventService
	logger           arbor.ILogger
	serverInstanceID string // Clients use this to detect server restarts
}

// NewWebSocketHandler creates a WebSocket handler
func NewWebSocketHandler(events interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		events:           events,
		logger:           logger,
		serverInstanceID: uuid.New().String(),
	}
}

// Serve handles GET /ws
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	events, cancel := h.events.Subscribe()

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	// Hello frame carries the instance id for restart detection
	hello := map[string]interface{}{
		"type":               "hello",
		"server_instance_id": h.serverInstanceID,
		"version":            common.GetVersion(),
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		cancel()
		conn.Close()
		return
	}

	// Reader goroutine only notices disconnects; clients never send data
	done := make(chan struct{})
	common.SafeGo(h.logger, "ws-reader", func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	common.SafeGo(h.logger, "ws-writer", func() {
		defer cancel()
		defer conn.Close()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					h.logger.Debug().Err(err).Msg("WebSocket write failed, dropping client")
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
}
