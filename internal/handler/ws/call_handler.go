// Package ws holds the WebSocket handlers: the realtime chat stream and the
// call event stream. A connection doubles as the user's presence session.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	callsession "peerlink-backend/internal/call"
	"peerlink-backend/internal/presence"
	callservice "peerlink-backend/internal/service/call"
	"peerlink-backend/pkg/logger"
	"peerlink-backend/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens at the gateway.
		return true
	},
}

// CallHandler streams call state changes to a connected client and accepts
// its commands. The connection's lifetime drives the user's presence.
type CallHandler struct {
	callService *callservice.Service
	tracker     func(userID uuid.UUID) *presence.Tracker
	metrics     *metrics.Metrics
}

// NewCallHandler creates the handler. newTracker builds one presence tracker
// per connection.
func NewCallHandler(callService *callservice.Service, newTracker func(userID uuid.UUID) *presence.Tracker, m *metrics.Metrics) *CallHandler {
	return &CallHandler{callService: callService, tracker: newTracker, metrics: m}
}

// clientCommand is what the client sends upstream.
type clientCommand struct {
	Action  string `json:"action"`            // hangup, visibility
	Visible *bool  `json:"visible,omitempty"` // for visibility
}

// callEvent is what the server pushes downstream.
type callEvent struct {
	Type      string    `json:"type"` // state_change
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream upgrades the connection and runs the session.
// GET /v1/ws/calls
func (h *CallHandler) Stream(c *gin.Context) {
	val, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid user ID"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if h.metrics != nil {
		h.metrics.IncrementWebSocketConnections()
	}

	tracker := h.tracker(userID)
	tracker.Start()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		tracker.Stop()
		conn.Close()
		if h.metrics != nil {
			h.metrics.DecrementWebSocketConnections()
		}
	}()

	go h.readLoop(ctx, cancel, conn, userID, tracker)
	h.writeLoop(ctx, conn, userID)
}

// readLoop consumes client commands until the connection drops.
func (h *CallHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, userID uuid.UUID, tracker *presence.Tracker) {
	defer cancel()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			if h.metrics != nil {
				h.metrics.RecordWebSocketError("bad_command")
			}
			continue
		}

		switch cmd.Action {
		case "hangup":
			if err := h.callService.Hangup(userID); err != nil {
				logger.Log.Debug("hangup without active call",
					zap.String("user_id", userID.String()))
			}
		case "visibility":
			if cmd.Visible != nil {
				tracker.SetVisible(*cmd.Visible)
			}
		}
		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(cmd.Action, "received")
		}
	}
}

// writeLoop pushes call state changes and keepalive pings. It survives call
// boundaries: when no session is live it keeps pinging and re-attaches once
// the next session appears.
func (h *CallHandler) writeLoop(ctx context.Context, conn *websocket.Conn, userID uuid.UUID) {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	attach := time.NewTicker(500 * time.Millisecond)
	defer attach.Stop()

	var changes <-chan callsession.StateChange
	for {
		select {
		case <-ctx.Done():
			return
		case <-attach.C:
			if changes == nil {
				if ch, err := h.callService.Watch(userID); err == nil {
					changes = ch
				}
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case change, ok := <-changes:
			if !ok {
				// Session ended; wait for the next call.
				changes = nil
				continue
			}
			event := callEvent{
				Type:      "state_change",
				State:     string(change.State),
				Reason:    string(change.Reason),
				Timestamp: time.Now().UTC(),
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordWebSocketMessage("state_change", "sent")
			}
		}
	}
}
