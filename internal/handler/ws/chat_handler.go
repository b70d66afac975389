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

	"peerlink-backend/internal/domain"
	"peerlink-backend/internal/transport"
	"peerlink-backend/pkg/logger"
	"peerlink-backend/pkg/metrics"
)

// Membership answers whether a user belongs to a conversation.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// ChatHandler streams one conversation's message rows to a connected client
// and writes its outbound messages through the shared transport. Call
// signaling rows ride the same stream; the client filters them out of
// rendered history by message type.
type ChatHandler struct {
	transport  transport.Transport
	membership Membership
	metrics    *metrics.Metrics
}

func NewChatHandler(tr transport.Transport, membership Membership, m *metrics.Metrics) *ChatHandler {
	return &ChatHandler{transport: tr, membership: membership, metrics: m}
}

// inboundChat is what the client sends on the socket.
type inboundChat struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
}

// Stream attaches the client to a conversation.
// GET /v1/ws/conversations/:conversation_id
func (h *ChatHandler) Stream(c *gin.Context) {
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

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	member, err := h.membership.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a conversation participant"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())

	events, unsubscribe, err := h.transport.Subscribe(ctx, conversationID)
	if err != nil {
		logger.Log.Error("failed to subscribe to conversation",
			zap.String("conversation_id", conversationID.String()), zap.Error(err))
		conn.Close()
		cancel()
		return
	}

	if h.metrics != nil {
		h.metrics.IncrementWebSocketConnections()
	}
	defer func() {
		cancel()
		unsubscribe()
		conn.Close()
		if h.metrics != nil {
			h.metrics.DecrementWebSocketConnections()
		}
	}()

	go h.readLoop(cancel, conn, conversationID, userID)
	h.writeLoop(ctx, conn, events)
}

func (h *ChatHandler) readLoop(cancel context.CancelFunc, conn *websocket.Conn, conversationID, userID uuid.UUID) {
	defer cancel()

	conn.SetReadLimit(64 * 1024)
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

		var in inboundChat
		if err := json.Unmarshal(raw, &in); err != nil || in.Content == "" {
			if h.metrics != nil {
				h.metrics.RecordWebSocketError("bad_message")
			}
			continue
		}
		messageType := in.MessageType
		if messageType == "" {
			messageType = domain.MessageTypeText
		}

		ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
		err = h.transport.Write(ctx, &domain.Message{
			ConversationID: conversationID,
			SenderID:       userID,
			Content:        in.Content,
			MessageType:    messageType,
		})
		cancelWrite()
		if err != nil {
			logger.Log.Error("failed to write chat message", zap.Error(err))
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(messageType, "received")
		}
	}
}

func (h *ChatHandler) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan *domain.Message) {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case message, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(message); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordWebSocketMessage(message.MessageType, "sent")
			}
		}
	}
}
