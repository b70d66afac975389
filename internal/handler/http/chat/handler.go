package chat

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"peerlink-backend/internal/service/chat"
	"peerlink-backend/pkg/response"
)

// Handler handles chat HTTP requests.
type Handler struct {
	chatService *chat.Service
}

func NewHandler(chatService *chat.Service) *Handler {
	return &Handler{chatService: chatService}
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

// SendMessageRequest represents a send message request.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	Content        string `json:"content" binding:"required"`
	MessageType    string `json:"message_type" binding:"required,oneof=text image video file"`
}

// SendMessage handles sending a new message.
// POST /v1/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	senderID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	message, err := h.chatService.Send(c.Request.Context(), &chat.SendInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        req.Content,
		MessageType:    req.MessageType,
	})
	if err != nil {
		if errors.Is(err, chat.ErrNotParticipant) {
			response.Forbidden(c, "Not a conversation participant")
			return
		}
		response.InternalError(c, "Failed to send message")
		return
	}

	response.Success(c, http.StatusCreated, message)
}

// HistoryQuery represents query parameters for paging message history.
type HistoryQuery struct {
	Bucket    int    `form:"bucket"`
	Limit     int    `form:"limit"`
	PageState string `form:"page_state"` // base64 cursor from a previous page
}

// History pages through one day of conversation messages.
// GET /v1/conversations/:conversation_id/messages?bucket=&limit=&page_state=
func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	var query HistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	var pageState []byte
	if query.PageState != "" {
		pageState, err = base64.StdEncoding.DecodeString(query.PageState)
		if err != nil {
			response.ValidationError(c, "Invalid page state")
			return
		}
	}

	output, err := h.chatService.History(c.Request.Context(), &chat.HistoryInput{
		ConversationID: conversationID,
		UserID:         userID,
		Bucket:         query.Bucket,
		Limit:          query.Limit,
		PageState:      pageState,
	})
	if err != nil {
		if errors.Is(err, chat.ErrNotParticipant) {
			response.Forbidden(c, "Not a conversation participant")
			return
		}
		response.InternalError(c, "Failed to fetch messages")
		return
	}

	nextPageState := ""
	if len(output.NextPageState) > 0 {
		nextPageState = base64.StdEncoding.EncodeToString(output.NextPageState)
	}

	response.Success(c, http.StatusOK, gin.H{
		"messages":        output.Messages,
		"next_page_state": nextPageState,
	})
}

// Recent returns the latest messages of a conversation.
// GET /v1/conversations/:conversation_id/messages/recent?limit=50
func (h *Handler) Recent(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, err := h.chatService.Recent(c.Request.Context(), conversationID, userID, limit)
	if err != nil {
		if errors.Is(err, chat.ErrNotParticipant) {
			response.Forbidden(c, "Not a conversation participant")
			return
		}
		response.InternalError(c, "Failed to fetch messages")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"messages": messages})
}
