package conversation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"peerlink-backend/internal/service/conversation"
	"peerlink-backend/pkg/response"
)

// Handler handles conversation HTTP requests.
type Handler struct {
	conversationService *conversation.Service
}

func NewHandler(conversationService *conversation.Service) *Handler {
	return &Handler{conversationService: conversationService}
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

// CreateRequest represents a create conversation request.
type CreateRequest struct {
	Name           string   `json:"name"`
	Type           string   `json:"type" binding:"required,oneof=direct group self"`
	ParticipantIDs []string `json:"participant_ids"`
}

// Create creates a new conversation.
// POST /v1/conversations
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	participants := make([]uuid.UUID, len(req.ParticipantIDs))
	for i, idStr := range req.ParticipantIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid participant ID: "+idStr)
			return
		}
		participants[i] = id
	}

	conv, err := h.conversationService.Create(c.Request.Context(), &conversation.CreateInput{
		Name:         req.Name,
		Type:         req.Type,
		CreatedBy:    userID,
		Participants: participants,
	})
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrInvalidType), errors.Is(err, conversation.ErrBadParticipants):
			response.ValidationError(c, err.Error())
		default:
			response.InternalError(c, "Failed to create conversation")
		}
		return
	}

	response.Success(c, http.StatusCreated, conv)
}

// List retrieves the user's conversations.
// GET /v1/conversations?limit=20&offset=0
func (h *Handler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	conversations, err := h.conversationService.ListForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(c, "Failed to list conversations")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"conversations": conversations,
		"limit":         limit,
		"offset":        offset,
	})
}

// Get retrieves a specific conversation.
// GET /v1/conversations/:conversation_id
func (h *Handler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	conv, err := h.conversationService.Get(c.Request.Context(), conversationID, userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotParticipant) {
			response.Forbidden(c, "Not a conversation participant")
			return
		}
		response.NotFound(c, "Conversation not found")
		return
	}

	response.Success(c, http.StatusOK, conv)
}

// Participants lists conversation members.
// GET /v1/conversations/:conversation_id/participants
func (h *Handler) Participants(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	members, err := h.conversationService.Participants(c.Request.Context(), conversationID, userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotParticipant) {
			response.Forbidden(c, "Not a conversation participant")
			return
		}
		response.InternalError(c, "Failed to list participants")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"participants": members})
}

// AddParticipants adds users to a group conversation.
// POST /v1/conversations/:conversation_id/participants
func (h *Handler) AddParticipants(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	var req struct {
		UserIDs []string `json:"user_ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userUUIDs := make([]uuid.UUID, len(req.UserIDs))
	for i, idStr := range req.UserIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid user ID: "+idStr)
			return
		}
		userUUIDs[i] = id
	}

	if err := h.conversationService.AddParticipants(c.Request.Context(), conversationID, userID, userUUIDs); err != nil {
		switch {
		case errors.Is(err, conversation.ErrNotParticipant):
			response.Forbidden(c, "Not a conversation participant")
		case errors.Is(err, conversation.ErrInvalidType):
			response.ValidationError(c, "Participants can only be added to group conversations")
		default:
			response.InternalError(c, "Failed to add participants")
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Participants added"})
}

// Leave removes the caller from a conversation.
// DELETE /v1/conversations/:conversation_id/participants/me
func (h *Handler) Leave(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	if err := h.conversationService.Leave(c.Request.Context(), conversationID, userID); err != nil {
		if errors.Is(err, conversation.ErrNotParticipant) {
			response.Forbidden(c, "Not a conversation participant")
			return
		}
		response.InternalError(c, "Failed to leave conversation")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Left conversation"})
}
