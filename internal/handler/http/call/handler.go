// Package call exposes the call lifecycle over HTTP: start, hang up, query
// the live state and page through the call log.
package call

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	callsession "peerlink-backend/internal/call"
	callservice "peerlink-backend/internal/service/call"
	"peerlink-backend/pkg/response"
)

// Handler handles call HTTP requests.
type Handler struct {
	callService *callservice.Service
}

func NewHandler(callService *callservice.Service) *Handler {
	return &Handler{callService: callService}
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

// StartCallRequest starts a call attempt in a conversation.
type StartCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	Role           string `json:"role" binding:"required,oneof=caller callee"`
	CallType       string `json:"call_type" binding:"required,oneof=audio video"`
}

// StartCall begins a call session.
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	out, err := h.callService.StartCall(c.Request.Context(), &callservice.StartCallInput{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           callsession.Role(req.Role),
		CallType:       req.CallType,
	})
	if err != nil {
		switch {
		case errors.Is(err, callservice.ErrAlreadyInCall):
			response.Error(c, http.StatusConflict, "ALREADY_IN_CALL", "Another call is still active")
		case errors.Is(err, callservice.ErrNotParticipant):
			response.Error(c, http.StatusForbidden, "NOT_PARTICIPANT", "User is not in this conversation")
		default:
			response.InternalError(c, "Failed to start call")
		}
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"call_id":         out.CallID,
		"conversation_id": out.ConversationID,
		"role":            out.Role,
		"call_type":       out.CallType,
	})
}

// Hangup ends the caller's live session.
// DELETE /v1/calls/active
func (h *Handler) Hangup(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.callService.Hangup(userID); err != nil {
		if errors.Is(err, callservice.ErrNoActiveCall) {
			response.NotFound(c, "No active call")
			return
		}
		response.InternalError(c, "Failed to hang up")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "ending"})
}

// ActiveCall reports the live session's current state.
// GET /v1/calls/active
func (h *Handler) ActiveCall(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	state, err := h.callService.ActiveState(userID)
	if err != nil {
		if errors.Is(err, callservice.ErrNoActiveCall) {
			response.NotFound(c, "No active call")
			return
		}
		response.InternalError(c, "Failed to read call state")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"state": state})
}

// CreateLinkRequest registers a shareable call link.
type CreateLinkRequest struct {
	Slug     string          `json:"slug" binding:"required,min=3,max=64"`
	Settings json.RawMessage `json:"settings"`
}

// CreateLink registers a slug the creator can share as a call URL.
// POST /v1/calls/links
func (h *Handler) CreateLink(c *gin.Context) {
	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	link, err := h.callService.CreateCallLink(c.Request.Context(), userID, req.Slug, req.Settings)
	if err != nil {
		if errors.Is(err, callservice.ErrSlugTaken) {
			response.Conflict(c, "Slug already taken")
			return
		}
		response.InternalError(c, "Failed to create call link")
		return
	}

	response.Success(c, http.StatusCreated, link)
}

// ResolveLink resolves a shared slug to its call link.
// GET /v1/calls/links/:slug
func (h *Handler) ResolveLink(c *gin.Context) {
	link, err := h.callService.ResolveCallLink(c.Request.Context(), c.Param("slug"))
	if err != nil {
		if errors.Is(err, callservice.ErrLinkNotFound) {
			response.NotFound(c, "Call link not found")
			return
		}
		response.InternalError(c, "Failed to resolve call link")
		return
	}

	response.Success(c, http.StatusOK, link)
}

// History pages through the user's call log.
// GET /v1/calls?limit=20&offset=0
func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	calls, err := h.callService.CallHistory(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(c, "Failed to fetch call history")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}
