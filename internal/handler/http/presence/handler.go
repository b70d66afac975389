// Package presence exposes presence reads. Writes happen through the
// per-connection tracker on the call WebSocket, never through HTTP.
package presence

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	redisrepo "peerlink-backend/internal/repository/redis"
	"peerlink-backend/pkg/response"
)

// Handler handles presence HTTP requests.
type Handler struct {
	presenceRepo *redisrepo.PresenceRepository
}

func NewHandler(presenceRepo *redisrepo.PresenceRepository) *Handler {
	return &Handler{presenceRepo: presenceRepo}
}

// GetPresence returns one user's presence record.
// GET /v1/presence/users/:user_id
func (h *Handler) GetPresence(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	record, err := h.presenceRepo.Get(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "Failed to read presence")
		return
	}

	response.Success(c, http.StatusOK, record)
}

// OnlineUsers lists currently-online users.
// GET /v1/presence/online
func (h *Handler) OnlineUsers(c *gin.Context) {
	users, err := h.presenceRepo.OnlineUsers(c.Request.Context())
	if err != nil {
		response.InternalError(c, "Failed to list online users")
		return
	}

	count, err := h.presenceRepo.OnlineCount(c.Request.Context())
	if err != nil {
		count = int64(len(users))
	}

	response.Success(c, http.StatusOK, gin.H{
		"users": users,
		"count": count,
	})
}
