package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peerlink-backend/internal/database"
	"peerlink-backend/pkg/logger"
)

// RateLimiter enforces a fixed-window request limit per user or IP.
// It fails open when Redis is degraded so a cache outage never takes
// the API down with it.
type RateLimiter struct {
	redis    *database.RedisClient
	requests int
	window   time.Duration
}

func NewRateLimiter(redis *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redis,
		requests: requests,
		window:   window,
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		allowed, remaining, resetAt, err := rl.check(c, identifier)
		if err != nil {
			logger.Debug("rate limit check skipped", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     rl.requests,
				"remaining": remaining,
				"reset_at":  resetAt,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(c *gin.Context, identifier string) (bool, int, int64, error) {
	ctx := c.Request.Context()
	key := "ratelimit:" + identifier

	count, err := rl.redis.SafeIncr(ctx, key).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("increment rate limit: %w", err)
	}
	if count == 1 {
		if err := rl.redis.SafeExpire(ctx, key, rl.window).Err(); err != nil {
			return false, 0, 0, fmt.Errorf("set rate limit window: %w", err)
		}
	}

	ttl, err := rl.redis.SafeTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rl.window
	}
	resetAt := time.Now().Add(ttl).Unix()

	remaining := rl.requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.requests), remaining, resetAt, nil
}
