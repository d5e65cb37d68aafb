package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/edvisortech/voice-bridge/pkg/errors"
	"github.com/edvisortech/voice-bridge/pkg/logger"
)

// RateLimiter implements a sliding-window rate limit backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(client *redis.Client, requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  requestsPerMinute,
		window: time.Minute,
	}
}

// Middleware enforces the per-client limit keyed by client IP.
// Redis outages fail open so the API keeps serving.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("ratelimit:%s", c.ClientIP())

		allowed, remaining, err := rl.allow(c.Request.Context(), key)
		if err != nil {
			logger.Log.Warn("rate limiter unavailable, allowing request",
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			apperrors.TooManyRequests(c, "Rate limit exceeded, try again later")
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, int, error) {
	now := time.Now().UnixMilli()
	windowStart := now - rl.window.Milliseconds()

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: now})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rl.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	used := int(count.Val())
	remaining := rl.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return used <= rl.limit, remaining, nil
}
