package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Limiter decides whether a keyed request may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
	Window() time.Duration
}

// KeyFunc derives the quota key for a request.
type KeyFunc func(c *gin.Context) string

// ClientIPKey keys requests by client address.
func ClientIPKey(c *gin.Context) string {
	return c.ClientIP()
}

// Middleware rejects requests over quota with 429. A nil limiter allows everything.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *zap.Logger) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = ClientIPKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := keyFunc(c)
		if limiter.Allow(c.Request.Context(), key) {
			c.Next()
			return
		}
		retryAfter := int(math.Ceil(limiter.Window().Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		logger.Warn("rate limit exceeded", zap.String("key", key), zap.String("path", c.FullPath()))
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	}
}
