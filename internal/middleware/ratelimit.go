package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig bounds requests per client IP in fixed windows.
type RateLimitConfig struct {
	Prefix string
	Max    int64
	Window time.Duration
}

// DefaultLinkRateLimit applies to capability link endpoints.
var DefaultLinkRateLimit = RateLimitConfig{Prefix: "nl:rate_limit:link", Max: 30, Window: time.Minute}

// RateLimit returns a middleware that enforces a fixed-window rate limit per
// client IP. Redis errors fail open.
func RateLimit(rdb *redis.Client, cfg RateLimitConfig, log *zap.Logger) gin.HandlerFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return func(c *gin.Context) {
		if rdb == nil || IsAuthenticated(c) {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if ip == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		windowKey := time.Now().UnixNano() / int64(cfg.Window)
		key := fmt.Sprintf("%s:%s:%d", cfg.Prefix, ip, windowKey)

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			if log != nil {
				log.Warn("rate limit unavailable", zap.Error(err))
			}
			c.Next()
			return
		}

		if count == 1 {
			rdb.PExpire(ctx, key, cfg.Window+time.Second)
		}

		if count > cfg.Max {
			c.Header("Retry-After", fmt.Sprintf("%d", int(cfg.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"ok":      0,
				"code":    http.StatusTooManyRequests,
				"message": "too many requests, slow down",
			})
			return
		}

		c.Next()
	}
}
