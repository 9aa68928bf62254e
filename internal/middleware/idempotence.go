package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderIdempotenceKey  = "X-Idempotence"
	DefaultIdempotenceTTL = 60 * time.Second

	idempotencePrefix = "nl:idempotence:"
	markPending       = "0"
	markDone          = "1"
)

// Idempotence rejects a repeat of the same non-GET request while the first is
// in flight or for ttl after it succeeded. A failed request releases its key.
// Redis errors let the request through.
func Idempotence(rdb *redis.Client, ttl time.Duration) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = DefaultIdempotenceTTL
	}
	return func(c *gin.Context) {
		if rdb == nil || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		fp, err := requestFingerprint(c)
		if err != nil || fp == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := idempotencePrefix + fp
		claimed, err := rdb.SetNX(ctx, key, markPending, ttl).Result()
		if err != nil {
			c.Next()
			return
		}
		if !claimed {
			state, err := rdb.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				c.Next()
				return
			}
			msg := "the same request already succeeded, try again later"
			if state == markPending {
				msg = "the same request is still being processed"
			}
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"ok": 0, "code": http.StatusConflict, "message": msg})
			return
		}

		c.Next()

		if s := c.Writer.Status(); s >= 200 && s < 300 {
			rdb.Set(ctx, key, markDone, redis.KeepTTL)
			return
		}
		rdb.Del(ctx, key)
	}
}

// requestFingerprint prefers the client's X-Idempotence header and otherwise
// hashes method, URL, body and caller identity. The body is restored.
func requestFingerprint(c *gin.Context) (string, error) {
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotenceKey)); key != "" {
		return key, nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	parts := []string{
		c.Request.Method,
		c.Request.URL.String(),
		string(body),
		c.Request.UserAgent(),
		c.ClientIP(),
		NormalizeToken(c.GetHeader("Authorization")),
	}
	if len(body) == 0 && parts[3] == "" && parts[4] == "" && parts[5] == "" {
		return "", nil
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}
