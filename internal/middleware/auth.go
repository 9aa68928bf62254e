package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/pkg/jwt"
	"github.com/mx-space/newsletter/internal/pkg/response"
)

const ContextKeyUserID = "user_id"

// Auth returns a middleware that enforces an operator JWT in the
// Authorization header. The query string is never consulted: "token" there
// is a capability token.
func Auth(signer *jwt.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := signer.Parse(extractToken(c))
		if err != nil {
			response.Unauthorized(c)
			return
		}
		c.Set(ContextKeyUserID, claims.UserID)
		c.Next()
	}
}

// OptionalAuth sets the user ID if a valid token is present, but does not block the request.
func OptionalAuth(signer *jwt.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := extractToken(c); token != "" {
			if claims, err := signer.Parse(token); err == nil {
				c.Set(ContextKeyUserID, claims.UserID)
			}
		}
		c.Next()
	}
}

// CurrentUserID extracts the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	v, _ := c.Get(ContextKeyUserID)
	id, _ := v.(string)
	return id
}

// IsAuthenticated returns true if the request has a valid auth token.
func IsAuthenticated(c *gin.Context) bool {
	return CurrentUserID(c) != ""
}

func extractToken(c *gin.Context) string {
	return NormalizeToken(c.GetHeader("Authorization"))
}

// NormalizeToken trims spaces and strips optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
