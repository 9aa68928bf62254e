package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/pkg/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// deadRedis points at a port nothing listens on.
func deadRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_HeaderOnly(t *testing.T) {
	signer := jwt.NewSigner("secret")
	token, err := signer.Sign("ops", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/admin", Auth(signer), func(c *gin.Context) {
		c.String(http.StatusOK, CurrentUserID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", w.Body.String())

	w = serve(r, httptest.NewRequest(http.MethodGet, "/admin?token="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOptionalAuth_IgnoresBadToken(t *testing.T) {
	r := gin.New()
	r.GET("/", OptionalAuth(jwt.NewSigner("secret")), func(c *gin.Context) {
		if IsAuthenticated(c) {
			c.Status(http.StatusAccepted)
			return
		}
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "abc", NormalizeToken("  Bearer abc "))
	assert.Equal(t, "abc", NormalizeToken("bearer abc"))
	assert.Equal(t, "abc", NormalizeToken("abc"))
	assert.Empty(t, NormalizeToken("   "))
}

func TestRateLimit_FailsOpen(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := gin.New()
	r.GET("/", RateLimit(deadRedis(t), DefaultLinkRateLimit, zap.New(core)), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	assert.Equal(t, 1, logs.FilterMessage("rate limit unavailable").Len())
}

func TestIdempotence_FailsOpenAndKeepsBody(t *testing.T) {
	r := gin.New()
	r.POST("/", Idempotence(deadRedis(t), 0), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, string(body))
	})

	w := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.c"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"email":"a@b.c"}`, w.Body.String())
}

func TestLogger_OmitsQuery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/newsletter/manage", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	serve(r, httptest.NewRequest(http.MethodGet, "/newsletter/manage?token=secret-token", nil))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zap.WarnLevel, entry.Level)
	assert.Equal(t, "/newsletter/manage", entry.ContextMap()["path"])
	assert.NotContains(t, entry.ContextMap(), "query")
}
