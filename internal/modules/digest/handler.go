package digest

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/middleware"
	"github.com/mx-space/newsletter/internal/pkg/pagination"
	"github.com/mx-space/newsletter/internal/pkg/response"
	"go.uber.org/zap"
)

const maxTriggerBody = 64 << 10

type Handler struct {
	dispatcher *Dispatcher
	auth       TriggerAuth
	logger     *zap.Logger
}

func NewHandler(dispatcher *Dispatcher, auth TriggerAuth, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{dispatcher: dispatcher, auth: auth, logger: logger.Named("DigestHandler")}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/digest")
	g.POST("/run", h.authorize, h.run)
	g.GET("/runs", authMW, h.runs)
}

// authorize admits a signed webhook, the operator secret or an operator JWT.
func (h *Handler) authorize(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTriggerBody))
	if err != nil {
		response.BadRequest(c, "unreadable request body")
		return
	}

	if sig := c.GetHeader(HeaderSignature); sig != "" {
		if err := h.auth.verifyWebhook(sig, c.GetHeader(HeaderTimestamp), body); err != nil {
			h.logger.Warn("webhook trigger rejected", zap.String("ip", c.ClientIP()), zap.Error(err))
			response.Unauthorized(c)
			return
		}
		c.Next()
		return
	}

	credential := strings.TrimSpace(c.Query("secret"))
	if credential == "" {
		credential = middleware.NormalizeToken(c.GetHeader("Authorization"))
	}
	if err := h.auth.verifyBearer(credential); err != nil {
		response.Unauthorized(c)
		return
	}
	c.Next()
}

func (h *Handler) run(c *gin.Context) {
	opts := RunOptions{}

	if raw := strings.TrimSpace(c.Query("tolerance")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < MinToleranceMinutes || n > MaxToleranceMinutes {
			response.BadRequest(c, fmt.Sprintf("tolerance must be an integer between %d and %d", MinToleranceMinutes, MaxToleranceMinutes))
			return
		}
		opts.ToleranceMinutes = n
	}
	if raw := strings.TrimSpace(c.Query("dry_run")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.BadRequest(c, "dry_run must be a boolean")
			return
		}
		opts.DryRun = v
	}

	report, err := h.dispatcher.Dispatch(c.Request.Context(), opts, TriggerHTTP)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) runs(c *gin.Context) {
	q := pagination.FromContext(c)
	items, total, err := h.dispatcher.History(c.Request.Context(), q.Page, q.Size)
	if err != nil {
		h.logger.Error("list digest runs failed", zap.Error(err))
		response.InternalError(c, err)
		return
	}
	response.Paged(c, items, q.Meta(total))
}
