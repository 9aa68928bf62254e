package links

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/modules/subscribe"
	"github.com/mx-space/newsletter/internal/modules/survey"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/mx-space/newsletter/internal/pkg/linkurl"
	"github.com/mx-space/newsletter/internal/pkg/response"
	"go.uber.org/zap"
)

// DefaultFormTTL bounds the token handed out with the manage page.
const DefaultFormTTL = time.Hour

// Subscribers is the part of the subscriber store the links touch.
type Subscribers interface {
	Get(ctx context.Context, id string) (*models.SubscriberModel, error)
	SetUnsubscribed(ctx context.Context, id string, unsubscribed bool) error
	UpdatePreference(ctx context.Context, id string, p subscribe.PreferenceUpdate) (*models.SubscriberModel, error)
}

type Answers interface {
	Record(ctx context.Context, subscriberID, articleID, answer string) error
}

type Articles interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type Options struct {
	Subscribers    Subscribers
	Answers        Answers
	Articles       Articles
	Issuer         *captoken.Issuer
	Verifier       *captoken.Verifier
	AllowedOrigins []string
	FormTTL        time.Duration
	Logger         *zap.Logger
}

// Handler serves every capability link a digest email carries.
type Handler struct {
	subs     Subscribers
	answers  Answers
	articles Articles
	issuer   *captoken.Issuer
	verifier *captoken.Verifier
	origins  map[string]struct{}
	formTTL  time.Duration
	logger   *zap.Logger
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	formTTL := opts.FormTTL
	if formTTL <= 0 {
		formTTL = DefaultFormTTL
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		if origin, ok := originOf(o); ok {
			origins[origin] = struct{}{}
		}
	}
	return &Handler{
		subs:     opts.Subscribers,
		answers:  opts.Answers,
		articles: opts.Articles,
		issuer:   opts.Issuer,
		verifier: opts.Verifier,
		origins:  origins,
		formTTL:  formTTL,
		logger:   logger.Named("Links"),
	}
}

// RegisterRoutes mounts /newsletter. mw runs in front of every link (rate limit).
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, mw ...gin.HandlerFunc) {
	g := rg.Group("/newsletter", mw...)
	g.GET("/manage", h.manage)
	g.POST("/preferences", h.preferences)
	g.GET("/subscription", h.subscription)
	g.GET("/survey", h.surveyLink)
	g.POST("/survey", h.surveySubmit)
}

type preferenceView struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Timezone     string `json:"timezone"`
	Hour         int    `json:"hour"`
	Minute       int    `json:"minute"`
	Unsubscribed bool   `json:"unsubscribed"`
}

func viewOf(sub *models.SubscriberModel) preferenceView {
	return preferenceView{
		Email:        sub.Email,
		Name:         sub.Name,
		Timezone:     sub.Timezone,
		Hour:         sub.SendHour,
		Minute:       sub.SendMinute,
		Unsubscribed: sub.Unsubscribed,
	}
}

// consume verifies and burns a link, answering the request itself on failure.
func (h *Handler) consume(c *gin.Context, action, token string) (*captoken.Payload, bool) {
	p, err := h.verifier.VerifyAndConsume(c.Request.Context(), token, captoken.RequireNonce())
	if err != nil {
		h.fail(c, action, err)
		return nil, false
	}
	return p, true
}

func (h *Handler) fail(c *gin.Context, action string, err error) {
	kind := captoken.KindOf(err)
	if kind == captoken.KindStorage || kind == captoken.KindMisconfigured {
		h.logger.Error("capability link failed", zap.String("action", action), zap.Stringer("kind", kind), zap.Error(err))
	} else {
		h.logger.Debug("capability link rejected", zap.String("action", action), zap.Stringer("kind", kind))
	}
	response.LinkFailure(c, err)
}

// storeFailure maps a store error after a successful verification. A subject
// that no longer exists makes the link invalid.
func (h *Handler) storeFailure(c *gin.Context, action string, err error) {
	if errors.Is(err, subscribe.ErrNotFound) {
		h.fail(c, action, captoken.ErrInvalidPayload)
		return
	}
	h.fail(c, action, captoken.StorageError(err))
}

func (h *Handler) manage(c *gin.Context) {
	ctx := c.Request.Context()
	p, ok := h.consume(c, "manage", c.Query("token"))
	if !ok {
		return
	}
	sub, err := h.subs.Get(ctx, p.UserID)
	if err != nil {
		h.storeFailure(c, "manage", err)
		return
	}
	formToken, form, err := h.issuer.Issue(sub.ID, h.formTTL, true)
	if err != nil {
		h.fail(c, "manage", err)
		return
	}
	response.OK(c, gin.H{
		"state":      captoken.OutcomeOK,
		"preference": viewOf(sub),
		"token":      formToken,
		"expires_at": form.ExpiresAt().UTC(),
	})
}

type preferencesDTO struct {
	Token    string `json:"token" binding:"required"`
	Timezone string `json:"timezone"`
	Hour     *int   `json:"hour" binding:"required"`
	Minute   *int   `json:"minute" binding:"required"`
}

func (h *Handler) preferences(c *gin.Context) {
	var dto preferencesDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	update, err := subscribe.ValidatePreference(subscribe.PreferenceUpdate{
		Timezone: dto.Timezone,
		Hour:     *dto.Hour,
		Minute:   *dto.Minute,
	})
	if err != nil {
		// Rejected before the token is burned so the form can be resubmitted.
		response.UnprocessableEntity(c, err.Error())
		return
	}

	p, ok := h.consume(c, "preferences", dto.Token)
	if !ok {
		return
	}
	sub, err := h.subs.UpdatePreference(c.Request.Context(), p.UserID, update)
	if err != nil {
		h.storeFailure(c, "preferences", err)
		return
	}
	response.OK(c, gin.H{"state": captoken.OutcomeOK, "preference": viewOf(sub)})
}

func (h *Handler) subscription(c *gin.Context) {
	var unsubscribed bool
	action := c.Query("action")
	switch action {
	case linkurl.ActionUnsubscribe:
		unsubscribed = true
	case linkurl.ActionResubscribe:
		unsubscribed = false
	default:
		h.fail(c, "subscription", captoken.ErrInvalidPayload)
		return
	}

	p, ok := h.consume(c, action, c.Query("token"))
	if !ok {
		return
	}
	if err := h.subs.SetUnsubscribed(c.Request.Context(), p.UserID, unsubscribed); err != nil {
		h.storeFailure(c, action, err)
		return
	}
	response.OK(c, gin.H{"state": captoken.OutcomeOK, "unsubscribed": unsubscribed})
}

type surveyDTO struct {
	Token   string `json:"token" binding:"required"`
	Article string `json:"article" binding:"required"`
	Answer  string `json:"answer" binding:"required"`
}

// record validates the answer and article, then burns the token and stores
// the answer. On failure the response has already been written.
func (h *Handler) record(c *gin.Context, dto surveyDTO) (string, bool) {
	ctx := c.Request.Context()
	answer, err := survey.NormalizeAnswer(dto.Answer)
	if err != nil {
		h.fail(c, "survey", captoken.ErrInvalidPayload)
		return "", false
	}
	articleID := strings.TrimSpace(dto.Article)
	exists, err := h.articles.Exists(ctx, articleID)
	if err != nil {
		h.fail(c, "survey", captoken.StorageError(err))
		return "", false
	}
	if !exists {
		h.fail(c, "survey", captoken.ErrInvalidPayload)
		return "", false
	}

	p, ok := h.consume(c, "survey", dto.Token)
	if !ok {
		return "", false
	}
	if err := h.answers.Record(ctx, p.UserID, articleID, answer); err != nil {
		h.fail(c, "survey", captoken.StorageError(err))
		return "", false
	}
	return answer, true
}

func (h *Handler) surveyLink(c *gin.Context) {
	dto := surveyDTO{
		Token:   c.Query("token"),
		Article: c.Query("article"),
		Answer:  c.Query("answer"),
	}
	answer, ok := h.record(c, dto)
	if !ok {
		return
	}
	if target, ok := h.redirectTarget(c.Query("redirect")); ok {
		c.Redirect(http.StatusSeeOther, target)
		return
	}
	response.OK(c, gin.H{"state": captoken.OutcomeOK, "answer": answer})
}

func (h *Handler) surveySubmit(c *gin.Context) {
	var dto surveyDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	answer, ok := h.record(c, dto)
	if !ok {
		return
	}
	response.OK(c, gin.H{"state": captoken.OutcomeOK, "answer": answer})
}

// redirectTarget accepts absolute http(s) URLs on a configured origin only.
func (h *Handler) redirectTarget(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	origin, ok := originOf(raw)
	if !ok {
		return "", false
	}
	if _, allowed := h.origins[origin]; !allowed {
		return "", false
	}
	return raw, true
}

func originOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}
