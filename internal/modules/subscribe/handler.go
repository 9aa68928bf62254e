package subscribe

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/mx-space/newsletter/internal/pkg/linkurl"
	pkgmail "github.com/mx-space/newsletter/internal/pkg/mail"
	"github.com/mx-space/newsletter/internal/pkg/pagination"
	"github.com/mx-space/newsletter/internal/pkg/response"
	"go.uber.org/zap"
)

// Mailer is the outbound mail transport.
type Mailer interface {
	Send(ctx context.Context, msg pkgmail.Message) error
}

// Handler serves sign-up, confirmation and the admin subscriber list.
type Handler struct {
	svc      *Service
	issuer   *captoken.Issuer
	verifier *captoken.Verifier
	mailer   Mailer
	links    *linkurl.Builder
	siteName string
	linkTTL  time.Duration
	logger   *zap.Logger
}

type HandlerOptions struct {
	Issuer   *captoken.Issuer
	Verifier *captoken.Verifier
	Mailer   Mailer
	Links    *linkurl.Builder
	SiteName string
	LinkTTL  time.Duration
	Logger   *zap.Logger
}

func NewHandler(svc *Service, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:      svc,
		issuer:   opts.Issuer,
		verifier: opts.Verifier,
		mailer:   opts.Mailer,
		links:    opts.Links,
		siteName: opts.SiteName,
		linkTTL:  opts.LinkTTL,
		logger:   logger.Named("Subscribe"),
	}
}

// RegisterRoutes mounts the routes. submitMW guards the sign-up form
// (idempotence, rate limit) and may be empty.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc, submitMW ...gin.HandlerFunc) {
	g := rg.Group("/subscribe")
	g.POST("", append(submitMW, h.subscribe)...)
	g.GET("/verify", h.verify) // ?token=...
	g.GET("", authMW, h.list)
	g.DELETE("/unsubscribe/batch", authMW, h.unsubscribeBatch)
}

func (h *Handler) subscribe(c *gin.Context) {
	var dto SubscribeDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	sub, err := h.svc.Subscribe(c.Request.Context(), &dto)
	if err != nil {
		if errors.Is(err, ErrInvalidPreference) {
			response.UnprocessableEntity(c, err.Error())
			return
		}
		h.logger.Error("subscribe failed", zap.Error(err))
		response.InternalError(c, err)
		return
	}
	if !sub.Verified {
		if err := h.sendVerifyEmail(c.Request.Context(), sub); err != nil {
			h.logger.Error("send verify email failed", zap.String("subscriber", sub.ID), zap.Error(err))
			response.InternalError(c, err)
			return
		}
	}
	// Same body for new and existing addresses so the form cannot probe the list.
	response.Created(c, gin.H{"email": sub.Email})
}

func (h *Handler) sendVerifyEmail(ctx context.Context, sub *models.SubscriberModel) error {
	token, err := h.issuer.Mint(sub.ID, h.linkTTL, true)
	if err != nil {
		return err
	}
	msg, err := pkgmail.RenderSubscribeVerify(sub.Email, pkgmail.SubscribeVerifyData{
		SiteName:  h.siteName,
		VerifyURL: h.links.Verify(token),
	})
	if err != nil {
		return err
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		if errors.Is(err, pkgmail.ErrDisabled) {
			h.logger.Warn("mail disabled, verify email not sent", zap.String("subscriber", sub.ID))
			return nil
		}
		return err
	}
	return nil
}

func (h *Handler) verify(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.verifier.VerifyAndConsume(ctx, c.Query("token"), captoken.RequireNonce())
	if err != nil {
		h.logLinkFailure("verify", err)
		response.LinkFailure(c, err)
		return
	}
	if err := h.svc.Verify(ctx, p.UserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.LinkFailure(c, captoken.ErrInvalidPayload)
			return
		}
		h.logger.Error("verify subscriber failed", zap.String("subscriber", p.UserID), zap.Error(err))
		response.LinkFailure(c, captoken.StorageError(err))
		return
	}
	response.OK(c, gin.H{"state": captoken.OutcomeOK, "verified": true})
}

func (h *Handler) logLinkFailure(action string, err error) {
	kind := captoken.KindOf(err)
	if kind == captoken.KindStorage || kind == captoken.KindMisconfigured {
		h.logger.Error("capability link failed", zap.String("action", action), zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	h.logger.Debug("capability link rejected", zap.String("action", action), zap.Stringer("kind", kind))
}

func (h *Handler) list(c *gin.Context) {
	var subs []models.SubscriberModel
	q := pagination.FromContext(c)
	pag, err := pagination.Paginate(h.svc.Query(c.Request.Context()), q, &subs)
	if err != nil {
		h.logger.Error("list subscribers failed", zap.Error(err))
		response.InternalError(c, err)
		return
	}
	response.Paged(c, subs, pag)
}

func (h *Handler) unsubscribeBatch(c *gin.Context) {
	var body struct {
		Emails []string `json:"emails"`
		All    bool     `json:"all"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	deletedCount, err := h.svc.BatchDelete(c.Request.Context(), body.Emails, body.All)
	if err != nil {
		h.logger.Error("batch unsubscribe failed", zap.Error(err))
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"deleted_count": deletedCount})
}
