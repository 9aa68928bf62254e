package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/middleware"
	"github.com/mx-space/newsletter/internal/modules/article"
	"github.com/mx-space/newsletter/internal/modules/digest"
	"github.com/mx-space/newsletter/internal/modules/links"
	"github.com/mx-space/newsletter/internal/modules/subscribe"
	"github.com/mx-space/newsletter/internal/modules/survey"
	"github.com/mx-space/newsletter/internal/modules/tasks/crontask"
	"github.com/mx-space/newsletter/internal/pkg/response"
)

const apiPrefix = "/api/v2"

var processStart = time.Now()

// subscribeRateLimit guards the public sign-up form.
var subscribeRateLimit = middleware.RateLimitConfig{Prefix: "nl:rate_limit:subscribe", Max: 5, Window: time.Minute}

func (a *App) registerRoutes() {
	r := a.router
	rdb := a.rc.Raw()
	authMW := middleware.Auth(a.signer)

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	api := r.Group(apiPrefix)
	api.Use(middleware.OptionalAuth(a.signer))

	api.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": "pong"}) })
	api.GET("/uptime", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"timestamp": time.Since(processStart).Milliseconds(),
			"humanize":  humanizeDuration(time.Since(processStart)),
		})
	})

	subscribe.NewHandler(a.subs, subscribe.HandlerOptions{
		Issuer:   a.issuer,
		Verifier: a.verifier,
		Mailer:   a.mailer,
		Links:    a.links,
		SiteName: a.cfg.Site.Name,
		LinkTTL:  a.cfg.Capability.LinkTTL,
		Logger:   a.logger,
	}).RegisterRoutes(api, authMW,
		middleware.RateLimit(rdb, subscribeRateLimit, a.logger),
		middleware.Idempotence(rdb, middleware.DefaultIdempotenceTTL),
	)

	links.NewHandler(links.Options{
		Subscribers:    a.subs,
		Answers:        a.answers,
		Articles:       a.articles,
		Issuer:         a.issuer,
		Verifier:       a.verifier,
		AllowedOrigins: a.redirectOrigins(),
		Logger:         a.logger,
	}).RegisterRoutes(api, middleware.RateLimit(rdb, middleware.DefaultLinkRateLimit, a.logger))

	article.NewHandler(a.articles, a.logger).RegisterRoutes(api, authMW)
	survey.NewHandler(a.answers, a.logger).RegisterRoutes(api, authMW)

	digest.NewHandler(a.dispatcher, digest.TriggerAuth{
		OperatorSecret: a.cfg.Digest.OperatorSecret,
		WebhookSecret:  a.cfg.Digest.WebhookSecret,
		Signer:         a.signer,
	}, a.logger).RegisterRoutes(api, authMW)

	crontask.NewHandler(a.sched, a.taskSvc).RegisterRoutes(api, authMW)
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Truncate(time.Second).String()
	}
	if d < time.Hour {
		return d.Truncate(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Truncate(time.Hour).String()
	}
	return d.Truncate(24 * time.Hour).String()
}
