package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/config"
	"github.com/mx-space/newsletter/internal/database"
	"github.com/mx-space/newsletter/internal/middleware"
	"github.com/mx-space/newsletter/internal/modules/article"
	"github.com/mx-space/newsletter/internal/modules/digest"
	"github.com/mx-space/newsletter/internal/modules/subscribe"
	"github.com/mx-space/newsletter/internal/modules/survey"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	pkgcron "github.com/mx-space/newsletter/internal/pkg/cron"
	"github.com/mx-space/newsletter/internal/pkg/jwt"
	"github.com/mx-space/newsletter/internal/pkg/linkurl"
	pkgmail "github.com/mx-space/newsletter/internal/pkg/mail"
	pkgredis "github.com/mx-space/newsletter/internal/pkg/redis"
	"github.com/mx-space/newsletter/internal/pkg/taskqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	rc     *pkgredis.Client
	logger *zap.Logger
	cancel context.CancelFunc
	sched  *pkgcron.Scheduler

	signer     *jwt.Signer
	issuer     *captoken.Issuer
	verifier   *captoken.Verifier
	stores     *stores
	links      *linkurl.Builder
	mailer     *pkgmail.Sender
	subs       *subscribe.Service
	articles   *article.Service
	answers    *survey.Service
	taskSvc    *taskqueue.Service
	dispatcher *digest.Dispatcher
}

// New initializes the application: config → DB → Redis → services → routes → cron.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := applyRuntimeSettings(cfg); err != nil {
		return nil, err
	}

	links, err := linkurl.New(cfg.Site.BaseURL, cfg.Site.WebURL)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := pkgredis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("redis: %w", err)
	}

	a := &App{
		cfg:    cfg,
		db:     db,
		rc:     rc,
		logger: logger,
		cancel: cancel,
		links:  links,
	}
	if err := a.buildServices(); err != nil {
		cancel()
		_ = rc.Close()
		return nil, err
	}

	a.sched = pkgcron.New(logger)
	a.router = newRouter(cfg, logger)
	a.registerRoutes()

	if err := a.registerCronJobs(); err != nil {
		cancel()
		_ = rc.Close()
		return nil, err
	}
	a.sched.Start(ctx)

	return a, nil
}

func (a *App) buildServices() error {
	cfg := a.cfg

	a.signer = jwt.NewSigner(cfg.JWTSecret)
	if !a.signer.Enabled() {
		a.logger.Warn("jwt_secret is empty, operator endpoints only accept the digest operator secret")
	}

	secrets := captoken.NewSecrets(cfg.Capability.PrimarySecret, cfg.Capability.AlternateSecret, cfg.Capability.SignWithAlternate)
	if _, err := secrets.SigningSecret(); err != nil {
		// Not fatal: every link fails closed with server_error until a secret is set.
		a.logger.Error("capability.primary_secret is empty, capability links are disabled")
	}

	st, err := newStores(cfg.Capability, a.db, a.rc.Raw())
	if err != nil {
		return err
	}
	a.stores = st
	a.issuer = captoken.NewIssuer(secrets)
	a.verifier = captoken.NewVerifier(secrets, st.nonces)

	a.mailer = pkgmail.New(pkgmail.BuildMailConfig(cfg.Mail))
	a.subs = subscribe.NewService(a.db)
	a.articles = article.NewService(a.db)
	a.answers = survey.NewService(a.db)
	a.taskSvc = taskqueue.NewService(a.rc)

	scheduler := digest.NewScheduler(digest.Deps{
		Subscribers: a.subs,
		Articles:    a.articles,
		Marks:       st.marks,
		Mailer:      a.mailer,
		Issuer:      a.issuer,
		Links:       a.links,
		Logger:      a.logger,
	}, digest.Config{
		ToleranceMinutes: cfg.Digest.ToleranceMinutes,
		ArticleLimit:     cfg.Digest.ArticleLimit,
		Concurrency:      cfg.Digest.Concurrency,
		MailTimeout:      cfg.Digest.MailTimeout,
		LinkTTL:          cfg.Capability.LinkTTL,
		SiteName:         cfg.Site.Name,
	})
	a.dispatcher = digest.NewDispatcher(scheduler, a.taskSvc, a.logger)
	return nil
}

func newRouter(cfg *config.AppConfig, logger *zap.Logger) *gin.Engine {
	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Authorization",
			middleware.HeaderIdempotenceKey, digest.HeaderSignature, digest.HeaderTimestamp,
		},
		ExposeHeaders: []string{"Content-Length"},
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		patterns := cfg.AllowedOrigins
		corsConfig.AllowOriginFunc = func(origin string) bool {
			host := extractOriginHost(origin)
			for _, pattern := range patterns {
				if matchOriginPattern(originHostPattern(pattern), host) {
					return true
				}
			}
			return false
		}
	} else {
		corsConfig.AllowOriginFunc = func(string) bool { return true }
	}
	router.Use(cors.New(corsConfig))
	return router
}

// redirectOrigins are the sites a survey click may bounce back to.
func (a *App) redirectOrigins() []string {
	origins := make([]string, 0, len(a.cfg.AllowedOrigins)+1)
	if web := strings.TrimSpace(a.cfg.Site.WebURL); web != "" {
		origins = append(origins, web)
	}
	for _, o := range a.cfg.AllowedOrigins {
		if !strings.Contains(o, "*") {
			origins = append(origins, o)
		}
	}
	return origins
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops the cron loops, waits for running jobs and closes Redis.
func (a *App) Shutdown() {
	a.cancel()
	a.sched.Wait()
	if err := a.rc.Close(); err != nil {
		a.logger.Warn("close redis failed", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
