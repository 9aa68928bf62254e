package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/mx-space/newsletter/internal/pkg/linkurl"
	pkgmail "github.com/mx-space/newsletter/internal/pkg/mail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Skip reasons reported per subscriber.
const (
	SkipMissingAddress    = "missing_address"
	SkipAlreadySentToday  = "already_sent_today"
	SkipMailerRejected    = "mailer_rejected"
	SkipMarkerUnavailable = "marker_unavailable"
	SkipRenderFailed      = "render_failed"
	SkipCancelled         = "cancelled"
)

const (
	DefaultArticleLimit = 5
	DefaultConcurrency  = 4
	DefaultMailTimeout  = 10 * time.Second
	DefaultLinkTTL      = 7 * 24 * time.Hour

	// A local day is at most 26h wide across DST shifts; marks outlive it.
	markLifetime   = 48 * time.Hour
	releaseTimeout = 5 * time.Second
)

// Subscribers lists the delivery candidates.
type Subscribers interface {
	ListActive(ctx context.Context) ([]models.SubscriberModel, error)
}

// Articles is the shared content pool.
type Articles interface {
	Recent(ctx context.Context, limit int) ([]models.ArticleModel, error)
}

// Marks guards one delivery per subscriber per local day. Claim returns
// false when the key is already taken.
type Marks interface {
	Claim(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	Release(ctx context.Context, key string) error
}

// Mailer is the outbound mail transport.
type Mailer interface {
	Send(ctx context.Context, msg pkgmail.Message) error
}

// Config tunes a Scheduler. Zero values take the package defaults.
type Config struct {
	ToleranceMinutes int
	ArticleLimit     int
	Concurrency      int
	MailTimeout      time.Duration
	LinkTTL          time.Duration
	SiteName         string
}

func (c Config) withDefaults() Config {
	c.ToleranceMinutes = ClampTolerance(c.ToleranceMinutes)
	if c.ArticleLimit <= 0 {
		c.ArticleLimit = DefaultArticleLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MailTimeout <= 0 {
		c.MailTimeout = DefaultMailTimeout
	}
	if c.LinkTTL <= 0 {
		c.LinkTTL = DefaultLinkTTL
	}
	return c
}

// RunOptions controls one invocation. Zero Now means the scheduler clock;
// zero ToleranceMinutes means the configured tolerance.
type RunOptions struct {
	Now              time.Time
	ToleranceMinutes int
	DryRun           bool
}

// SkipReason explains why a due subscriber got no email.
type SkipReason struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason"`
}

// RunReport summarizes one invocation.
type RunReport struct {
	RanAt            time.Time    `json:"ran_at"`
	ToleranceMinutes int          `json:"tolerance_minutes"`
	Considered       int          `json:"considered"`
	Due              int          `json:"due"`
	Sent             int          `json:"sent"`
	Skipped          int          `json:"skipped"`
	DryRun           bool         `json:"dry_run"`
	WouldSend        []string     `json:"would_send,omitempty"`
	SkipReasons      []SkipReason `json:"skip_reasons,omitempty"`
}

// Scheduler decides who is due and sends each of them one digest.
type Scheduler struct {
	subscribers Subscribers
	articles    Articles
	marks       Marks
	mailer      Mailer
	issuer      *captoken.Issuer
	links       *linkurl.Builder
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

type Deps struct {
	Subscribers Subscribers
	Articles    Articles
	Marks       Marks
	Mailer      Mailer
	Issuer      *captoken.Issuer
	Links       *linkurl.Builder
	Logger      *zap.Logger
	Now         func() time.Time
}

func NewScheduler(deps Deps, cfg Config) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		subscribers: deps.Subscribers,
		articles:    deps.Articles,
		marks:       deps.Marks,
		mailer:      deps.Mailer,
		issuer:      deps.Issuer,
		links:       deps.Links,
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("DigestScheduler"),
		now:         now,
	}
}

// Run performs one pass. Only failures that affect every subscriber are
// returned as errors; per-subscriber problems become skip reasons.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}
	tolerance := s.cfg.ToleranceMinutes
	if opts.ToleranceMinutes != 0 {
		tolerance = ClampTolerance(opts.ToleranceMinutes)
	}
	report := &RunReport{RanAt: now.UTC(), ToleranceMinutes: tolerance, DryRun: opts.DryRun}

	candidates, err := s.subscribers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	report.Considered = len(candidates)

	due := make([]models.SendPreference, 0, len(candidates))
	byID := make(map[string]models.SubscriberModel, len(candidates))
	for _, sub := range candidates {
		pref := sub.SendPreference()
		if pref.Unsubscribed {
			continue
		}
		if _, err := ResolveLocation(pref.Timezone); err != nil {
			s.logger.Warn("unknown timezone, using UTC", zap.String("subscriber", sub.ID), zap.String("timezone", pref.Timezone))
		}
		if IsDue(pref.Hour, pref.Minute, pref.Timezone, now, tolerance) {
			due = append(due, pref)
			byID[sub.ID] = sub
		}
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report, nil
	}

	// Checked up front so a run never mints a partial batch of links.
	if err := s.issuer.Ready(); err != nil {
		return nil, err
	}

	pool, err := s.articles.Recent(ctx, s.cfg.ArticleLimit)
	if err != nil {
		return nil, fmt.Errorf("load articles: %w", err)
	}

	if opts.DryRun {
		for _, pref := range due {
			if byID[pref.SubjectID].Email == "" {
				report.SkipReasons = append(report.SkipReasons, SkipReason{pref.SubjectID, SkipMissingAddress})
				continue
			}
			report.WouldSend = append(report.WouldSend, pref.SubjectID)
		}
		report.Skipped = len(report.SkipReasons)
		s.logger.Info("dry run finished",
			zap.Int("considered", report.Considered),
			zap.Int("due", report.Due),
			zap.Int("would_send", len(report.WouldSend)))
		return report, nil
	}

	outcomes := make([]string, len(due)) // "" means sent
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i, pref := range due {
		i, pref, sub := i, pref, byID[pref.SubjectID]
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = SkipCancelled
				return nil
			}
			outcomes[i] = s.deliver(ctx, sub, pref, pool, now)
			return nil
		})
	}
	_ = g.Wait()

	for i, pref := range due {
		if outcomes[i] == "" {
			report.Sent++
			continue
		}
		report.SkipReasons = append(report.SkipReasons, SkipReason{pref.SubjectID, outcomes[i]})
	}
	report.Skipped = len(report.SkipReasons)

	s.logger.Info("digest run finished",
		zap.Int("considered", report.Considered),
		zap.Int("due", report.Due),
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// deliver sends one digest and returns a skip reason, or "" on success.
func (s *Scheduler) deliver(ctx context.Context, sub models.SubscriberModel, pref models.SendPreference, pool []models.ArticleModel, now time.Time) string {
	log := s.logger.With(zap.String("subscriber", sub.ID))
	if sub.Email == "" {
		return SkipMissingAddress
	}

	key := sub.ID + ":" + SlotDate(pref.Hour, pref.Minute, pref.Timezone, now)
	claimed, err := s.marks.Claim(ctx, key, now.Add(markLifetime))
	if err != nil {
		log.Error("claim delivery mark failed", zap.Error(err))
		return SkipMarkerUnavailable
	}
	if !claimed {
		return SkipAlreadySentToday
	}

	msg, err := s.compose(sub, pool)
	if err != nil {
		log.Error("compose digest failed", zap.Error(err))
		s.release(ctx, key, log)
		return SkipRenderFailed
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.MailTimeout)
	err = s.mailer.Send(sendCtx, msg)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("mailer timed out", zap.Duration("timeout", s.cfg.MailTimeout))
		} else {
			log.Warn("mailer rejected digest", zap.Error(err))
		}
		s.release(ctx, key, log)
		return SkipMailerRejected
	}
	return ""
}

// release frees the day mark so a later run may retry. It outlives ctx.
func (s *Scheduler) release(ctx context.Context, key string, log *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.marks.Release(rctx, key); err != nil {
		log.Error("release delivery mark failed", zap.Error(err))
	}
}

// compose mints every link for one subscriber and renders the email. Each
// link carries its own nonce.
func (s *Scheduler) compose(sub models.SubscriberModel, pool []models.ArticleModel) (pkgmail.Message, error) {
	mint := func() (string, error) {
		return s.issuer.Mint(sub.ID, s.cfg.LinkTTL, true)
	}

	manage, err := mint()
	if err != nil {
		return pkgmail.Message{}, err
	}
	unsubscribe, err := mint()
	if err != nil {
		return pkgmail.Message{}, err
	}
	resubscribe, err := mint()
	if err != nil {
		return pkgmail.Message{}, err
	}

	data := pkgmail.DigestData{
		SiteName:       s.cfg.SiteName,
		Name:           sub.Name,
		ManageURL:      s.links.Manage(manage),
		UnsubscribeURL: s.links.Subscription(unsubscribe, linkurl.ActionUnsubscribe),
		ResubscribeURL: s.links.Subscription(resubscribe, linkurl.ActionResubscribe),
		Articles:       make([]pkgmail.DigestArticle, 0, len(pool)),
	}
	for _, a := range pool {
		yes, err := mint()
		if err != nil {
			return pkgmail.Message{}, err
		}
		no, err := mint()
		if err != nil {
			return pkgmail.Message{}, err
		}
		data.Articles = append(data.Articles, pkgmail.DigestArticle{
			Title:   a.Title,
			URL:     a.URL,
			Summary: a.Summary,
			YesURL:  s.links.Survey(yes, a.ID, models.SurveyAnswerYes),
			NoURL:   s.links.Survey(no, a.ID, models.SurveyAnswerNo),
		})
	}
	return pkgmail.RenderDigest(sub.Email, data)
}
