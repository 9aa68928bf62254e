package digest

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/modules/ledger"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/mx-space/newsletter/internal/pkg/linkurl"
	pkgmail "github.com/mx-space/newsletter/internal/pkg/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscribers struct {
	subs []models.SubscriberModel
	err  error
}

func (f *fakeSubscribers) ListActive(context.Context) ([]models.SubscriberModel, error) {
	return f.subs, f.err
}

type fakeArticles struct {
	items []models.ArticleModel
	err   error
	calls atomic.Int32
}

func (f *fakeArticles) Recent(_ context.Context, limit int) ([]models.ArticleModel, error) {
	f.calls.Add(1)
	if len(f.items) > limit {
		return f.items[:limit], f.err
	}
	return f.items, f.err
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []pkgmail.Message
	calls  int
	failTo map[string]error
	block  bool
}

func (m *fakeMailer) Send(ctx context.Context, msg pkgmail.Message) error {
	m.mu.Lock()
	m.calls++
	block := m.block
	err := m.failTo[msg.To[0]]
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *fakeMailer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func subscriber(id, email, tz string, hour, minute int) models.SubscriberModel {
	s := models.SubscriberModel{Email: email, Name: id, Timezone: tz, SendHour: hour, SendMinute: minute, Verified: true}
	s.ID = id
	return s
}

type harness struct {
	scheduler *Scheduler
	subs      *fakeSubscribers
	articles  *fakeArticles
	marks     *ledger.MemoryMarks
	mailer    *fakeMailer
	verifier  *captoken.Verifier
}

func newHarness(t *testing.T, secrets *captoken.Secrets, cfg Config, subs ...models.SubscriberModel) *harness {
	t.Helper()
	links, err := linkurl.New("https://api.example.com/api/v2", "https://example.com")
	require.NoError(t, err)

	h := &harness{
		subs: &fakeSubscribers{subs: subs},
		articles: &fakeArticles{items: []models.ArticleModel{
			{Base: models.Base{ID: "art-1"}, Title: "Generics", URL: "https://example.com/1", Summary: "**bold**"},
			{Base: models.Base{ID: "art-2"}, Title: "Iterators", URL: "https://example.com/2", Summary: "plain"},
		}},
		marks:    ledger.NewMemoryMarks(),
		mailer:   &fakeMailer{failTo: map[string]error{}},
		verifier: captoken.NewVerifier(secrets, captoken.NewMemoryLedger()),
	}
	h.scheduler = NewScheduler(Deps{
		Subscribers: h.subs,
		Articles:    h.articles,
		Marks:       h.marks,
		Mailer:      h.mailer,
		Issuer:      captoken.NewIssuer(secrets),
		Links:       links,
	}, cfg)
	return h
}

func testSecrets() *captoken.Secrets {
	return captoken.NewSecrets("primary-secret", "", false)
}

func threeSubscribers() []models.SubscriberModel {
	return []models.SubscriberModel{
		subscriber("s1", "s1@example.com", "UTC", 9, 0),
		subscriber("s2", "s2@example.com", "UTC", 9, 20),
		subscriber("s3", "s3@example.com", "UTC", 14, 0),
	}
}

func TestRun_DryRunReportsDueWithoutSideEffects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, threeSubscribers()...)
	report, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 5), ToleranceMinutes: 15, DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 3, report.Considered)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, []string{"s1", "s2"}, report.WouldSend)
	assert.Zero(t, report.Sent)
	assert.Zero(t, h.mailer.callCount())
	assert.False(t, h.marks.Has("s1:2026-10-19"))
}

func TestRun_SendsOncePerLocalDay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, threeSubscribers()...)
	ctx := context.Background()

	report, err := h.scheduler.Run(ctx, RunOptions{Now: utcAt(9, 5)})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, 2, h.mailer.callCount())
	assert.True(t, h.marks.Has("s1:2026-10-19"))

	// An overlapping window later the same day must not send again.
	report, err = h.scheduler.Run(ctx, RunOptions{Now: utcAt(9, 15)})
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.ElementsMatch(t, []SkipReason{
		{SubjectID: "s1", Reason: SkipAlreadySentToday},
		{SubjectID: "s2", Reason: SkipAlreadySentToday},
	}, report.SkipReasons)
	assert.Equal(t, 2, h.mailer.callCount())
}

func TestRun_MidnightWindowSendsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, subscriber("s1", "s1@example.com", "UTC", 23, 55))
	ctx := context.Background()
	day1 := time.Date(2026, 10, 19, 23, 45, 0, 0, time.UTC)

	report, err := h.scheduler.Run(ctx, RunOptions{Now: day1, ToleranceMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.True(t, h.marks.Has("s1:2026-10-19"))

	for _, now := range []time.Time{day1.Add(15 * time.Minute), day1.Add(25 * time.Minute)} {
		report, err = h.scheduler.Run(ctx, RunOptions{Now: now, ToleranceMinutes: 15})
		require.NoError(t, err)
		assert.Zero(t, report.Sent, now)
		assert.Equal(t, []SkipReason{{SubjectID: "s1", Reason: SkipAlreadySentToday}}, report.SkipReasons, now)
	}
	assert.Equal(t, 1, h.mailer.callCount())

	report, err = h.scheduler.Run(ctx, RunOptions{Now: day1.Add(24 * time.Hour), ToleranceMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 2, h.mailer.callCount())
}

func TestRun_LinksAreFreshAndSingleUse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, subscriber("s1", "s1@example.com", "UTC", 9, 0))
	_, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 0)})
	require.NoError(t, err)
	require.Len(t, h.mailer.sent, 1)

	hrefs := regexp.MustCompile(`href="([^"]+token=[^"]+)"`).FindAllStringSubmatch(h.mailer.sent[0].HTML, -1)
	// manage, unsubscribe, resubscribe and a yes/no pair per article
	require.Len(t, hrefs, 3+2*2)

	nonces := map[string]bool{}
	for _, m := range hrefs {
		u, err := url.Parse(unescapeAmp(m[1]))
		require.NoError(t, err)
		p, err := h.verifier.Check(u.Query().Get("token"))
		require.NoError(t, err)
		assert.Equal(t, "s1", p.UserID)
		require.NotEmpty(t, p.Nonce)
		assert.False(t, nonces[p.Nonce], "nonce reused across links")
		nonces[p.Nonce] = true
	}

	u, err := url.Parse(unescapeAmp(hrefs[0][1]))
	require.NoError(t, err)
	token := u.Query().Get("token")
	_, err = h.verifier.VerifyAndConsume(context.Background(), token)
	require.NoError(t, err)
	_, err = h.verifier.VerifyAndConsume(context.Background(), token)
	assert.ErrorIs(t, err, captoken.ErrLinkAlreadyUsed)
}

func unescapeAmp(s string) string {
	return regexp.MustCompile(`&amp;`).ReplaceAllString(s, "&")
}

func TestRun_MailerFailureReleasesMark(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, threeSubscribers()...)
	h.mailer.failTo["s2@example.com"] = errors.New("550 mailbox unavailable")

	report, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 5)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []SkipReason{{SubjectID: "s2", Reason: SkipMailerRejected}}, report.SkipReasons)
	assert.False(t, h.marks.Has("s2:2026-10-19"))

	delete(h.mailer.failTo, "s2@example.com")
	report, err = h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 10)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []SkipReason{{SubjectID: "s1", Reason: SkipAlreadySentToday}}, report.SkipReasons)
}

func TestRun_MailerTimeoutIsRejection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{MailTimeout: 20 * time.Millisecond}, subscriber("s1", "s1@example.com", "UTC", 9, 0))
	h.mailer.block = true

	report, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 0)})
	require.NoError(t, err)
	assert.Equal(t, []SkipReason{{SubjectID: "s1", Reason: SkipMailerRejected}}, report.SkipReasons)
	assert.False(t, h.marks.Has("s1:2026-10-19"))
}

func TestRun_MissingAddress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, subscriber("s1", "", "UTC", 9, 0))
	report, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 0)})
	require.NoError(t, err)
	assert.Equal(t, []SkipReason{{SubjectID: "s1", Reason: SkipMissingAddress}}, report.SkipReasons)
	assert.Zero(t, h.mailer.callCount())
}

func TestRun_LocalTimezone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{},
		subscriber("tokyo", "t@example.com", "Asia/Tokyo", 18, 0),
		subscriber("bogus", "b@example.com", "Not/AZone", 9, 0),
	)
	report, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 0), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"tokyo", "bogus"}, report.WouldSend)
}

func TestRun_NothingDueSkipsContentPool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, threeSubscribers()...)
	report, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(3, 0)})
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Zero(t, h.articles.calls.Load())
}

func TestRun_FatalErrors(t *testing.T) {
	t.Parallel()

	t.Run("subscribers", func(t *testing.T) {
		h := newHarness(t, testSecrets(), Config{})
		h.subs.err = errors.New("db down")
		report, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 0)})
		assert.Error(t, err)
		assert.Nil(t, report)
	})

	t.Run("articles", func(t *testing.T) {
		h := newHarness(t, testSecrets(), Config{}, threeSubscribers()...)
		h.articles.err = errors.New("db down")
		_, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 0)})
		assert.Error(t, err)
		assert.Zero(t, h.mailer.callCount())
	})

	t.Run("no signing secret", func(t *testing.T) {
		h := newHarness(t, captoken.NewSecrets("", "", false), Config{}, threeSubscribers()...)
		_, err := h.scheduler.Run(context.Background(), RunOptions{Now: utcAt(9, 0)})
		assert.ErrorIs(t, err, captoken.ErrMisconfigured)
		assert.Zero(t, h.mailer.callCount())
		assert.False(t, h.marks.Has("s1:2026-10-19"))
	})
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testSecrets(), Config{}, threeSubscribers()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.scheduler.Run(ctx, RunOptions{Now: utcAt(9, 5)})
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, h.mailer.callCount())
}
