package links

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/modules/subscribe"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSubscribers struct {
	mu   sync.Mutex
	subs map[string]*models.SubscriberModel
	err  error
}

func (f *fakeSubscribers) Get(_ context.Context, id string) (*models.SubscriberModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, subscribe.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubscribers) SetUnsubscribed(_ context.Context, id string, unsubscribed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return subscribe.ErrNotFound
	}
	sub.Unsubscribed = unsubscribed
	return nil
}

func (f *fakeSubscribers) UpdatePreference(ctx context.Context, id string, p subscribe.PreferenceUpdate) (*models.SubscriberModel, error) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	if ok {
		sub.Timezone, sub.SendHour, sub.SendMinute = p.Timezone, p.Hour, p.Minute
	}
	f.mu.Unlock()
	if !ok {
		return nil, subscribe.ErrNotFound
	}
	return f.Get(ctx, id)
}

type fakeAnswers struct {
	mu      sync.Mutex
	answers map[string]string
}

func (f *fakeAnswers) Record(_ context.Context, subscriberID, articleID, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[subscriberID+"/"+articleID] = answer
	return nil
}

type fakeArticles struct {
	ids map[string]bool
	err error
}

func (f *fakeArticles) Exists(_ context.Context, id string) (bool, error) {
	return f.ids[id], f.err
}

type fixture struct {
	router  *gin.Engine
	subs    *fakeSubscribers
	answers *fakeAnswers
	issuer  *captoken.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithClock(t, nil)
}

func newFixtureWithClock(t *testing.T, now func() time.Time) *fixture {
	t.Helper()
	secrets := captoken.NewSecrets("primary-secret", "", false)
	sub := &models.SubscriberModel{Email: "reader@example.com", Name: "Reader", Timezone: "UTC", SendHour: 9, Verified: true}
	sub.ID = "sub-1"

	f := &fixture{
		subs:    &fakeSubscribers{subs: map[string]*models.SubscriberModel{"sub-1": sub}},
		answers: &fakeAnswers{answers: map[string]string{}},
		issuer:  captoken.NewIssuer(secrets, captoken.WithClock(now)),
	}
	h := NewHandler(Options{
		Subscribers:    f.subs,
		Answers:        f.answers,
		Articles:       &fakeArticles{ids: map[string]bool{"art-1": true}},
		Issuer:         f.issuer,
		Verifier:       captoken.NewVerifier(secrets, captoken.NewMemoryLedger()),
		AllowedOrigins: []string{"https://example.com/"},
	})
	f.router = gin.New()
	h.RegisterRoutes(f.router.Group("/api/v2"))
	return f
}

func (f *fixture) mint(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	token, err := f.issuer.Mint(userID, ttl, true)
	require.NoError(t, err)
	return token
}

func (f *fixture) get(path string, query url.Values) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path+"?"+query.Encode(), nil))
	return w
}

func (f *fixture) postJSON(path string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func stateOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.State
}

func TestSubscription_UnsubscribeThenReuse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.mint(t, "sub-1", time.Hour)
	q := url.Values{"token": {token}, "action": {"unsubscribe"}}

	w := f.get("/api/v2/newsletter/subscription", q)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", stateOf(t, w))
	assert.True(t, f.subs.subs["sub-1"].Unsubscribed)

	w = f.get("/api/v2/newsletter/subscription", q)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "link_used", stateOf(t, w))
}

func TestSubscription_Outcomes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		name   string
		query  url.Values
		status int
		state  string
	}{
		{"garbage token", url.Values{"token": {"not-a-token"}, "action": {"unsubscribe"}}, http.StatusBadRequest, "invalid"},
		{"expired", url.Values{"token": {f.mint(t, "sub-1", -time.Minute)}, "action": {"unsubscribe"}}, http.StatusGone, "expired"},
		{"unknown action", url.Values{"token": {f.mint(t, "sub-1", time.Hour)}, "action": {"delete"}}, http.StatusBadRequest, "invalid"},
		{"missing subscriber", url.Values{"token": {f.mint(t, "ghost", time.Hour)}, "action": {"resubscribe"}}, http.StatusBadRequest, "invalid"},
	}
	for _, tc := range cases {
		w := f.get("/api/v2/newsletter/subscription", tc.query)
		assert.Equal(t, tc.status, w.Code, tc.name)
		assert.Equal(t, tc.state, stateOf(t, w), tc.name)
	}
}

func TestSubscription_StoreFailureIsGeneric(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subs.err = errors.New("Error 2013: Lost connection to MySQL server at 10.1.2.3")

	w := f.get("/api/v2/newsletter/subscription", url.Values{"token": {f.mint(t, "sub-1", time.Hour)}, "action": {"unsubscribe"}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "server_error", stateOf(t, w))
	assert.NotContains(t, w.Body.String(), "10.1.2.3")
}

func TestManage_ReturnsPreferenceAndFormToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w := f.get("/api/v2/newsletter/manage", url.Values{"token": {f.mint(t, "sub-1", time.Hour)}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Preference preferenceView `json:"preference"`
		Token      string         `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "reader@example.com", body.Preference.Email)
	assert.Equal(t, 9, body.Preference.Hour)
	require.NotEmpty(t, body.Token)

	w = f.postJSON("/api/v2/newsletter/preferences", gin.H{
		"token": body.Token, "timezone": "Asia/Tokyo", "hour": 7, "minute": 30,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Asia/Tokyo", f.subs.subs["sub-1"].Timezone)
	assert.Equal(t, 7, f.subs.subs["sub-1"].SendHour)
	assert.Equal(t, 30, f.subs.subs["sub-1"].SendMinute)

	// The form token is single-use as well.
	w = f.postJSON("/api/v2/newsletter/preferences", gin.H{
		"token": body.Token, "timezone": "UTC", "hour": 8, "minute": 0,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestManage_FormExpiryFollowsIssuerClock(t *testing.T) {
	t.Parallel()
	issued := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	f := newFixtureWithClock(t, func() time.Time { return issued })

	w := f.get("/api/v2/newsletter/manage", url.Values{"token": {f.mint(t, "sub-1", time.Hour)}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, issued.Add(DefaultFormTTL).Equal(body.ExpiresAt), body.ExpiresAt)
}

func TestPreferences_InvalidInputKeepsToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.mint(t, "sub-1", time.Hour)

	w := f.postJSON("/api/v2/newsletter/preferences", gin.H{"token": token, "timezone": "Mars/Olympus", "hour": 7, "minute": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.postJSON("/api/v2/newsletter/preferences", gin.H{"token": token, "timezone": "UTC", "hour": 24, "minute": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.postJSON("/api/v2/newsletter/preferences", gin.H{"token": token, "timezone": "Europe/Berlin", "hour": 6, "minute": 45})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSurveyLink_RecordsAndRedirects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w := f.get("/api/v2/newsletter/survey", url.Values{
		"token":    {f.mint(t, "sub-1", time.Hour)},
		"article":  {"art-1"},
		"answer":   {"YES"},
		"redirect": {"https://example.com/thanks"},
	})
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://example.com/thanks", w.Header().Get("Location"))
	assert.Equal(t, "yes", f.answers.answers["sub-1/art-1"])
}

func TestSurveyLink_IgnoresForeignRedirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, target := range []string{"https://evil.example.net/", "//evil.example.net", "javascript:alert(1)", "https://user@example.com/"} {
		w := f.get("/api/v2/newsletter/survey", url.Values{
			"token":    {f.mint(t, "sub-1", time.Hour)},
			"article":  {"art-1"},
			"answer":   {"no"},
			"redirect": {target},
		})
		assert.Equal(t, http.StatusOK, w.Code, target)
		assert.Empty(t, w.Header().Get("Location"), target)
	}
	assert.Equal(t, "no", f.answers.answers["sub-1/art-1"])
}

func TestSurveySubmit_RejectsBeforeBurning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.mint(t, "sub-1", time.Hour)

	w := f.postJSON("/api/v2/newsletter/survey", gin.H{"token": token, "article": "art-1", "answer": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid", stateOf(t, w))

	w = f.postJSON("/api/v2/newsletter/survey", gin.H{"token": token, "article": "art-404", "answer": "yes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.postJSON("/api/v2/newsletter/survey", gin.H{"token": token, "article": "art-1", "answer": "yes"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "yes", f.answers.answers["sub-1/art-1"])

	w = f.postJSON("/api/v2/newsletter/survey", gin.H{"token": token, "article": "art-1", "answer": "no"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "yes", f.answers.answers["sub-1/art-1"])
}
