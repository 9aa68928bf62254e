// Package linkurl builds the public URLs capability tokens travel in.
package linkurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Subscription actions carried next to the token.
const (
	ActionUnsubscribe = "unsubscribe"
	ActionResubscribe = "resubscribe"
)

var ErrNoBaseURL = errors.New("linkurl: site.base_url is not configured")

// Builder joins paths onto the API base URL, e.g. https://example.com/api/v2.
type Builder struct {
	base   *url.URL
	webURL string
}

// New validates baseURL. webURL, when set, is where survey answers land after
// the browser GET form.
func New(baseURL, webURL string) (*Builder, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("linkurl: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("linkurl: base url %q must be absolute", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return &Builder{base: u, webURL: strings.TrimRight(strings.TrimSpace(webURL), "/")}, nil
}

func (b *Builder) build(path string, query url.Values) string {
	u := *b.base
	u.Path = u.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

// Verify is the subscription confirmation link.
func (b *Builder) Verify(token string) string {
	return b.build("/subscribe/verify", url.Values{"token": {token}})
}

// Manage is the preference page link.
func (b *Builder) Manage(token string) string {
	return b.build("/newsletter/manage", url.Values{"token": {token}})
}

// Subscription is the unsubscribe or resubscribe link.
func (b *Builder) Subscription(token, action string) string {
	return b.build("/newsletter/subscription", url.Values{"token": {token}, "action": {action}})
}

// Survey is one answer link for one article.
func (b *Builder) Survey(token, articleID, answer string) string {
	q := url.Values{"token": {token}, "article": {articleID}, "answer": {answer}}
	if b.webURL != "" {
		q.Set("redirect", b.webURL)
	}
	return b.build("/newsletter/survey", q)
}
