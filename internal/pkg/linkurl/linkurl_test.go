package linkurl

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	t.Parallel()

	b, err := New("https://api.example.com/api/v2/", "https://example.com/")
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/api/v2/newsletter/manage?token=a.b", b.Manage("a.b"))
	assert.Equal(t, "https://api.example.com/api/v2/subscribe/verify?token=a.b", b.Verify("a.b"))
	assert.Equal(t, "https://api.example.com/api/v2/newsletter/subscription?action=unsubscribe&token=a.b",
		b.Subscription("a.b", ActionUnsubscribe))

	u, err := url.Parse(b.Survey("a.b", "art-1", "yes"))
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/newsletter/survey", u.Path)
	assert.Equal(t, "art-1", u.Query().Get("article"))
	assert.Equal(t, "yes", u.Query().Get("answer"))
	assert.Equal(t, "https://example.com", u.Query().Get("redirect"))
}

func TestNew_Rejects(t *testing.T) {
	t.Parallel()

	_, err := New("", "")
	assert.ErrorIs(t, err, ErrNoBaseURL)
	_, err = New("/api/v2", "")
	assert.Error(t, err)
}
