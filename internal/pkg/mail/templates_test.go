package mail

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderDigest(t *testing.T) {
	t.Parallel()

	msg, err := RenderDigest("reader@example.com", DigestData{
		SiteName: "Weekly",
		Name:     "Ada",
		Articles: []DigestArticle{{
			Title:   "Go generics",
			URL:     "https://example.com/posts/generics",
			Summary: "A **short** tour.\n\n<script>alert(1)</script>",
			YesURL:  "https://example.com/api/v2/newsletter/survey?answer=yes&token=t1",
			NoURL:   "https://example.com/api/v2/newsletter/survey?answer=no&token=t2",
		}},
		ManageURL:      "https://example.com/manage?token=m",
		UnsubscribeURL: "https://example.com/unsub?token=u",
		ResubscribeURL: "https://example.com/resub?token=r",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"reader@example.com"}, msg.To)
	assert.Equal(t, "[Weekly] Your digest", msg.Subject)
	assert.Contains(t, msg.HTML, "<strong>short</strong>")
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "answer=yes&amp;token=t1")
	assert.Contains(t, msg.HTML, "token=r")
	assert.Equal(t, "<https://example.com/unsub?token=u>", msg.Headers["List-Unsubscribe"])
}

func TestRenderSubscribeVerify_DefaultSiteName(t *testing.T) {
	t.Parallel()

	msg, err := RenderSubscribeVerify("a@example.com", SubscribeVerifyData{VerifyURL: "https://example.com/v?token=x"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.Subject, "[Newsletter]"))
	assert.Contains(t, msg.HTML, "https://example.com/v?token=x")
}

func TestSender_Disabled(t *testing.T) {
	t.Parallel()

	err := New(Config{}).Send(context.Background(), Message{To: []string{"a@example.com"}})
	assert.ErrorIs(t, err, ErrDisabled)
}
