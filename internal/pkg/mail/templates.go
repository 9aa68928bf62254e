package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const defaultSiteName = "Newsletter"

const subscribeVerifyTpl = `<!DOCTYPE html>
<html>
<body style="font-family:sans-serif;background:#f5f5f5;padding:20px">
<div style="max-width:600px;margin:0 auto;background:#fff;border-radius:8px;padding:24px">
  <h2 style="color:#333">Confirm your subscription</h2>
  <p>Thanks for subscribing to {{.SiteName}}. Please confirm your address:</p>
  <p style="margin-top:24px">
    <a href="{{.VerifyURL}}" style="background:#4f46e5;color:#fff;padding:8px 16px;text-decoration:none;border-radius:4px">Confirm</a>
  </p>
  <p style="color:#999;font-size:12px">If you did not sign up, ignore this email.</p>
</div>
</body>
</html>`

const digestTpl = `<!DOCTYPE html>
<html>
<head>
  <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
</head>
<body style="background-color:#fff;margin:0 auto;font-family:ui-sans-serif,system-ui,-apple-system,BlinkMacSystemFont,Segoe UI,Roboto,Helvetica Neue,Arial,Noto Sans,sans-serif;padding:.5rem">
  <table align="center" width="100%" role="presentation" cellspacing="0" cellpadding="0" border="0" style="max-width:100%;border-radius:.375rem;margin:40px auto;padding:20px;width:550px;border:1px solid rgb(14,165,233)">
    <tbody>
      <tr><td>
        <p style="font-size:14px;line-height:24px;margin:16px 0">Hi {{.Name}}, here is your {{.SiteName}} digest.</p>
        {{range .Articles}}
        <h2 style="font-size:18px;margin:24px 0 8px"><a href="{{.URL}}" style="color:#000;text-decoration:none">{{.Title}}</a></h2>
        <div style="font-size:14px;line-height:24px;color:rgb(51,51,51)">{{.SummaryHTML}}</div>
        <p style="font-size:12px;margin:8px 0;color:rgb(107,114,128)">Was this useful?
          <a href="{{.YesURL}}" style="color:rgb(14,165,233)">Yes</a> ·
          <a href="{{.NoURL}}" style="color:rgb(14,165,233)">No</a>
        </p>
        {{end}}
        <hr style="width:100%;border:none;border-top:1px solid #eaeaea;margin:26px 0" />
        <p style="font-size:11px;line-height:20px;margin:16px 0;text-align:center;color:rgb(156,163,175)">
          <a href="{{.ManageURL}}" style="color:rgb(156,163,175)">Delivery preferences</a> ·
          <a href="{{.UnsubscribeURL}}" style="color:rgb(156,163,175)">Unsubscribe</a><br />
          Unsubscribed by mistake? <a href="{{.ResubscribeURL}}" style="color:rgb(156,163,175)">Resubscribe</a><br />
          ©{{year}} {{.SiteName}}
        </p>
      </td></tr>
    </tbody>
  </table>
</body>
</html>`

// SubscribeVerifyData is the data for subscription confirmation emails.
type SubscribeVerifyData struct {
	SiteName  string
	VerifyURL string
}

// DigestArticle is one entry of a digest with its survey links.
type DigestArticle struct {
	Title       string
	URL         string
	Summary     string // markdown
	SummaryHTML template.HTML
	YesURL      string
	NoURL       string
}

// DigestData is everything a personalized digest needs.
type DigestData struct {
	SiteName       string
	Name           string
	Articles       []DigestArticle
	ManageURL      string
	UnsubscribeURL string
	ResubscribeURL string
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderMarkdown converts an article summary to HTML. Raw HTML in the source
// is dropped by goldmark's default (unsafe disabled) renderer.
func RenderMarkdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func renderTemplate(tpl string, data interface{}) (string, error) {
	t, err := template.New("").Funcs(template.FuncMap{
		"year": func() int {
			return time.Now().Year()
		},
	}).Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderSubscribeVerify builds the confirmation email for a new subscriber.
func RenderSubscribeVerify(to string, data SubscribeVerifyData) (Message, error) {
	if strings.TrimSpace(data.SiteName) == "" {
		data.SiteName = defaultSiteName
	}
	html, err := renderTemplate(subscribeVerifyTpl, data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      []string{to},
		Subject: fmt.Sprintf("[%s] Confirm your subscription", data.SiteName),
		HTML:    html,
	}, nil
}

// RenderDigest builds one subscriber's digest email.
func RenderDigest(to string, data DigestData) (Message, error) {
	if strings.TrimSpace(data.SiteName) == "" {
		data.SiteName = defaultSiteName
	}
	if strings.TrimSpace(data.Name) == "" {
		data.Name = "there"
	}
	for i := range data.Articles {
		if data.Articles[i].SummaryHTML != "" || data.Articles[i].Summary == "" {
			continue
		}
		rendered, err := RenderMarkdown(data.Articles[i].Summary)
		if err != nil {
			return Message{}, fmt.Errorf("render summary of %q: %w", data.Articles[i].Title, err)
		}
		data.Articles[i].SummaryHTML = rendered
	}
	html, err := renderTemplate(digestTpl, data)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		To:      []string{to},
		Subject: fmt.Sprintf("[%s] Your digest", data.SiteName),
		HTML:    html,
	}
	if data.UnsubscribeURL != "" {
		msg.Headers = map[string]string{"List-Unsubscribe": "<" + data.UnsubscribeURL + ">"}
	}
	return msg, nil
}
