package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// ErrDisabled is returned by Send when mail delivery is switched off.
var ErrDisabled = errors.New("mail delivery is disabled")

// Config holds mail provider settings.
type Config struct {
	Enable    bool   `json:"enable"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Pass      string `json:"pass"`
	From      string `json:"from"`
	ReplyTo   string `json:"reply_to"`
	UseResend bool   `json:"use_resend"`
	ResendKey string `json:"resend_key"`
}

// Message is a single email to send.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Sender sends emails via SMTP or Resend.
type Sender struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Sender {
	return &Sender{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

// Send dispatches an email. Uses Resend if configured, otherwise SMTP.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if !s.cfg.Enable {
		return ErrDisabled
	}
	if len(msg.To) == 0 {
		return errors.New("mail: no recipient")
	}
	if s.cfg.UseResend && s.cfg.ResendKey != "" {
		return s.sendResend(ctx, msg)
	}
	return s.sendSMTP(ctx, msg)
}

func (s *Sender) from() string {
	if s.cfg.From != "" {
		return s.cfg.From
	}
	return s.cfg.User
}

// sendSMTP sends via net/smtp. net/smtp has no context support, so the dial
// runs in a goroutine and ctx only bounds how long we wait for it.
func (s *Sender) sendSMTP(ctx context.Context, msg Message) error {
	host := s.cfg.Host
	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	from := s.from()

	var body bytes.Buffer
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString(fmt.Sprintf("From: %s\r\n", from))
	body.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	body.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	body.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	if s.cfg.ReplyTo != "" {
		body.WriteString(fmt.Sprintf("Reply-To: %s\r\n", s.cfg.ReplyTo))
	}
	for k, v := range msg.Headers {
		body.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	body.WriteString("\r\n")
	body.WriteString(msg.HTML)

	auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, host)
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, from, msg.To, body.Bytes())
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendResend sends via the Resend HTTP API.
func (s *Sender) sendResend(ctx context.Context, msg Message) error {
	body := map[string]interface{}{
		"from":    s.from(),
		"to":      msg.To,
		"subject": msg.Subject,
		"html":    msg.HTML,
	}
	if msg.Text != "" {
		body["text"] = msg.Text
	}
	if s.cfg.ReplyTo != "" {
		body["reply_to"] = s.cfg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		body["headers"] = msg.Headers
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.resend.com/emails", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.ResendKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("resend error %d: %s", resp.StatusCode, errResp.Message)
	}
	return nil
}
