package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mx-space/newsletter/internal/pkg/jwt"
)

const (
	HeaderSignature = "X-Digest-Signature256"
	HeaderTimestamp = "X-Digest-Timestamp"

	signaturePrefix = "sha256="
	maxClockSkew    = 5 * time.Minute
)

var (
	errNoCredentials   = errors.New("no credentials")
	errBadSignature    = errors.New("webhook signature mismatch")
	errStaleTimestamp  = errors.New("webhook timestamp outside the allowed window")
	errBadCredential   = errors.New("credential rejected")
	errWebhookDisabled = errors.New("webhook secret is not configured")
)

// TriggerAuth holds the three ways an operator may start a run.
type TriggerAuth struct {
	OperatorSecret string
	WebhookSecret  string
	Signer         *jwt.Signer
	Now            func() time.Time
}

// SignWebhook computes the signature header value for a body sent at
// timestamp (unix milliseconds).
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (a TriggerAuth) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// verifyWebhook checks a signed request. The timestamp is inside the MAC so a
// captured request cannot be replayed after the window closes.
func (a TriggerAuth) verifyWebhook(signature, timestamp string, body []byte) error {
	if a.WebhookSecret == "" {
		return errWebhookDisabled
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return errStaleTimestamp
	}
	skew := a.now().Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return errStaleTimestamp
	}
	expected := SignWebhook(a.WebhookSecret, strings.TrimSpace(timestamp), body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return errBadSignature
	}
	return nil
}

// verifyBearer accepts the shared operator secret or an operator JWT.
func (a TriggerAuth) verifyBearer(credential string) error {
	if credential == "" {
		return errNoCredentials
	}
	if a.OperatorSecret != "" &&
		subtle.ConstantTimeCompare([]byte(credential), []byte(a.OperatorSecret)) == 1 {
		return nil
	}
	if a.Signer.Enabled() {
		if _, err := a.Signer.Parse(credential); err == nil {
			return nil
		}
	}
	return errBadCredential
}
