// Package captoken implements capability links: compact signed tokens that let an
// email link act for one subscriber without a session.
//
// Wire format:
//
//	base64url(payload-json) "." base64url(hmac-sha256(first part))
//
// Both parts use unpadded, strict base64url so every token has exactly one
// textual form.
package captoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const separator = "."

var segmentEncoding = base64.RawURLEncoding.Strict()

// Payload is the signed unit. Field names are shared with the web front end.
type Payload struct {
	UserID string `json:"user_id"`
	Exp    int64  `json:"exp"`
	Nonce  string `json:"n,omitempty"`
}

// ExpiresAt returns the expiry as a time, or the zero time when unset.
func (p Payload) ExpiresAt() time.Time {
	if p.Exp == 0 {
		return time.Time{}
	}
	return time.Unix(p.Exp, 0)
}

// Encode signs p with secret.
func Encode(p Payload, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", newError(KindMisconfigured, errors.New("empty signing secret"))
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", newError(KindBadPayload, err)
	}
	body := segmentEncoding.EncodeToString(raw)
	sig, err := signBody(body, secret)
	if err != nil {
		return "", err
	}
	return body + separator + sig, nil
}

func signBody(body string, secret []byte) (string, error) {
	sig, err := jwtlib.SigningMethodHS256.Sign(body, secret)
	if err != nil {
		return "", newError(KindMisconfigured, err)
	}
	return segmentEncoding.EncodeToString(sig), nil
}

// Decode verifies token against secret and returns its payload. Expiry is only
// checked once the signature matched, so a forged token never learns whether
// it would have been expired.
func Decode(token string, secret []byte, now time.Time) (*Payload, error) {
	if len(secret) == 0 {
		return nil, newError(KindMisconfigured, errors.New("empty verification secret"))
	}
	body, sigText, ok := strings.Cut(token, separator)
	if !ok || body == "" || sigText == "" || strings.Contains(sigText, separator) {
		return nil, ErrBadFormat
	}

	sig, err := segmentEncoding.DecodeString(sigText)
	if err != nil {
		return nil, newError(KindBadSignature, err)
	}
	if err := jwtlib.SigningMethodHS256.Verify(body, sig, secret); err != nil {
		if errors.Is(err, jwtlib.ErrSignatureInvalid) {
			return nil, ErrBadSignature
		}
		return nil, newError(KindMisconfigured, err)
	}

	raw, err := segmentEncoding.DecodeString(body)
	if err != nil {
		return nil, newError(KindBadPayload, err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newError(KindBadPayload, err)
	}

	if p.Exp != 0 && p.Exp < now.Unix() {
		return nil, ErrExpired
	}
	return &p, nil
}
