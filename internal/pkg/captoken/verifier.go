package captoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

const nonceBytes = 18

// Option configures an Issuer or a Verifier.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Issuer mints capability tokens with the current signing secret.
type Issuer struct {
	secrets *Secrets
	now     func() time.Time
}

func NewIssuer(secrets *Secrets, opts ...Option) *Issuer {
	o := buildOptions(opts)
	return &Issuer{secrets: secrets, now: o.now}
}

// Ready reports whether a signing secret is available.
func (i *Issuer) Ready() error {
	_, err := i.secrets.SigningSecret()
	return err
}

// Mint signs a token for userID valid for ttl. Single-use tokens carry a fresh
// random nonce.
func (i *Issuer) Mint(userID string, ttl time.Duration, singleUse bool) (string, error) {
	token, _, err := i.Issue(userID, ttl, singleUse)
	return token, err
}

// Issue is Mint that also returns the signed payload.
func (i *Issuer) Issue(userID string, ttl time.Duration, singleUse bool) (string, Payload, error) {
	if userID == "" {
		return "", Payload{}, newError(KindInvalidPayload, errors.New("empty user id"))
	}
	secret, err := i.secrets.SigningSecret()
	if err != nil {
		return "", Payload{}, err
	}
	p := Payload{UserID: userID, Exp: i.now().Add(ttl).Unix()}
	if singleUse {
		if p.Nonce, err = NewNonce(); err != nil {
			return "", Payload{}, err
		}
	}
	token, err := Encode(p, secret)
	if err != nil {
		return "", Payload{}, err
	}
	return token, p, nil
}

// NewNonce returns a URL-safe random value with 144 bits of entropy.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", newError(KindMisconfigured, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyOption tightens what a handler accepts.
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	requireNonce bool
}

// RequireNonce rejects tokens without a nonce, for handlers that mutate state.
func RequireNonce() VerifyOption {
	return func(o *verifyOptions) { o.requireNonce = true }
}

// Verifier is the single choke point for capability links: signature, expiry,
// subject and single use, in that order.
type Verifier struct {
	secrets *Secrets
	ledger  Ledger
	now     func() time.Time
}

func NewVerifier(secrets *Secrets, ledger Ledger, opts ...Option) *Verifier {
	o := buildOptions(opts)
	return &Verifier{secrets: secrets, ledger: ledger, now: o.now}
}

// Check verifies signature, expiry and subject without touching the ledger.
func (v *Verifier) Check(token string) (*Payload, error) {
	candidates, err := v.secrets.VerificationSecrets()
	if err != nil {
		return nil, err
	}
	now := v.now()

	var best error
	for _, secret := range candidates {
		p, err := Decode(token, secret, now)
		if err == nil {
			if p.UserID == "" {
				return nil, newError(KindInvalidPayload, errors.New("missing user_id"))
			}
			return p, nil
		}
		if KindOf(err) == KindMisconfigured {
			return nil, err
		}
		if best == nil || rank(err) > rank(best) {
			best = err
		}
	}
	return nil, best
}

// VerifyAndConsume verifies token and burns its nonce. The payload is returned
// only when every check passed.
func (v *Verifier) VerifyAndConsume(ctx context.Context, token string, opts ...VerifyOption) (*Payload, error) {
	var vo verifyOptions
	for _, opt := range opts {
		opt(&vo)
	}

	p, err := v.Check(token)
	if err != nil {
		return nil, err
	}
	if p.Nonce == "" {
		if vo.requireNonce {
			return nil, newError(KindInvalidPayload, errors.New("missing nonce"))
		}
		return p, nil
	}
	if v.ledger == nil {
		return nil, newError(KindMisconfigured, errors.New("nonce ledger not configured"))
	}

	result, err := v.ledger.Consume(ctx, p.Nonce, p.ExpiresAt())
	if err != nil {
		if KindOf(err) == KindStorage {
			return nil, err
		}
		return nil, newError(KindStorage, err)
	}
	switch result {
	case Fresh:
		return p, nil
	case AlreadyUsed:
		return nil, ErrLinkAlreadyUsed
	default:
		return nil, newError(KindStorage, errors.New("ledger returned no result"))
	}
}

// rank orders decode failures by how little they reveal; the least sensitive wins.
func rank(err error) int {
	switch KindOf(err) {
	case KindBadFormat:
		return 4
	case KindBadPayload:
		return 3
	case KindExpired:
		return 2
	case KindBadSignature:
		return 1
	default:
		return 0
	}
}
