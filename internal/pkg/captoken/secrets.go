package captoken

import (
	"errors"
	"strings"
)

var errNoSecret = errors.New("no capability secret configured")

// Secrets is the rotation policy: one primary secret and an optional alternate.
// Verification accepts either so links minted before a rotation keep working.
type Secrets struct {
	primary           []byte
	alternate         []byte
	signWithAlternate bool
}

// NewSecrets builds the policy from configuration. Blank values are treated as
// unset.
func NewSecrets(primary, alternate string, signWithAlternate bool) *Secrets {
	s := &Secrets{signWithAlternate: signWithAlternate}
	if v := strings.TrimSpace(primary); v != "" {
		s.primary = []byte(v)
	}
	if v := strings.TrimSpace(alternate); v != "" {
		s.alternate = []byte(v)
	}
	return s
}

// SigningSecret returns the secret new links are signed with.
func (s *Secrets) SigningSecret() ([]byte, error) {
	if s == nil {
		return nil, newError(KindMisconfigured, errNoSecret)
	}
	if s.signWithAlternate && len(s.alternate) > 0 {
		return s.alternate, nil
	}
	if len(s.primary) > 0 {
		return s.primary, nil
	}
	if len(s.alternate) > 0 {
		return s.alternate, nil
	}
	return nil, newError(KindMisconfigured, errNoSecret)
}

// VerificationSecrets returns the candidates in trial order, the current
// signer first.
func (s *Secrets) VerificationSecrets() ([][]byte, error) {
	if s == nil {
		return nil, newError(KindMisconfigured, errNoSecret)
	}
	out := make([][]byte, 0, 2)
	if s.signWithAlternate && len(s.alternate) > 0 {
		out = append(out, s.alternate)
		if len(s.primary) > 0 {
			out = append(out, s.primary)
		}
		return out, nil
	}
	if len(s.primary) > 0 {
		out = append(out, s.primary)
	}
	if len(s.alternate) > 0 {
		out = append(out, s.alternate)
	}
	if len(out) == 0 {
		return nil, newError(KindMisconfigured, errNoSecret)
	}
	return out, nil
}
