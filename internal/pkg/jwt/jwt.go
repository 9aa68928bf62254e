package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// RoleOperator is the only role the admin surface accepts.
const RoleOperator = "operator"

var ErrNoSecret = errors.New("jwt secret is not configured")

// Claims is the JWT payload of an operator token.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwtlib.RegisteredClaims
}

// Signer issues and validates operator JWTs with a single HS256 secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
}

// Enabled reports whether a secret was configured.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign creates a signed JWT token for the given operator.
func (s *Signer) Sign(userID string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}
	now := s.now()
	claims := Claims{
		UserID: userID,
		Role:   RoleOperator,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates a token string and returns the claims.
func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrNoSecret
	}
	token, err := jwtlib.ParseWithClaims(tokenStr, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwtlib.WithTimeFunc(s.now), jwtlib.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role != RoleOperator {
		return nil, fmt.Errorf("role %q is not allowed", claims.Role)
	}
	return claims, nil
}
