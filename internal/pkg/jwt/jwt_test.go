package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_RoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSigner("operator-secret")
	token, err := s.Sign("ops", time.Hour)
	require.NoError(t, err)

	claims, err := s.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestSigner_Rejects(t *testing.T) {
	t.Parallel()

	s := NewSigner("operator-secret")

	other, err := NewSigner("other").Sign("ops", time.Hour)
	require.NoError(t, err)
	_, err = s.Parse(other)
	assert.Error(t, err)

	expired, err := s.Sign("ops", -time.Minute)
	require.NoError(t, err)
	_, err = s.Parse(expired)
	assert.ErrorIs(t, err, jwtlib.ErrTokenExpired)

	wrongRole, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		UserID: "reader",
		Role:   "reader",
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("operator-secret"))
	require.NoError(t, err)
	_, err = s.Parse(wrongRole)
	assert.Error(t, err)
}

func TestSigner_NoSecret(t *testing.T) {
	t.Parallel()

	s := NewSigner("  ")
	assert.False(t, s.Enabled())
	_, err := s.Sign("ops", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = s.Parse("a.b.c")
	assert.ErrorIs(t, err, ErrNoSecret)
}
