// ABOUTME: Tests for JWT token generation and verification
// ABOUTME: Covers expiry, wrong secret, malformed tokens, and missing claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier([]byte(testSecret), time.Hour)
	require.NoError(t, err)
	return v
}

// signClaims signs an arbitrary claim set with the test secret, for tokens
// the verifier itself would never issue
func signClaims(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestGenerateAndVerify(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate("acct-123")
	require.NoError(t, err)

	accountID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-123", accountID)
}

func TestVerify_ExpiredToken(t *testing.T) {
	v := newTestVerifier(t)

	expired := signClaims(t, jwt.RegisteredClaims{
		Subject:   "acct-123",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	_, err := v.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	v1 := newTestVerifier(t)
	v2, err := NewJWTVerifier([]byte("another-secret-another-secret-xx"), time.Hour)
	require.NoError(t, err)

	token, err := v1.Generate("acct-123")
	require.NoError(t, err)

	_, err = v2.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	v := newTestVerifier(t)

	_, err := v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_MissingSubClaim(t *testing.T) {
	v := newTestVerifier(t)

	noSub := signClaims(t, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err := v.Verify(noSub)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_RejectsUnexpectedAlg(t *testing.T) {
	v := newTestVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "acct-123"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil, time.Hour)
	assert.Error(t, err)
}

func TestNewJWTVerifier_DefaultTTL(t *testing.T) {
	v, err := NewJWTVerifier([]byte(testSecret), 0)
	require.NoError(t, err)

	token, err := v.Generate("acct-123")
	require.NoError(t, err)

	var claims accountClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
}
