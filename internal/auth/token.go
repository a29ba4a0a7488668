// ABOUTME: JWT token issue/verify for authenticating API and websocket requests
// ABOUTME: HS256 with typed claims; the account id rides in the subject

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

const tokenIssuer = "chatgate"

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (accountID string, err error)
}

// accountClaims is the claim set chatgate issues and accepts. The account id
// is the registered subject; no custom claims beyond the registered set.
type accountClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier issues and verifies HS256 signed account tokens.
// Every token it generates carries the configured TTL.
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTVerifier creates a verifier from the signing secret and token TTL.
// A non-positive TTL falls back to 24h.
func NewJWTVerifier(secret []byte, ttl time.Duration) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTVerifier{secret: secret, ttl: ttl}, nil
}

// Generate creates a token for the given account id, expiring after the
// verifier's TTL.
func (v *JWTVerifier) Generate(accountID string) (string, error) {
	now := time.Now()
	claims := accountClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates the token and returns the account id from the subject
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims accountClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
