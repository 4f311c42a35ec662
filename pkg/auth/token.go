// Package auth issues and verifies the bearer tokens shared by the HTTP,
// websocket and gRPC surfaces, and hashes account passwords.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 72 * time.Hour

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrMalformedAuth = errors.New("authorization is not a bearer token")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

type claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Tokens signs and checks HS256 tokens with one shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a Tokens for secret. ttl <= 0 uses DefaultTTL.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID and reports when it expires.
func (t *Tokens) Issue(userID string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify returns the user a token was issued to. Only HS256 is accepted.
func (t *Tokens) Verify(raw string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.UserID == "" {
		return "", fmt.Errorf("%w: no user in claims", ErrInvalidToken)
	}
	return c.UserID, nil
}

// VerifyHeader checks an "Authorization: Bearer <token>" value.
func (t *Tokens) VerifyHeader(header string) (string, error) {
	raw, err := BearerToken(header)
	if err != nil {
		return "", err
	}
	return t.Verify(raw)
}

// BearerToken extracts the token from an Authorization value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return "", ErrMalformedAuth
	}
	return strings.TrimSpace(raw), nil
}
