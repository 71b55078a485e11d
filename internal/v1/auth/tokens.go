// Package auth issues and verifies the platform's credentials: HS256
// access/refresh token pairs signed with separate secrets, and Google OIDC
// ID tokens validated against the public JWKS.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/classkit/backend-go/internal/v1/wire"
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims carried by both access and refresh tokens.
type AccessClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies the access/refresh token pair.
type Tokens struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokens builds a token service. TTL defaults: access 7 days, refresh 30 days.
func NewTokens(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*Tokens, error) {
	if len(accessSecret) < 32 || len(refreshSecret) < 32 {
		return nil, errors.New("token secrets must be at least 32 bytes")
	}
	if accessTTL <= 0 {
		accessTTL = 7 * 24 * time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Tokens{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

func (t *Tokens) sign(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := AccessClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) parse(secret []byte, raw string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(t.now))

	if err != nil {
		// Expired is the only refresh-eligible failure; keep it distinguishable.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, wire.ErrTokenExpired
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	return claims, nil
}

// IssueAccessToken signs a short-lived access token for the user.
func (t *Tokens) IssueAccessToken(userID, role string) (string, error) {
	return t.sign(t.accessSecret, userID, role, t.accessTTL)
}

// IssueRefreshToken signs a long-lived refresh token for the user.
func (t *Tokens) IssueRefreshToken(userID string) (string, error) {
	return t.sign(t.refreshSecret, userID, "", t.refreshTTL)
}

// ParseAccessToken verifies an access token and returns the caller identity.
// Satisfies wire.TokenParser.
func (t *Tokens) ParseAccessToken(raw string) (wire.Identity, error) {
	claims, err := t.parse(t.accessSecret, raw)
	if err != nil {
		return wire.Identity{}, err
	}
	return wire.Identity{UserID: claims.Subject, Role: wire.Role(claims.Role)}, nil
}

// ParseRefreshToken verifies a refresh token and returns the subject user ID.
func (t *Tokens) ParseRefreshToken(raw string) (string, error) {
	claims, err := t.parse(t.refreshSecret, raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
