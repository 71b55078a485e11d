package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// OIDCClaims are the ID-token claims the platform consumes.
type OIDCClaims struct {
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// OIDCValidator validates Google ID tokens using the cached public JWKS.
type OIDCValidator struct {
	keyFunc  jwt.Keyfunc
	issuers  []string
	audience string
}

// NewOIDCValidator registers the Google JWKS endpoint with a refresh cache and
// performs an initial fetch to ensure connectivity. Additional jwk.RegisterOption
// values are accepted for testability.
func NewOIDCValidator(ctx context.Context, clientID string, regOpts ...jwk.RegisterOption) (*OIDCValidator, error) {
	if clientID == "" {
		return nil, errors.New("OIDC client ID is required")
	}

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(googleJWKSURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, googleJWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, googleJWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &OIDCValidator{
		keyFunc:  keyFunc,
		issuers:  []string{"https://accounts.google.com", "accounts.google.com"},
		audience: clientID,
	}, nil
}

// ValidateIDToken parses and validates a Google ID token, checking signature,
// audience, and issuer. Returns the claims on success.
func (v *OIDCValidator) ValidateIDToken(tokenString string) (*OIDCClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OIDCClaims{}, v.keyFunc,
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*OIDCClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to OIDCClaims")
	}

	issuerOK := false
	for _, iss := range v.issuers {
		if claims.Issuer == iss {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}

	return claims, nil
}
