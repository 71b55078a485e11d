package auth

import (
	"errors"

	"github.com/classkit/backend-go/internal/v1/wire"
)

// ChainParser accepts either a platform access token or a Google ID token.
// The platform token is tried first; expired platform tokens are never
// retried against OIDC so the refresh flow stays reachable. Satisfies
// wire.TokenParser.
type ChainParser struct {
	Tokens *Tokens
	OIDC   *OIDCValidator
}

func (p *ChainParser) ParseAccessToken(raw string) (wire.Identity, error) {
	id, err := p.Tokens.ParseAccessToken(raw)
	if err == nil || errors.Is(err, wire.ErrTokenExpired) || p.OIDC == nil {
		return id, err
	}

	claims, oidcErr := p.OIDC.ValidateIDToken(raw)
	if oidcErr != nil {
		// Report the platform-token failure; it is the primary credential.
		return wire.Identity{}, err
	}
	return wire.Identity{UserID: claims.Subject, Role: wire.RoleStudent}, nil
}
