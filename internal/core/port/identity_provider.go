package port

import (
	"context"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// AuthorizationRequest carries the per-attempt values embedded into an authorization URL.
type AuthorizationRequest struct {
	RedirectURI  string
	State        string
	Nonce        string
	CodeVerifier string
}

// ExchangeRequest carries the callback values needed to redeem an authorization code.
type ExchangeRequest struct {
	Code          string
	RedirectURI   string
	CodeVerifier  string
	ExpectedNonce string
}

// IdentityProviderClient talks to an external OIDC provider. Every call is attempted once.
type IdentityProviderClient interface {
	AuthorizationURL(provider domain.OIDCProviderConfig, req AuthorizationRequest) (string, error)
	// ExchangeCode redeems the code and, when an ID token is returned, verifies it including the nonce.
	ExchangeCode(ctx context.Context, provider domain.OIDCProviderConfig, req ExchangeRequest) (domain.ProviderTokens, error)
	FetchUserInfo(ctx context.Context, provider domain.OIDCProviderConfig, tokens domain.ProviderTokens) (map[string]any, error)
}
