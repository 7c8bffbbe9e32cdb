package port

import (
	"context"
	"time"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// AccessTokenRequest describes an internal access token to mint.
type AccessTokenRequest struct {
	UserID     domain.UserID
	Roles      []string
	ProviderID domain.ProviderID
}

// IssuedToken is a signed access token. The raw value never enters audit records.
type IssuedToken struct {
	Value     domain.Secret
	TokenID   string
	ExpiresAt time.Time
}

// TokenIssuer mints internal access tokens.
type TokenIssuer interface {
	IssueAccessToken(ctx context.Context, req AccessTokenRequest) (IssuedToken, error)
}

// StateReplayGuard records consumed OIDC states so a callback cannot be replayed.
type StateReplayGuard interface {
	// Consume returns true the first time state is seen within ttl.
	Consume(ctx context.Context, state string, ttl time.Duration) (bool, error)
}
