package security

import (
	"context"
	"fmt"
	"time"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

// AccessTokenIssuer mints internal access tokens after a federated login.
type AccessTokenIssuer struct {
	manager  *JWTManager
	issuer   string
	audience []string
	ttl      time.Duration
	now      func() time.Time
}

// NewAccessTokenIssuer constructs an issuer signing with manager's active key.
func NewAccessTokenIssuer(manager *JWTManager, issuer string, audience []string, ttl time.Duration) *AccessTokenIssuer {
	if ttl <= 0 {
		ttl = defaultAccessTokenTTL
	}
	return &AccessTokenIssuer{manager: manager, issuer: issuer, audience: audience, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source.
func (i *AccessTokenIssuer) WithClock(now func() time.Time) *AccessTokenIssuer {
	if now != nil {
		i.now = now
	}
	return i
}

// IssueAccessToken implements port.TokenIssuer.
func (i *AccessTokenIssuer) IssueAccessToken(ctx context.Context, req port.AccessTokenRequest) (port.IssuedToken, error) {
	if err := ctx.Err(); err != nil {
		return port.IssuedToken{}, err
	}
	if i.manager == nil || i.manager.KeyProvider == nil {
		return port.IssuedToken{}, ErrSigningKeyUnavailable
	}

	claims, err := NewAccessTokenClaims(AccessTokenOptions{
		UserID:     req.UserID.String(),
		ProviderID: req.ProviderID.String(),
		Roles:      req.Roles,
		Issuer:     i.issuer,
		Audience:   i.audience,
		TTL:        i.ttl,
		IssuedAt:   i.now(),
	})
	if err != nil {
		return port.IssuedToken{}, err
	}

	signed, err := i.manager.SignAccessToken(i.manager.KeyProvider.SigningKeyID(), claims)
	if err != nil {
		return port.IssuedToken{}, fmt.Errorf("issue access token: %w", err)
	}

	return port.IssuedToken{
		Value:     domain.Secret(signed),
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

var _ port.TokenIssuer = (*AccessTokenIssuer)(nil)
