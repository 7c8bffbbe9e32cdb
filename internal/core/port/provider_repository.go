package port

import (
	"context"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// ProviderRepository stores OIDC provider configurations.
type ProviderRepository interface {
	Create(ctx context.Context, provider domain.OIDCProviderConfig) error
	Update(ctx context.Context, provider domain.OIDCProviderConfig, expectedVersion int64) error
	GetByID(ctx context.Context, id domain.ProviderID) (*domain.OIDCProviderConfig, error)
	GetByName(ctx context.Context, name string) (*domain.OIDCProviderConfig, error)
	List(ctx context.Context) ([]domain.OIDCProviderConfig, error)
}
