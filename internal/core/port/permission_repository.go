package port

import (
	"context"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// PermissionRepository manages permission storage.
type PermissionRepository interface {
	Create(ctx context.Context, permission domain.Permission) error
	GetByResourceAction(ctx context.Context, resource, action string) (*domain.Permission, error)
	ListByRoles(ctx context.Context, roleIDs []domain.RoleID) ([]domain.Permission, error)
}
