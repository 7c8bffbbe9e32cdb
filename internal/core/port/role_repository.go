package port

import (
	"context"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// RoleRepository handles role CRUD and hierarchy edges.
type RoleRepository interface {
	Create(ctx context.Context, role domain.Role) error
	List(ctx context.Context) ([]domain.Role, error)
	GetByID(ctx context.Context, id domain.RoleID) (*domain.Role, error)
	GetByName(ctx context.Context, name string) (*domain.Role, error)
	ListByIDs(ctx context.Context, ids []domain.RoleID) ([]domain.Role, error)
	Update(ctx context.Context, role domain.Role) error
	Delete(ctx context.Context, id domain.RoleID) error
	AddParent(ctx context.Context, roleID, parentID domain.RoleID) error
	RemoveParent(ctx context.Context, roleID, parentID domain.RoleID) error
	AttachPermissions(ctx context.Context, roleID domain.RoleID, permissionIDs []domain.PermissionID) error
}
