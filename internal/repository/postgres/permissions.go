package postgres

import (
	"context"
	"database/sql"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

const permissionsTable = "iam.permissions"

var permissionColumns = []string{
	"p.id",
	"p.resource",
	"p.action",
	"p.scope",
	"p.description",
	"p.created_at",
	"p.updated_at",
	"p.version",
}

// PermissionRepository implements port.PermissionRepository over PostgreSQL.
// (resource, action) is unique.
type PermissionRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewPermissionRepository constructs a permission repository instance.
func NewPermissionRepository(exec pgExecutor) *PermissionRepository {
	return &PermissionRepository{exec: exec, builder: newBuilder()}
}

// Create inserts a new permission row.
func (r *PermissionRepository) Create(ctx context.Context, permission domain.Permission) error {
	stmt, args, err := r.builder.Insert(permissionsTable).
		Columns("id", "resource", "action", "scope", "description", "created_at", "updated_at", "version").
		Values(
			permission.ID.String(),
			permission.Resource,
			permission.Action,
			permission.Scope,
			permission.Description,
			permission.CreatedAt,
			permission.UpdatedAt,
			permission.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert permission sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return writeError("insert permission", err)
	}
	return nil
}

// GetByResourceAction retrieves the permission for resource:action.
func (r *PermissionRepository) GetByResourceAction(ctx context.Context, resource, action string) (*domain.Permission, error) {
	stmt, args, err := r.builder.Select(permissionColumns...).
		From(permissionsTable + " p").
		Where(squirrel.Eq{"p.resource": resource, "p.action": action}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select permission sql: %w", err)
	}

	permission, err := scanPermission(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, readError("scan permission", err)
	}
	return permission, nil
}

// ListByRoles returns the distinct permissions attached directly to any of roleIDs.
func (r *PermissionRepository) ListByRoles(ctx context.Context, roleIDs []domain.RoleID) ([]domain.Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	stmt, args, err := r.builder.Select(permissionColumns...).
		Distinct().
		From(permissionsTable+" p").
		Join(rolePermissionsTable+" rp ON rp.permission_id = p.id").
		Where(squirrel.Eq{"rp.role_id": idStrings(roleIDs)}).
		OrderBy("p.resource ASC", "p.action ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list permissions by roles sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query permissions by roles: %w", err)
	}
	defer rows.Close()

	permissions := make([]domain.Permission, 0)
	for rows.Next() {
		permission, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		permissions = append(permissions, *permission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return permissions, nil
}

func scanPermission(row rowScanner) (*domain.Permission, error) {
	var (
		permission  domain.Permission
		id          string
		description sql.NullString
	)
	if err := row.Scan(
		&id,
		&permission.Resource,
		&permission.Action,
		&permission.Scope,
		&description,
		&permission.CreatedAt,
		&permission.UpdatedAt,
		&permission.Version,
	); err != nil {
		return nil, err
	}

	permission.ID = domain.PermissionID(id)
	if description.Valid {
		desc := description.String
		permission.Description = &desc
	}
	return &permission, nil
}

var _ port.PermissionRepository = (*PermissionRepository)(nil)
