package postgres

import (
	"context"
	"database/sql"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/repository"
)

const (
	rolesTable           = "iam.roles"
	roleParentsTable     = "iam.role_parents"
	rolePermissionsTable = "iam.role_permissions"
)

var roleColumns = []string{
	"r.id",
	"r.name",
	"r.display_name",
	"r.description",
	"r.type",
	"r.created_at",
	"r.updated_at",
	"r.version",
	"ARRAY(SELECT rp.parent_id FROM iam.role_parents rp WHERE rp.role_id = r.id ORDER BY rp.parent_id) AS parent_ids",
	"ARRAY(SELECT rpm.permission_id FROM iam.role_permissions rpm WHERE rpm.role_id = r.id ORDER BY rpm.permission_id) AS permission_ids",
}

// RoleRepository implements role persistence operations.
type RoleRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewRoleRepository constructs a PostgreSQL-backed role repository.
func NewRoleRepository(exec pgExecutor) *RoleRepository {
	return &RoleRepository{exec: exec, builder: newBuilder()}
}

// Create inserts a new role.
func (r *RoleRepository) Create(ctx context.Context, role domain.Role) error {
	stmt, args, err := r.builder.Insert(rolesTable).
		Columns("id", "name", "display_name", "description", "type", "created_at", "updated_at", "version").
		Values(
			role.ID.String(),
			role.Name,
			role.DisplayName,
			role.Description,
			string(role.Type),
			role.CreatedAt,
			role.UpdatedAt,
			role.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert role sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return writeError("insert role", err)
	}
	return nil
}

// List retrieves all roles sorted by name.
func (r *RoleRepository) List(ctx context.Context) ([]domain.Role, error) {
	return r.list(ctx, nil)
}

// ListByIDs returns the roles among ids that exist.
func (r *RoleRepository) ListByIDs(ctx context.Context, ids []domain.RoleID) ([]domain.Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, squirrel.Eq{"r.id": idStrings(ids)})
}

func (r *RoleRepository) list(ctx context.Context, where squirrel.Sqlizer) ([]domain.Role, error) {
	query := r.builder.Select(roleColumns...).
		From(rolesTable + " r").
		OrderBy("r.name ASC")
	if where != nil {
		query = query.Where(where)
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list roles sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	roles := make([]domain.Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetByName retrieves a role by its unique name.
func (r *RoleRepository) GetByName(ctx context.Context, name string) (*domain.Role, error) {
	return r.getBy(ctx, squirrel.Eq{"r.name": name})
}

// GetByID retrieves a role by its ID.
func (r *RoleRepository) GetByID(ctx context.Context, id domain.RoleID) (*domain.Role, error) {
	return r.getBy(ctx, squirrel.Eq{"r.id": id.String()})
}

func (r *RoleRepository) getBy(ctx context.Context, where squirrel.Eq) (*domain.Role, error) {
	stmt, args, err := r.builder.Select(roleColumns...).
		From(rolesTable + " r").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select role sql: %w", err)
	}

	role, err := scanRole(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, readError("scan role", err)
	}
	return role, nil
}

// Update modifies an existing role.
func (r *RoleRepository) Update(ctx context.Context, role domain.Role) error {
	stmt, args, err := r.builder.Update(rolesTable).
		Set("name", role.Name).
		Set("display_name", role.DisplayName).
		Set("description", role.Description).
		Set("updated_at", role.UpdatedAt).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": role.ID.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update role sql: %w", err)
	}

	res, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return writeError("update role", err)
	}
	if res.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a role together with its assignments, hierarchy edges and permission links.
func (r *RoleRepository) Delete(ctx context.Context, id domain.RoleID) error {
	return inTx(ctx, r.exec, func(tx pgx.Tx) error {
		cleanup := []struct {
			table string
			where squirrel.Sqlizer
		}{
			{assignmentsTable, squirrel.Eq{"role_id": id.String()}},
			{roleParentsTable, squirrel.Or{squirrel.Eq{"role_id": id.String()}, squirrel.Eq{"parent_id": id.String()}}},
			{rolePermissionsTable, squirrel.Eq{"role_id": id.String()}},
		}
		for _, c := range cleanup {
			stmt, args, err := r.builder.Delete(c.table).Where(c.where).ToSql()
			if err != nil {
				return fmt.Errorf("build delete from %s sql: %w", c.table, err)
			}
			if _, err := tx.Exec(ctx, stmt, args...); err != nil {
				return fmt.Errorf("delete from %s: %w", c.table, err)
			}
		}

		stmt, args, err := r.builder.Delete(rolesTable).Where(squirrel.Eq{"id": id.String()}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete role sql: %w", err)
		}
		res, err := tx.Exec(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		if res.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// AddParent records that roleID inherits from parentID. Existing edges are kept.
func (r *RoleRepository) AddParent(ctx context.Context, roleID, parentID domain.RoleID) error {
	stmt, args, err := r.builder.Insert(roleParentsTable).
		Columns("role_id", "parent_id").
		Values(roleID.String(), parentID.String()).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build add role parent sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("add role parent: %w", err)
	}
	return nil
}

// RemoveParent drops an inheritance edge.
func (r *RoleRepository) RemoveParent(ctx context.Context, roleID, parentID domain.RoleID) error {
	stmt, args, err := r.builder.Delete(roleParentsTable).
		Where(squirrel.Eq{"role_id": roleID.String(), "parent_id": parentID.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build remove role parent sql: %w", err)
	}

	res, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("remove role parent: %w", err)
	}
	if res.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AttachPermissions links the provided permissions to the role.
func (r *RoleRepository) AttachPermissions(ctx context.Context, roleID domain.RoleID, permissionIDs []domain.PermissionID) error {
	if len(permissionIDs) == 0 {
		return nil
	}

	query := r.builder.Insert(rolePermissionsTable).Columns("role_id", "permission_id")
	for _, permissionID := range permissionIDs {
		query = query.Values(roleID.String(), permissionID.String())
	}

	stmt, args, err := query.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("build attach role permissions sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("attach role permissions: %w", err)
	}
	return nil
}

func scanRole(row rowScanner) (*domain.Role, error) {
	var (
		role        domain.Role
		id          string
		roleType    string
		description sql.NullString
		parents     []string
		permissions []string
	)
	if err := row.Scan(
		&id,
		&role.Name,
		&role.DisplayName,
		&description,
		&roleType,
		&role.CreatedAt,
		&role.UpdatedAt,
		&role.Version,
		&parents,
		&permissions,
	); err != nil {
		return nil, err
	}

	role.ID = domain.RoleID(id)
	role.Type = domain.RoleType(roleType)
	if description.Valid {
		desc := description.String
		role.Description = &desc
	}
	for _, parent := range parents {
		role.ParentIDs = append(role.ParentIDs, domain.RoleID(parent))
	}
	for _, permission := range permissions {
		role.PermissionIDs = append(role.PermissionIDs, domain.PermissionID(permission))
	}
	return &role, nil
}

func idStrings[T any](ids []domain.ID[T]) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

var _ port.RoleRepository = (*RoleRepository)(nil)
