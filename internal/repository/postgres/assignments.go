package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

const (
	assignmentsTable = "iam.user_role_assignments"

	defaultExpireBatch = 500
)

var assignmentColumns = []string{
	"id",
	"user_id",
	"role_id",
	"scope",
	"scope_context",
	"effective_from",
	"effective_until",
	"status",
	"assigned_by",
	"revoked_by",
	"revoked_at",
	"revoke_reason",
	"created_at",
	"updated_at",
	"version",
}

// AssignmentRepository persists user role assignments.
type AssignmentRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewAssignmentRepository constructs the repository.
func NewAssignmentRepository(exec pgExecutor) *AssignmentRepository {
	return &AssignmentRepository{exec: exec, builder: newBuilder()}
}

// Create inserts a new assignment.
func (r *AssignmentRepository) Create(ctx context.Context, a domain.UserRoleAssignment) error {
	stmt, args, err := r.builder.Insert(assignmentsTable).
		Columns(assignmentColumns...).
		Values(
			a.ID.String(),
			a.UserID.String(),
			a.RoleID.String(),
			string(a.Scope),
			a.ScopeContext,
			a.EffectiveFrom,
			a.EffectiveUntil,
			string(a.Status),
			a.AssignedBy,
			a.RevokedBy,
			a.RevokedAt,
			a.RevokeReason,
			a.CreatedAt,
			a.UpdatedAt,
			a.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert assignment sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return writeError("insert assignment", err)
	}
	return nil
}

// GetByID loads a single assignment.
func (r *AssignmentRepository) GetByID(ctx context.Context, id domain.AssignmentID) (*domain.UserRoleAssignment, error) {
	stmt, args, err := r.builder.Select(assignmentColumns...).
		From(assignmentsTable).
		Where(squirrel.Eq{"id": id.String()}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select assignment sql: %w", err)
	}

	a, err := scanAssignment(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, readError("scan assignment", err)
	}
	return a, nil
}

// ListByUser returns every assignment of a user, whatever its status.
func (r *AssignmentRepository) ListByUser(ctx context.Context, userID domain.UserID) ([]domain.UserRoleAssignment, error) {
	return r.list(ctx, squirrel.Eq{"user_id": userID.String()})
}

// ListByRole returns every assignment of a role.
func (r *AssignmentRepository) ListByRole(ctx context.Context, roleID domain.RoleID) ([]domain.UserRoleAssignment, error) {
	return r.list(ctx, squirrel.Eq{"role_id": roleID.String()})
}

// ListByUserAndRole returns the assignments linking a user to a role.
func (r *AssignmentRepository) ListByUserAndRole(ctx context.Context, userID domain.UserID, roleID domain.RoleID) ([]domain.UserRoleAssignment, error) {
	return r.list(ctx, squirrel.Eq{"user_id": userID.String(), "role_id": roleID.String()})
}

// ListByStatus returns assignments with the given stored status.
func (r *AssignmentRepository) ListByStatus(ctx context.Context, status domain.AssignmentStatus) ([]domain.UserRoleAssignment, error) {
	return r.list(ctx, squirrel.Eq{"status": string(status)})
}

// ListByScope returns assignments made in scope/scopeContext.
func (r *AssignmentRepository) ListByScope(ctx context.Context, scope domain.Scope, scopeContext string) ([]domain.UserRoleAssignment, error) {
	return r.list(ctx, squirrel.Eq{"scope": string(scope), "scope_context": scopeContext})
}

func (r *AssignmentRepository) list(ctx context.Context, where squirrel.Sqlizer) ([]domain.UserRoleAssignment, error) {
	stmt, args, err := r.builder.Select(assignmentColumns...).
		From(assignmentsTable).
		Where(where).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list assignments sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	return collectAssignments(rows)
}

// Revoke moves an effective ACTIVE assignment to REVOKED in a single conditional update.
// Lapsed or terminal assignments yield domain.ErrAlreadyTerminal.
func (r *AssignmentRepository) Revoke(ctx context.Context, id domain.AssignmentID, revokedBy, reason string, at time.Time) (*domain.UserRoleAssignment, error) {
	stmt, args, err := r.builder.Update(assignmentsTable).
		Set("status", string(domain.AssignmentRevoked)).
		Set("revoked_by", revokedBy).
		Set("revoked_at", at).
		Set("revoke_reason", nullableString(reason)).
		Set("updated_at", at).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": id.String(), "status": string(domain.AssignmentActive)}).
		Where(squirrel.Or{squirrel.Eq{"effective_until": nil}, squirrel.Gt{"effective_until": at}}).
		Suffix("RETURNING " + strings.Join(assignmentColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build revoke assignment sql: %w", err)
	}

	revoked, err := scanAssignment(r.exec.QueryRow(ctx, stmt, args...))
	if err == nil {
		return revoked, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("revoke assignment: %w", err)
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("revoke assignment %s: %w", id, domain.ErrAlreadyTerminal)
}

// MarkExpired persists EXPIRED for a lapsed ACTIVE assignment.
func (r *AssignmentRepository) MarkExpired(ctx context.Context, id domain.AssignmentID, at time.Time) (bool, error) {
	stmt, args, err := r.builder.Update(assignmentsTable).
		Set("status", string(domain.AssignmentExpired)).
		Set("updated_at", at).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": id.String(), "status": string(domain.AssignmentActive)}).
		Where(squirrel.LtOrEq{"effective_until": at}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build expire assignment sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("expire assignment: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ExpireDue flips up to limit lapsed ACTIVE assignments to EXPIRED. Rows locked by a
// concurrent sweeper are skipped.
func (r *AssignmentRepository) ExpireDue(ctx context.Context, at time.Time, limit int) ([]domain.UserRoleAssignment, error) {
	if limit <= 0 {
		limit = defaultExpireBatch
	}

	due := r.builder.Select("id").
		From(assignmentsTable).
		Where(squirrel.Eq{"status": string(domain.AssignmentActive)}).
		Where(squirrel.LtOrEq{"effective_until": at}).
		OrderBy("effective_until ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")
	dueSQL, dueArgs, err := due.PlaceholderFormat(squirrel.Question).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build due assignments sql: %w", err)
	}

	stmt, args, err := r.builder.Update(assignmentsTable).
		Set("status", string(domain.AssignmentExpired)).
		Set("updated_at", at).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Expr("id IN ("+dueSQL+")", dueArgs...)).
		Suffix("RETURNING " + strings.Join(assignmentColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expire due assignments sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("expire due assignments: %w", err)
	}
	return collectAssignments(rows)
}

// DeleteByUser removes every assignment of a user.
func (r *AssignmentRepository) DeleteByUser(ctx context.Context, userID domain.UserID) error {
	return r.deleteWhere(ctx, squirrel.Eq{"user_id": userID.String()})
}

// DeleteByRole removes every assignment of a role.
func (r *AssignmentRepository) DeleteByRole(ctx context.Context, roleID domain.RoleID) error {
	return r.deleteWhere(ctx, squirrel.Eq{"role_id": roleID.String()})
}

func (r *AssignmentRepository) deleteWhere(ctx context.Context, where squirrel.Eq) error {
	stmt, args, err := r.builder.Delete(assignmentsTable).Where(where).ToSql()
	if err != nil {
		return fmt.Errorf("build delete assignments sql: %w", err)
	}
	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete assignments: %w", err)
	}
	return nil
}

func collectAssignments(rows pgx.Rows) ([]domain.UserRoleAssignment, error) {
	defer rows.Close()

	assignments := make([]domain.UserRoleAssignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return assignments, nil
}

func scanAssignment(row rowScanner) (*domain.UserRoleAssignment, error) {
	var (
		a      domain.UserRoleAssignment
		id     string
		userID string
		roleID string
		scope  string
		status string
	)
	if err := row.Scan(
		&id,
		&userID,
		&roleID,
		&scope,
		&a.ScopeContext,
		&a.EffectiveFrom,
		&a.EffectiveUntil,
		&status,
		&a.AssignedBy,
		&a.RevokedBy,
		&a.RevokedAt,
		&a.RevokeReason,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Version,
	); err != nil {
		return nil, err
	}

	a.ID = domain.AssignmentID(id)
	a.UserID = domain.UserID(userID)
	a.RoleID = domain.RoleID(roleID)
	a.Scope = domain.Scope(scope)
	a.Status = domain.AssignmentStatus(status)
	return &a, nil
}

var _ port.AssignmentRepository = (*AssignmentRepository)(nil)
