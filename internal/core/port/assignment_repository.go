package port

import (
	"context"
	"time"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// AssignmentRepository stores user role assignments.
type AssignmentRepository interface {
	Create(ctx context.Context, assignment domain.UserRoleAssignment) error
	GetByID(ctx context.Context, id domain.AssignmentID) (*domain.UserRoleAssignment, error)
	ListByUser(ctx context.Context, userID domain.UserID) ([]domain.UserRoleAssignment, error)
	ListByRole(ctx context.Context, roleID domain.RoleID) ([]domain.UserRoleAssignment, error)
	ListByUserAndRole(ctx context.Context, userID domain.UserID, roleID domain.RoleID) ([]domain.UserRoleAssignment, error)
	ListByStatus(ctx context.Context, status domain.AssignmentStatus) ([]domain.UserRoleAssignment, error)
	ListByScope(ctx context.Context, scope domain.Scope, scopeContext string) ([]domain.UserRoleAssignment, error)
	// Revoke atomically moves an assignment that is effective at `at` to REVOKED.
	// It returns domain.ErrNotFound for unknown ids and domain.ErrAlreadyTerminal otherwise.
	Revoke(ctx context.Context, id domain.AssignmentID, revokedBy, reason string, at time.Time) (*domain.UserRoleAssignment, error)
	// MarkExpired persists EXPIRED for a lapsed ACTIVE assignment. It reports whether a row changed.
	MarkExpired(ctx context.Context, id domain.AssignmentID, at time.Time) (bool, error)
	// ExpireDue persists EXPIRED for every lapsed ACTIVE assignment and returns them.
	ExpireDue(ctx context.Context, at time.Time, limit int) ([]domain.UserRoleAssignment, error)
	DeleteByUser(ctx context.Context, userID domain.UserID) error
	DeleteByRole(ctx context.Context, roleID domain.RoleID) error
}
