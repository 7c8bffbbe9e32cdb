package port

import (
	"context"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// PolicyRepository stores authorization policies.
type PolicyRepository interface {
	Create(ctx context.Context, policy domain.Policy) error
	// Update persists the policy when the stored version equals expectedVersion.
	Update(ctx context.Context, policy domain.Policy, expectedVersion int64) error
	GetByName(ctx context.Context, name string) (*domain.Policy, error)
	ListEnabled(ctx context.Context) ([]domain.Policy, error)
	ListByType(ctx context.Context, policyType domain.PolicyType) ([]domain.Policy, error)
	Delete(ctx context.Context, name string) error
}

// RelationshipRepository stores the relationship graph consulted by ReBAC policies.
type RelationshipRepository interface {
	domain.RelationshipLookup
	Write(ctx context.Context, tuple domain.RelationshipTuple) error
	Delete(ctx context.Context, tuple domain.RelationshipTuple) error
	ListBySubject(ctx context.Context, subject string) ([]domain.RelationshipTuple, error)
}
