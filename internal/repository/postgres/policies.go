package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/repository"
)

const policiesTable = "iam.policies"

var policyColumns = []string{
	"id",
	"name",
	"description",
	"type",
	"effect",
	"resources",
	"actions",
	"enabled",
	"priority",
	"roles",
	"condition",
	"relation",
	"max_depth",
	"created_at",
	"updated_at",
	"version",
}

// PolicyRepository stores authorization policies keyed by name.
type PolicyRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewPolicyRepository constructs the repository.
func NewPolicyRepository(exec pgExecutor) *PolicyRepository {
	return &PolicyRepository{exec: exec, builder: newBuilder()}
}

// Create inserts a policy. Names are unique.
func (r *PolicyRepository) Create(ctx context.Context, p domain.Policy) error {
	stmt, args, err := r.builder.Insert(policiesTable).
		Columns(policyColumns...).
		Values(
			p.ID.String(),
			p.Name,
			p.Description,
			string(p.Type),
			string(p.Effect),
			nonNil(p.Resources),
			nonNil(p.Actions),
			p.Enabled,
			p.Priority,
			nonNil(p.Roles),
			p.Condition,
			p.Relation,
			p.MaxDepth,
			p.CreatedAt,
			p.UpdatedAt,
			p.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert policy sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return writeError("insert policy", err)
	}
	return nil
}

// Update replaces the policy body when the stored version equals expectedVersion.
func (r *PolicyRepository) Update(ctx context.Context, p domain.Policy, expectedVersion int64) error {
	stmt, args, err := r.builder.Update(policiesTable).
		Set("description", p.Description).
		Set("type", string(p.Type)).
		Set("effect", string(p.Effect)).
		Set("resources", nonNil(p.Resources)).
		Set("actions", nonNil(p.Actions)).
		Set("enabled", p.Enabled).
		Set("priority", p.Priority).
		Set("roles", nonNil(p.Roles)).
		Set("condition", p.Condition).
		Set("relation", p.Relation).
		Set("max_depth", p.MaxDepth).
		Set("updated_at", p.UpdatedAt).
		Set("version", p.Version).
		Where(squirrel.Eq{"id": p.ID.String(), "version": expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update policy sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return versionMiss(ctx, r.exec, policiesTable, p.ID.String())
	}
	return nil
}

// GetByName loads a policy.
func (r *PolicyRepository) GetByName(ctx context.Context, name string) (*domain.Policy, error) {
	stmt, args, err := r.builder.Select(policyColumns...).
		From(policiesTable).
		Where(squirrel.Eq{"name": name}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select policy sql: %w", err)
	}

	p, err := scanPolicy(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, readError("scan policy", err)
	}
	return p, nil
}

// ListEnabled returns the enabled policies in evaluation order.
func (r *PolicyRepository) ListEnabled(ctx context.Context) ([]domain.Policy, error) {
	return r.list(ctx, squirrel.Eq{"enabled": true})
}

// ListByType returns every policy of a type, enabled or not.
func (r *PolicyRepository) ListByType(ctx context.Context, policyType domain.PolicyType) ([]domain.Policy, error) {
	return r.list(ctx, squirrel.Eq{"type": string(policyType)})
}

func (r *PolicyRepository) list(ctx context.Context, where squirrel.Eq) ([]domain.Policy, error) {
	stmt, args, err := r.builder.Select(policyColumns...).
		From(policiesTable).
		Where(where).
		OrderBy("priority DESC", "name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list policies sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	policies := make([]domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

// Delete removes a policy by name.
func (r *PolicyRepository) Delete(ctx context.Context, name string) error {
	stmt, args, err := r.builder.Delete(policiesTable).Where(squirrel.Eq{"name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete policy sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanPolicy(row rowScanner) (*domain.Policy, error) {
	var (
		p          domain.Policy
		id         string
		policyType string
		effect     string
	)
	if err := row.Scan(
		&id,
		&p.Name,
		&p.Description,
		&policyType,
		&effect,
		&p.Resources,
		&p.Actions,
		&p.Enabled,
		&p.Priority,
		&p.Roles,
		&p.Condition,
		&p.Relation,
		&p.MaxDepth,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.Version,
	); err != nil {
		return nil, err
	}

	p.ID = domain.PolicyID(id)
	p.Type = domain.PolicyType(policyType)
	p.Effect = domain.Effect(effect)
	return &p, nil
}

// nonNil keeps text[] columns NOT NULL.
func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ port.PolicyRepository = (*PolicyRepository)(nil)
