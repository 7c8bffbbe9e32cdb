package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/repository"
)

const relationshipsTable = "iam.relationships"

var relationshipColumns = []string{"object", "relation", "subject"}

// RelationshipRepository stores relationship tuples. The tuple itself is the primary key.
type RelationshipRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewRelationshipRepository constructs the repository.
func NewRelationshipRepository(exec pgExecutor) *RelationshipRepository {
	return &RelationshipRepository{exec: exec, builder: newBuilder()}
}

// Write stores a tuple. Writing an existing tuple is a no-op.
func (r *RelationshipRepository) Write(ctx context.Context, tuple domain.RelationshipTuple) error {
	stmt, args, err := r.builder.Insert(relationshipsTable).
		Columns(relationshipColumns...).
		Values(tuple.Object, tuple.Relation, tuple.Subject).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert relationship sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

// Delete removes a tuple.
func (r *RelationshipRepository) Delete(ctx context.Context, tuple domain.RelationshipTuple) error {
	stmt, args, err := r.builder.Delete(relationshipsTable).
		Where(squirrel.Eq{"object": tuple.Object, "relation": tuple.Relation, "subject": tuple.Subject}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete relationship sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByObject returns the direct subjects holding relation on object.
func (r *RelationshipRepository) ListByObject(ctx context.Context, object, relation string) ([]domain.RelationshipTuple, error) {
	return r.list(ctx, squirrel.Eq{"object": object, "relation": relation})
}

// ListBySubject returns every tuple naming subject.
func (r *RelationshipRepository) ListBySubject(ctx context.Context, subject string) ([]domain.RelationshipTuple, error) {
	return r.list(ctx, squirrel.Eq{"subject": subject})
}

func (r *RelationshipRepository) list(ctx context.Context, where squirrel.Eq) ([]domain.RelationshipTuple, error) {
	stmt, args, err := r.builder.Select(relationshipColumns...).
		From(relationshipsTable).
		Where(where).
		OrderBy("object ASC", "relation ASC", "subject ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list relationships sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	tuples := make([]domain.RelationshipTuple, 0)
	for rows.Next() {
		var tuple domain.RelationshipTuple
		if err := rows.Scan(&tuple.Object, &tuple.Relation, &tuple.Subject); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		tuples = append(tuples, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return tuples, nil
}

var _ port.RelationshipRepository = (*RelationshipRepository)(nil)
