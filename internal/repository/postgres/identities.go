package postgres

import (
	"context"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/repository"
)

const identitiesTable = "iam.federated_identities"

var identityColumns = []string{
	"id",
	"user_id",
	"provider_id",
	"subject_id",
	"issuer",
	"linked_at",
	"last_synced_at",
	"metadata",
}

// FederatedIdentityRepository stores external subject links. (provider_id, subject_id) is unique.
type FederatedIdentityRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewFederatedIdentityRepository constructs the repository.
func NewFederatedIdentityRepository(exec pgExecutor) *FederatedIdentityRepository {
	return &FederatedIdentityRepository{exec: exec, builder: newBuilder()}
}

// Create links an external subject. A second link for the same subject is a duplicate.
func (r *FederatedIdentityRepository) Create(ctx context.Context, identity domain.FederatedIdentity) error {
	metadata, err := encodeJSON(identity.Metadata)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Insert(identitiesTable).
		Columns(identityColumns...).
		Values(
			identity.ID.String(),
			identity.UserID.String(),
			identity.ProviderID.String(),
			identity.SubjectID,
			identity.Issuer,
			identity.LinkedAt,
			identity.LastSyncedAt,
			metadata,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert federated identity sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return writeError("insert federated identity", err)
	}
	return nil
}

// GetByProviderSubject resolves the link for an external subject.
func (r *FederatedIdentityRepository) GetByProviderSubject(ctx context.Context, providerID domain.ProviderID, subjectID string) (*domain.FederatedIdentity, error) {
	stmt, args, err := r.builder.Select(identityColumns...).
		From(identitiesTable).
		Where(squirrel.Eq{"provider_id": providerID.String(), "subject_id": subjectID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select federated identity sql: %w", err)
	}

	identity, err := scanIdentity(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, readError("scan federated identity", err)
	}
	return identity, nil
}

// ListByUser returns every link of a user ordered by link time.
func (r *FederatedIdentityRepository) ListByUser(ctx context.Context, userID domain.UserID) ([]domain.FederatedIdentity, error) {
	stmt, args, err := r.builder.Select(identityColumns...).
		From(identitiesTable).
		Where(squirrel.Eq{"user_id": userID.String()}).
		OrderBy("linked_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list federated identities sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query federated identities: %w", err)
	}
	defer rows.Close()

	identities := make([]domain.FederatedIdentity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan federated identity: %w", err)
		}
		identities = append(identities, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate federated identities: %w", err)
	}
	return identities, nil
}

// Touch records a successful sync.
func (r *FederatedIdentityRepository) Touch(ctx context.Context, id domain.FederatedIdentityID, syncedAt time.Time, metadata map[string]string) error {
	encoded, err := encodeJSON(metadata)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Update(identitiesTable).
		Set("last_synced_at", syncedAt).
		Set("metadata", encoded).
		Where(squirrel.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch federated identity sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("touch federated identity: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a link.
func (r *FederatedIdentityRepository) Delete(ctx context.Context, id domain.FederatedIdentityID) error {
	stmt, args, err := r.builder.Delete(identitiesTable).Where(squirrel.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete federated identity sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete federated identity: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanIdentity(row rowScanner) (*domain.FederatedIdentity, error) {
	var (
		identity   domain.FederatedIdentity
		id         string
		userID     string
		providerID string
		metadata   []byte
	)
	if err := row.Scan(
		&id,
		&userID,
		&providerID,
		&identity.SubjectID,
		&identity.Issuer,
		&identity.LinkedAt,
		&identity.LastSyncedAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	decoded, err := decodeStringMap(metadata)
	if err != nil {
		return nil, err
	}
	identity.ID = domain.FederatedIdentityID(id)
	identity.UserID = domain.UserID(userID)
	identity.ProviderID = domain.ProviderID(providerID)
	identity.Metadata = decoded
	return &identity, nil
}

var _ port.FederatedIdentityRepository = (*FederatedIdentityRepository)(nil)
