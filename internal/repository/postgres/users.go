package postgres

import (
	"context"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/repository"
)

const usersTable = "iam.users"

var userColumns = []string{
	"id",
	"username",
	"email",
	"display_name",
	"status",
	"metadata",
	"created_at",
	"updated_at",
	"version",
}

// UserRepository implements port.UserRepository using PostgreSQL.
type UserRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewUserRepository wires a PostgreSQL-backed user repository.
func NewUserRepository(exec pgExecutor) *UserRepository {
	return &UserRepository{exec: exec, builder: newBuilder()}
}

// Create inserts a new user row.
func (r *UserRepository) Create(ctx context.Context, user domain.User) error {
	metadata, err := encodeJSON(user.Metadata)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Insert(usersTable).
		Columns(userColumns...).
		Values(
			user.ID.String(),
			user.Username,
			user.Email,
			user.DisplayName,
			string(user.Status),
			metadata,
			user.CreatedAt,
			user.UpdatedAt,
			user.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert user sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return writeError("insert user", err)
	}
	return nil
}

// GetByID retrieves a user by identifier.
func (r *UserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return r.getBy(ctx, squirrel.Eq{"id": id.String()})
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getBy(ctx, squirrel.Eq{"username": username})
}

// GetByEmail retrieves a user by normalised email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getBy(ctx, squirrel.Eq{"email": email})
}

func (r *UserRepository) getBy(ctx context.Context, where squirrel.Eq) (*domain.User, error) {
	stmt, args, err := r.builder.Select(userColumns...).
		From(usersTable).
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user sql: %w", err)
	}

	user, err := scanUser(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, readError("scan user", err)
	}
	return user, nil
}

// Update persists attribute changes when the stored version equals expectedVersion.
func (r *UserRepository) Update(ctx context.Context, user domain.User, expectedVersion int64) error {
	metadata, err := encodeJSON(user.Metadata)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Update(usersTable).
		Set("username", user.Username).
		Set("email", user.Email).
		Set("display_name", user.DisplayName).
		Set("status", string(user.Status)).
		Set("metadata", metadata).
		Set("updated_at", user.UpdatedAt).
		Set("version", user.Version).
		Where(squirrel.Eq{"id": user.ID.String(), "version": expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update user sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return writeError("update user", err)
	}
	if ct.RowsAffected() == 0 {
		return versionMiss(ctx, r.exec, usersTable, user.ID.String())
	}
	return nil
}

// UpdateStatus changes the status and bumps the version.
func (r *UserRepository) UpdateStatus(ctx context.Context, id domain.UserID, status domain.UserStatus, expectedVersion int64) error {
	stmt, args, err := r.builder.Update(usersTable).
		Set("status", string(status)).
		Set("updated_at", time.Now().UTC()).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": id.String(), "version": expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update user status sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return versionMiss(ctx, r.exec, usersTable, id.String())
	}
	return nil
}

// Delete removes the user, its federated identities and its role assignments in one transaction.
func (r *UserRepository) Delete(ctx context.Context, id domain.UserID) error {
	return inTx(ctx, r.exec, func(tx pgx.Tx) error {
		for _, table := range []string{assignmentsTable, identitiesTable} {
			stmt, args, err := r.builder.Delete(table).Where(squirrel.Eq{"user_id": id.String()}).ToSql()
			if err != nil {
				return fmt.Errorf("build delete from %s sql: %w", table, err)
			}
			if _, err := tx.Exec(ctx, stmt, args...); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}

		stmt, args, err := r.builder.Delete(usersTable).Where(squirrel.Eq{"id": id.String()}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete user sql: %w", err)
		}
		ct, err := tx.Exec(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		user     domain.User
		id       string
		status   string
		metadata []byte
	)
	if err := row.Scan(
		&id,
		&user.Username,
		&user.Email,
		&user.DisplayName,
		&status,
		&metadata,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	); err != nil {
		return nil, err
	}

	decoded, err := decodeStringMap(metadata)
	if err != nil {
		return nil, err
	}
	user.ID = domain.UserID(id)
	user.Status = domain.UserStatus(status)
	user.Metadata = decoded
	return &user, nil
}

var _ port.UserRepository = (*UserRepository)(nil)
