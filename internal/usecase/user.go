package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

// CreateUserInput captures the payload for creating a local account.
type CreateUserInput struct {
	Username    string
	Email       string
	DisplayName string
	Metadata    map[string]string
}

// UserService handles user lifecycle operations.
type UserService struct {
	users      port.UserRepository
	identities port.FederatedIdentityRepository
	auditor    *Auditor
	logger     *zap.Logger
	now        func() time.Time
}

// NewUserService constructs UserService.
func NewUserService(users port.UserRepository, identities port.FederatedIdentityRepository, auditor *Auditor) *UserService {
	return &UserService{users: users, identities: identities, auditor: auditor, logger: zap.NewNop(), now: time.Now}
}

// WithLogger sets the logger.
func (s *UserService) WithLogger(logger *zap.Logger) *UserService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source.
func (s *UserService) WithClock(now func() time.Time) *UserService {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateUser persists a new ACTIVE user. Username and email must be unused.
func (s *UserService) CreateUser(ctx context.Context, actor domain.Actor, input CreateUserInput) (domain.User, error) {
	user, err := domain.NewUser(input.Username, input.Email, input.DisplayName, s.now().UTC())
	if err != nil {
		return domain.User{}, err
	}
	for k, v := range input.Metadata {
		user.Metadata[k] = v
	}

	if _, err := s.users.GetByUsername(ctx, user.Username); err == nil {
		return domain.User{}, fmt.Errorf("username %q: %w", user.Username, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, fmt.Errorf("lookup username: %w", err)
	}
	if _, err := s.users.GetByEmail(ctx, user.Email); err == nil {
		return domain.User{}, fmt.Errorf("email: %w", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, fmt.Errorf("lookup email: %w", err)
	}

	if err := s.users.Create(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}

	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventUserCreated,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		SubjectID: user.ID.String(),
		Resource:  "user:" + user.ID.String(),
		Action:    "create",
	})
	return user, nil
}

// GetUser returns a user by id.
func (s *UserService) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return user, nil
}

// ChangeStatus drives an explicit lifecycle transition.
func (s *UserService) ChangeStatus(ctx context.Context, actor domain.Actor, id domain.UserID, status domain.UserStatus) (domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("user %s: %w", id, err)
	}

	previous := user.Status
	expected := user.Version
	now := s.now().UTC()

	switch status {
	case domain.UserStatusActive:
		if previous == domain.UserStatusLocked {
			err = user.Unlock(now)
		} else {
			err = user.Activate(now)
		}
	case domain.UserStatusSuspended:
		err = user.Suspend(now)
	case domain.UserStatusLocked:
		err = user.Lock(now)
	case domain.UserStatusInactive:
		err = user.Deactivate(now)
	default:
		err = fmt.Errorf("%w: cannot move to %q", domain.ErrInvalidTransition, status)
	}
	if err != nil {
		return domain.User{}, err
	}

	if err := s.users.UpdateStatus(ctx, id, user.Status, expected); err != nil {
		return domain.User{}, fmt.Errorf("update user status: %w", err)
	}

	s.logger.Info("user status changed",
		zap.String("user_id", id.String()),
		zap.String("from", string(previous)),
		zap.String("to", string(user.Status)),
		zap.String("actor_id", actor.ID),
	)
	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventUserUpdated,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		SubjectID: id.String(),
		Resource:  "user:" + id.String(),
		Action:    "change_status",
		Context:   map[string]string{"from": string(previous), "to": string(user.Status)},
	})
	return *user, nil
}

// DeleteUser removes the user together with its federated identities and role assignments.
func (s *UserService) DeleteUser(ctx context.Context, actor domain.Actor, id domain.UserID) error {
	if err := s.users.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventUserDeleted,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		SubjectID: id.String(),
		Resource:  "user:" + id.String(),
		Action:    "delete",
	})
	return nil
}

// ListIdentities returns the external identities linked to a user.
func (s *UserService) ListIdentities(ctx context.Context, id domain.UserID) ([]domain.FederatedIdentity, error) {
	return s.identities.ListByUser(ctx, id)
}

// UnlinkIdentity detaches an external identity from its user.
func (s *UserService) UnlinkIdentity(ctx context.Context, actor domain.Actor, userID domain.UserID, identityID domain.FederatedIdentityID) error {
	identities, err := s.identities.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}

	var target *domain.FederatedIdentity
	for i := range identities {
		if identities[i].ID == identityID {
			target = &identities[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("identity %s: %w", identityID, domain.ErrNotFound)
	}

	if err := s.identities.Delete(ctx, identityID); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}

	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventIdentityUnlinked,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		SubjectID: userID.String(),
		Resource:  "identity:" + identityID.String(),
		Action:    "unlink",
		Context:   map[string]string{"provider_id": target.ProviderID.String()},
	})
	return nil
}

// normalizeName trims and lowercases admin-supplied names.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
