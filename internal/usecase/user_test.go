package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

func newUserServiceFixture(users ...domain.User) (*UserService, *userRepoMock, *identityRepoMock, *auditSinkMock) {
	repo := newUserRepoMock(users...)
	identities := newIdentityRepoMock()
	sink := &auditSinkMock{}
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	service := NewUserService(repo, identities, NewAuditor(sink).WithClock(fixedClock(now))).WithClock(fixedClock(now))
	return service, repo, identities, sink
}

func TestUserService_CreateUser(t *testing.T) {
	service, repo, _, sink := newUserServiceFixture(mustUser("dave", "dave@example.com"))
	ctx := context.Background()

	user, err := service.CreateUser(ctx, domain.SystemActor, CreateUserInput{
		Username: "erin",
		Email:    " Erin@Example.com ",
		Metadata: map[string]string{"department": "eng"},
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if user.Email != "erin@example.com" || user.Status != domain.UserStatusActive {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.Metadata["department"] != "eng" {
		t.Fatalf("expected metadata to be kept")
	}
	if _, ok := repo.users[user.ID]; !ok {
		t.Fatalf("expected user to be persisted")
	}
	if len(sink.byType(domain.EventUserCreated)) != 1 {
		t.Fatalf("expected USER_CREATED audit entry")
	}

	if _, err := service.CreateUser(ctx, domain.SystemActor, CreateUserInput{Username: "dave", Email: "other@example.com"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected username conflict, got %v", err)
	}
	if _, err := service.CreateUser(ctx, domain.SystemActor, CreateUserInput{Username: "dave2", Email: "dave@example.com"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if _, err := service.CreateUser(ctx, domain.SystemActor, CreateUserInput{Username: "x", Email: "x@example.com"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid username, got %v", err)
	}
}

func TestUserService_ChangeStatus(t *testing.T) {
	frank := mustUser("frank", "frank@example.com")
	service, repo, _, sink := newUserServiceFixture(frank)
	ctx := context.Background()

	locked, err := service.ChangeStatus(ctx, domain.SystemActor, frank.ID, domain.UserStatusLocked)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked.Status != domain.UserStatusLocked || repo.users[frank.ID].Status != domain.UserStatusLocked {
		t.Fatalf("expected LOCKED, got %s", locked.Status)
	}

	if _, err := service.ChangeStatus(ctx, domain.SystemActor, frank.ID, domain.UserStatusActive); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := service.ChangeStatus(ctx, domain.SystemActor, frank.ID, domain.UserStatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := service.ChangeStatus(ctx, domain.SystemActor, frank.ID, domain.UserStatusActive); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected suspended account to refuse direct activation, got %v", err)
	}
	if _, err := service.ChangeStatus(ctx, domain.SystemActor, frank.ID, domain.UserStatusSuspended); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected no-op transition to be rejected, got %v", err)
	}

	updates := sink.byType(domain.EventUserUpdated)
	if len(updates) != 3 {
		t.Fatalf("expected 3 USER_UPDATED entries, got %d", len(updates))
	}
	if updates[0].Context["from"] != string(domain.UserStatusActive) || updates[0].Context["to"] != string(domain.UserStatusLocked) {
		t.Fatalf("unexpected transition context %+v", updates[0].Context)
	}
}

func TestUserService_UnlinkIdentity(t *testing.T) {
	grace := mustUser("grace", "grace@example.com")
	other := mustUser("heidi", "heidi@example.com")
	service, _, identities, sink := newUserServiceFixture(grace, other)
	ctx := context.Background()

	providerID := domain.NewID[domain.OIDCProviderConfig]()
	identity := domain.FederatedIdentity{ID: domain.NewID[domain.FederatedIdentity](), UserID: grace.ID, ProviderID: providerID, SubjectID: "s-1"}
	identities.identities[identity.ID] = identity

	if err := service.UnlinkIdentity(ctx, domain.SystemActor, other.ID, identity.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected identity owned by another user to be not found, got %v", err)
	}
	if err := service.UnlinkIdentity(ctx, domain.SystemActor, grace.ID, identity.ID); err != nil {
		t.Fatalf("UnlinkIdentity returned error: %v", err)
	}

	remaining, err := service.ListIdentities(ctx, grace.ID)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected no identities left, got %d err=%v", len(remaining), err)
	}
	entries := sink.byType(domain.EventIdentityUnlinked)
	if len(entries) != 1 || entries[0].Context["provider_id"] != providerID.String() {
		t.Fatalf("expected IDENTITY_UNLINKED entry with provider id, got %+v", entries)
	}
}

func TestUserService_DeleteUser(t *testing.T) {
	ivan := mustUser("ivan", "ivan@example.com")
	service, repo, _, sink := newUserServiceFixture(ivan)

	if err := service.DeleteUser(context.Background(), domain.SystemActor, ivan.ID); err != nil {
		t.Fatalf("DeleteUser returned error: %v", err)
	}
	if len(repo.deleted) != 1 || len(sink.byType(domain.EventUserDeleted)) != 1 {
		t.Fatalf("expected user removal to be persisted and audited")
	}
	if _, err := service.GetUser(context.Background(), ivan.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
