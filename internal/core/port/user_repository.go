package port

import (
	"context"
	"time"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// UserRepository exposes persistence behavior for users.
type UserRepository interface {
	Create(ctx context.Context, user domain.User) error
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Update persists attribute changes guarded by the expected version.
	Update(ctx context.Context, user domain.User, expectedVersion int64) error
	UpdateStatus(ctx context.Context, id domain.UserID, status domain.UserStatus, expectedVersion int64) error
	// Delete removes the user together with its federated identities and role assignments.
	Delete(ctx context.Context, id domain.UserID) error
}

// FederatedIdentityRepository stores links between external subjects and local users.
type FederatedIdentityRepository interface {
	// Create fails with a conflict when (provider, subject) is already linked.
	Create(ctx context.Context, identity domain.FederatedIdentity) error
	GetByProviderSubject(ctx context.Context, providerID domain.ProviderID, subjectID string) (*domain.FederatedIdentity, error)
	ListByUser(ctx context.Context, userID domain.UserID) ([]domain.FederatedIdentity, error)
	Touch(ctx context.Context, id domain.FederatedIdentityID, syncedAt time.Time, metadata map[string]string) error
	Delete(ctx context.Context, id domain.FederatedIdentityID) error
}
