package port

import (
	"context"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// EventPublisher publishes domain events to the message bus.
type EventPublisher interface {
	PublishRolesAssigned(ctx context.Context, event domain.RolesAssignedEvent) error
	PublishRolesRevoked(ctx context.Context, event domain.RolesRevokedEvent) error
	PublishUserProvisioned(ctx context.Context, event domain.UserProvisionedEvent) error
	PublishAuditRecorded(ctx context.Context, event domain.AuditRecordedEvent) error
}
