package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

// StubPublisher logs events instead of sending them. Used when kafka is disabled.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a logging publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, userID string, at time.Time, fields ...zap.Field) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p.logger.Debug("event published",
		append([]zap.Field{
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
			zap.Time("timestamp", at.UTC()),
		}, fields...)...,
	)
}

// PublishRolesAssigned logs iam.user.roles.assigned events.
func (p *StubPublisher) PublishRolesAssigned(_ context.Context, event domain.RolesAssignedEvent) error {
	p.logEvent(topicRolesAssigned, event.UserID, event.AssignedAt,
		zap.Int("roles", len(event.RolesAdded)),
		zap.String("assigned_by", event.AssignedBy),
	)
	return nil
}

// PublishRolesRevoked logs iam.user.roles.revoked events.
func (p *StubPublisher) PublishRolesRevoked(_ context.Context, event domain.RolesRevokedEvent) error {
	p.logEvent(topicRolesRevoked, event.UserID, event.RevokedAt,
		zap.Int("roles", len(event.RolesRemoved)),
		zap.String("revoked_by", event.RevokedBy),
		zap.String("reason", event.Reason),
	)
	return nil
}

// PublishUserProvisioned logs iam.user.provisioned events.
func (p *StubPublisher) PublishUserProvisioned(_ context.Context, event domain.UserProvisionedEvent) error {
	p.logEvent(topicUserProvisioned, event.UserID, event.ProvisionedAt,
		zap.String("provider_id", event.ProviderID),
		zap.String("outcome", string(event.Outcome)),
	)
	return nil
}

// PublishAuditRecorded logs iam.audit.recorded events.
func (p *StubPublisher) PublishAuditRecorded(_ context.Context, event domain.AuditRecordedEvent) error {
	p.logEvent(topicAuditRecorded, event.Entry.SubjectID, event.Entry.Timestamp,
		zap.String("audit_event", string(event.Entry.EventType)),
		zap.String("decision", string(event.Entry.Decision)),
	)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
