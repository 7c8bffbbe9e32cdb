package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/infra/config"
)

const schemaVersion = "1.0"

const (
	topicRolesAssigned   = "iam.user.roles.assigned"
	topicRolesRevoked    = "iam.user.roles.revoked"
	topicUserProvisioned = "iam.user.provisioned"
	topicAuditRecorded   = "iam.audit.recorded"
)

// EventPublisher implements port.EventPublisher on top of Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type eventEnvelope struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Payload   any               `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type roleChange struct {
	AssignmentID string `json:"assignment_id,omitempty"`
	RoleID       string `json:"role_id"`
	RoleName     string `json:"role_name,omitempty"`
	Scope        string `json:"scope"`
	ScopeContext string `json:"scope_context,omitempty"`
}

func roleChanges(assignments []domain.RoleAssignment) []roleChange {
	out := make([]roleChange, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, roleChange{
			AssignmentID: a.AssignmentID,
			RoleID:       a.RoleID,
			RoleName:     a.RoleName,
			Scope:        string(a.Scope),
			ScopeContext: a.ScopeContext,
		})
	}
	return out
}

// publish wraps payload in the common envelope and keys the message by user so
// that per-user events stay ordered within a partition.
func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	metadata := map[string]string{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	body, err := json.Marshal(eventEnvelope{
		EventID:   eventID,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(body),
	}
	if userID != "" {
		message.Key = sarama.StringEncoder(userID)
	}

	select {
	case p.producer.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", eventType, ctx.Err())
	}
}

// PublishRolesAssigned publishes iam.user.roles.assigned events.
func (p *EventPublisher) PublishRolesAssigned(ctx context.Context, event domain.RolesAssignedEvent) error {
	payload := struct {
		UserID     string         `json:"user_id"`
		RolesAdded []roleChange   `json:"roles_added"`
		AssignedBy string         `json:"assigned_by"`
		AssignedAt time.Time      `json:"assigned_at"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		UserID:     event.UserID,
		RolesAdded: roleChanges(event.RolesAdded),
		AssignedBy: event.AssignedBy,
		AssignedAt: event.AssignedAt.UTC(),
		Metadata:   event.Metadata,
	}
	return p.publish(ctx, event.EventID, topicRolesAssigned, event.UserID, event.AssignedAt, payload)
}

// PublishRolesRevoked publishes iam.user.roles.revoked events.
func (p *EventPublisher) PublishRolesRevoked(ctx context.Context, event domain.RolesRevokedEvent) error {
	payload := struct {
		UserID       string         `json:"user_id"`
		RolesRemoved []roleChange   `json:"roles_removed"`
		RevokedBy    string         `json:"revoked_by"`
		RevokedAt    time.Time      `json:"revoked_at"`
		Reason       string         `json:"reason,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}{
		UserID:       event.UserID,
		RolesRemoved: roleChanges(event.RolesRemoved),
		RevokedBy:    event.RevokedBy,
		RevokedAt:    event.RevokedAt.UTC(),
		Reason:       event.Reason,
		Metadata:     event.Metadata,
	}
	return p.publish(ctx, event.EventID, topicRolesRevoked, event.UserID, event.RevokedAt, payload)
}

// PublishUserProvisioned publishes iam.user.provisioned events.
func (p *EventPublisher) PublishUserProvisioned(ctx context.Context, event domain.UserProvisionedEvent) error {
	payload := struct {
		UserID        string         `json:"user_id"`
		Username      string         `json:"username"`
		ProviderID    string         `json:"provider_id"`
		Outcome       string         `json:"outcome"`
		ProvisionedAt time.Time      `json:"provisioned_at"`
		Metadata      map[string]any `json:"metadata,omitempty"`
	}{
		UserID:        event.UserID,
		Username:      event.Username,
		ProviderID:    event.ProviderID,
		Outcome:       string(event.Outcome),
		ProvisionedAt: event.ProvisionedAt.UTC(),
		Metadata:      event.Metadata,
	}
	return p.publish(ctx, event.EventID, topicUserProvisioned, event.UserID, event.ProvisionedAt, payload)
}

// PublishAuditRecorded mirrors an audit entry onto iam.audit.recorded.
func (p *EventPublisher) PublishAuditRecorded(ctx context.Context, event domain.AuditRecordedEvent) error {
	entry := event.Entry
	payload := struct {
		AuditID       string            `json:"audit_id"`
		EventType     string            `json:"event_type"`
		ActorID       string            `json:"actor_id"`
		ActorType     string            `json:"actor_type"`
		SubjectID     string            `json:"subject_id,omitempty"`
		Resource      string            `json:"resource,omitempty"`
		Action        string            `json:"action,omitempty"`
		Decision      string            `json:"decision,omitempty"`
		PolicyVersion string            `json:"policy_version,omitempty"`
		CorrelationID string            `json:"correlation_id,omitempty"`
		Context       map[string]string `json:"context,omitempty"`
	}{
		AuditID:       entry.ID.String(),
		EventType:     string(entry.EventType),
		ActorID:       entry.ActorID,
		ActorType:     string(entry.ActorType),
		SubjectID:     entry.SubjectID,
		Resource:      entry.Resource,
		Action:        entry.Action,
		Decision:      string(entry.Decision),
		PolicyVersion: entry.PolicyVersion,
		CorrelationID: entry.CorrelationID,
		Context:       entry.Context,
	}
	return p.publish(ctx, entry.ID.String(), topicAuditRecorded, entry.SubjectID, entry.Timestamp, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
