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

// AssignInput captures the payload for granting a role.
type AssignInput struct {
	UserID         domain.UserID
	RoleID         domain.RoleID
	Scope          domain.Scope
	ScopeContext   string
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
}

// AssignmentService manages the lifecycle of user role assignments.
type AssignmentService struct {
	assignments port.AssignmentRepository
	users       port.UserRepository
	roles       port.RoleRepository
	auditor     *Auditor
	publisher   port.EventPublisher
	metrics     *Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewAssignmentService constructs an AssignmentService.
func NewAssignmentService(assignments port.AssignmentRepository, users port.UserRepository, roles port.RoleRepository, auditor *Auditor) *AssignmentService {
	return &AssignmentService{
		assignments: assignments,
		users:       users,
		roles:       roles,
		auditor:     auditor,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
}

// WithPublisher emits role change events.
func (s *AssignmentService) WithPublisher(publisher port.EventPublisher) *AssignmentService {
	s.publisher = publisher
	return s
}

// WithLogger sets the logger.
func (s *AssignmentService) WithLogger(logger *zap.Logger) *AssignmentService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithMetrics sets the expiry counter.
func (s *AssignmentService) WithMetrics(metrics *Metrics) *AssignmentService {
	s.metrics = metrics
	return s
}

// WithClock overrides the time source.
func (s *AssignmentService) WithClock(now func() time.Time) *AssignmentService {
	if now != nil {
		s.now = now
	}
	return s
}

// Assign grants a role to a user within a scope and validity window.
func (s *AssignmentService) Assign(ctx context.Context, actor domain.Actor, input AssignInput) (domain.UserRoleAssignment, error) {
	var zero domain.UserRoleAssignment

	if input.UserID.IsZero() || input.RoleID.IsZero() {
		return zero, fmt.Errorf("%w: user id and role id are required", domain.ErrInvalidInput)
	}

	scopeContext := strings.TrimSpace(input.ScopeContext)
	if input.Scope == "" {
		input.Scope = domain.ScopeGlobal
	}
	if err := domain.ValidateScope(input.Scope, scopeContext); err != nil {
		return zero, err
	}
	if input.Scope == domain.ScopeGlobal {
		scopeContext = ""
	}

	now := s.now().UTC()
	from := input.EffectiveFrom
	if from.IsZero() {
		from = now
	}
	from = from.UTC()

	var until *time.Time
	if input.EffectiveUntil != nil {
		u := input.EffectiveUntil.UTC()
		until = &u
	}
	if err := domain.ValidateWindow(from, until); err != nil {
		return zero, err
	}

	if _, err := s.users.GetByID(ctx, input.UserID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return zero, fmt.Errorf("user %s: %w", input.UserID, domain.ErrNotFound)
		}
		return zero, fmt.Errorf("lookup user %s: %w", input.UserID, err)
	}

	role, err := s.roles.GetByID(ctx, input.RoleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return zero, fmt.Errorf("role %s: %w", input.RoleID, domain.ErrNotFound)
		}
		return zero, fmt.Errorf("lookup role %s: %w", input.RoleID, err)
	}

	assignment := domain.UserRoleAssignment{
		ID:             domain.NewID[domain.UserRoleAssignment](),
		UserID:         input.UserID,
		RoleID:         input.RoleID,
		Scope:          input.Scope,
		ScopeContext:   scopeContext,
		EffectiveFrom:  from,
		EffectiveUntil: until,
		Status:         domain.AssignmentActive,
		AssignedBy:     actor.ID,
	}
	assignment.Stamp(now)

	if err := s.assignments.Create(ctx, assignment); err != nil {
		return zero, fmt.Errorf("create assignment: %w", err)
	}

	s.logger.Info("role assigned",
		zap.String("assignment_id", assignment.ID.String()),
		zap.String("user_id", assignment.UserID.String()),
		zap.String("role", role.Name),
		zap.String("scope", string(assignment.Scope)),
		zap.String("actor_id", actor.ID),
	)

	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventRoleAssigned,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		SubjectID: assignment.UserID.String(),
		Resource:  "role:" + role.Name,
		Action:    "assign",
		Context:   assignmentAuditContext(assignment),
	})

	if s.publisher != nil {
		event := domain.RolesAssignedEvent{
			EventID:    domain.NewCorrelationID(),
			UserID:     assignment.UserID.String(),
			RolesAdded: []domain.RoleAssignment{roleChange(assignment, role.Name)},
			AssignedBy: actor.ID,
			AssignedAt: now,
		}
		if err := s.publisher.PublishRolesAssigned(ctx, event); err != nil {
			s.logger.Warn("publish roles assigned event failed", zap.String("assignment_id", assignment.ID.String()), zap.Error(err))
		}
	}

	return assignment, nil
}

// Revoke ends an ACTIVE assignment. Revoking a REVOKED or EXPIRED assignment fails with domain.ErrAlreadyTerminal.
func (s *AssignmentService) Revoke(ctx context.Context, actor domain.Actor, id domain.AssignmentID, reason string) (domain.UserRoleAssignment, error) {
	var zero domain.UserRoleAssignment

	if id.IsZero() {
		return zero, fmt.Errorf("%w: assignment id is required", domain.ErrInvalidInput)
	}

	now := s.now().UTC()
	reason = strings.TrimSpace(reason)

	revoked, err := s.assignments.Revoke(ctx, id, actor.ID, reason, now)
	if err != nil {
		return zero, fmt.Errorf("revoke assignment %s: %w", id, err)
	}

	roleName := revoked.RoleID.String()
	if role, err := s.roles.GetByID(ctx, revoked.RoleID); err == nil {
		roleName = role.Name
	}

	s.logger.Info("role revoked",
		zap.String("assignment_id", revoked.ID.String()),
		zap.String("user_id", revoked.UserID.String()),
		zap.String("role", roleName),
		zap.String("actor_id", actor.ID),
	)

	auditCtx := assignmentAuditContext(*revoked)
	if reason != "" {
		auditCtx["reason"] = reason
	}
	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventRoleRevoked,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		SubjectID: revoked.UserID.String(),
		Resource:  "role:" + roleName,
		Action:    "revoke",
		Context:   auditCtx,
	})

	if s.publisher != nil {
		event := domain.RolesRevokedEvent{
			EventID:      domain.NewCorrelationID(),
			UserID:       revoked.UserID.String(),
			RolesRemoved: []domain.RoleAssignment{roleChange(*revoked, roleName)},
			RevokedBy:    actor.ID,
			RevokedAt:    now,
			Reason:       reason,
		}
		if err := s.publisher.PublishRolesRevoked(ctx, event); err != nil {
			s.logger.Warn("publish roles revoked event failed", zap.String("assignment_id", revoked.ID.String()), zap.Error(err))
		}
	}

	return *revoked, nil
}

// EffectiveAssignments returns the assignments that grant their role at `at`.
// Lapsed ACTIVE assignments are persisted as EXPIRED when `at` is not in the future.
func (s *AssignmentService) EffectiveAssignments(ctx context.Context, userID domain.UserID, at time.Time) ([]domain.UserRoleAssignment, error) {
	all, err := s.assignments.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for user %s: %w", userID, err)
	}

	now := s.now().UTC()
	effective := make([]domain.UserRoleAssignment, 0, len(all))
	for _, assignment := range all {
		if assignment.IsEffective(at) {
			effective = append(effective, assignment)
			continue
		}
		if !at.After(now) && assignment.Lapsed(at) {
			s.persistExpiry(ctx, assignment, now)
		}
	}

	return effective, nil
}

// ListAssignments returns every assignment of a user with the status observable at `at`.
func (s *AssignmentService) ListAssignments(ctx context.Context, userID domain.UserID, at time.Time) ([]domain.UserRoleAssignment, error) {
	all, err := s.assignments.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for user %s: %w", userID, err)
	}
	for i := range all {
		all[i].Status = all[i].StatusAt(at)
	}
	return all, nil
}

// ExpireDue persists EXPIRED for every lapsed ACTIVE assignment and reports how many changed.
func (s *AssignmentService) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := s.now().UTC()

	expired, err := s.assignments.ExpireDue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("expire due assignments: %w", err)
	}

	for _, assignment := range expired {
		s.auditExpiry(ctx, assignment)
	}
	s.metrics.expired(len(expired))

	return len(expired), nil
}

func (s *AssignmentService) persistExpiry(ctx context.Context, assignment domain.UserRoleAssignment, now time.Time) {
	changed, err := s.assignments.MarkExpired(ctx, assignment.ID, now)
	if err != nil {
		s.logger.Warn("persist assignment expiry failed", zap.String("assignment_id", assignment.ID.String()), zap.Error(err))
		return
	}
	if changed {
		s.metrics.expired(1)
		s.auditExpiry(ctx, assignment)
	}
}

func (s *AssignmentService) auditExpiry(ctx context.Context, assignment domain.UserRoleAssignment) {
	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventRoleExpired,
		ActorID:   domain.SystemActor.ID,
		ActorType: domain.SystemActor.Type,
		SubjectID: assignment.UserID.String(),
		Resource:  "role:" + assignment.RoleID.String(),
		Action:    "expire",
		Context:   assignmentAuditContext(assignment),
	})
}

func assignmentAuditContext(a domain.UserRoleAssignment) map[string]string {
	ctx := map[string]string{
		"assignment_id": a.ID.String(),
		"role_id":       a.RoleID.String(),
		"scope":         string(a.Scope),
	}
	if a.ScopeContext != "" {
		ctx["scope_context"] = a.ScopeContext
	}
	return ctx
}

func roleChange(a domain.UserRoleAssignment, roleName string) domain.RoleAssignment {
	return domain.RoleAssignment{
		AssignmentID: a.ID.String(),
		RoleID:       a.RoleID.String(),
		RoleName:     roleName,
		Scope:        a.Scope,
		ScopeContext: a.ScopeContext,
	}
}
