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

// PolicyInput captures the writable fields of a policy.
type PolicyInput struct {
	Name        string
	Description string
	Type        domain.PolicyType
	Effect      domain.Effect
	Resources   []string
	Actions     []string
	Enabled     bool
	Priority    int
	Roles       []string
	Condition   string
	Relation    string
	MaxDepth    int
}

// PolicyService administers authorization policies. Every update bumps the version recorded on decisions.
type PolicyService struct {
	policies port.PolicyRepository
	auditor  *Auditor
	logger   *zap.Logger
	now      func() time.Time
}

// NewPolicyService constructs a PolicyService.
func NewPolicyService(policies port.PolicyRepository, auditor *Auditor) *PolicyService {
	return &PolicyService{policies: policies, auditor: auditor, logger: zap.NewNop(), now: time.Now}
}

// WithLogger sets the logger.
func (s *PolicyService) WithLogger(logger *zap.Logger) *PolicyService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source.
func (s *PolicyService) WithClock(now func() time.Time) *PolicyService {
	if now != nil {
		s.now = now
	}
	return s
}

// CreatePolicy validates and stores a new policy at version 1.
func (s *PolicyService) CreatePolicy(ctx context.Context, actor domain.Actor, input PolicyInput) (domain.Policy, error) {
	policy := applyPolicyInput(domain.Policy{ID: domain.NewID[domain.Policy]()}, input)
	if err := policy.Validate(); err != nil {
		return domain.Policy{}, err
	}

	if _, err := s.policies.GetByName(ctx, policy.Name); err == nil {
		return domain.Policy{}, fmt.Errorf("policy %q: %w", policy.Name, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Policy{}, fmt.Errorf("lookup policy: %w", err)
	}

	policy.Stamp(s.now().UTC())
	if err := s.policies.Create(ctx, policy); err != nil {
		return domain.Policy{}, fmt.Errorf("create policy: %w", err)
	}

	s.audit(ctx, actor, domain.EventPolicyCreated, policy)
	return policy, nil
}

// UpdatePolicy replaces a policy's rule. expectedVersion of zero skips the staleness check.
func (s *PolicyService) UpdatePolicy(ctx context.Context, actor domain.Actor, name string, input PolicyInput, expectedVersion int64) (domain.Policy, error) {
	current, err := s.policies.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy %q: %w", name, err)
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return domain.Policy{}, fmt.Errorf("policy %q at v%d: %w", current.Name, current.Version, domain.ErrStaleVersion)
	}

	input.Name = current.Name
	updated := applyPolicyInput(*current, input)
	if err := updated.Validate(); err != nil {
		return domain.Policy{}, err
	}
	return s.save(ctx, actor, *current, updated)
}

// SetEnabled switches a policy on or off.
func (s *PolicyService) SetEnabled(ctx context.Context, actor domain.Actor, name string, enabled bool) (domain.Policy, error) {
	current, err := s.policies.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy %q: %w", name, err)
	}
	if current.Enabled == enabled {
		return *current, nil
	}
	updated := *current
	updated.Enabled = enabled
	return s.save(ctx, actor, *current, updated)
}

func (s *PolicyService) save(ctx context.Context, actor domain.Actor, current, updated domain.Policy) (domain.Policy, error) {
	updated.Touch(s.now().UTC())
	if err := s.policies.Update(ctx, updated, current.Version); err != nil {
		return domain.Policy{}, fmt.Errorf("update policy: %w", err)
	}

	s.logger.Info("policy updated",
		zap.String("policy", updated.Name),
		zap.Int64("version", updated.Version),
		zap.Bool("enabled", updated.Enabled),
		zap.String("actor_id", actor.ID),
	)
	s.audit(ctx, actor, domain.EventPolicyUpdated, updated)
	return updated, nil
}

// DeletePolicy removes a policy.
func (s *PolicyService) DeletePolicy(ctx context.Context, actor domain.Actor, name string) error {
	current, err := s.policies.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("policy %q: %w", name, err)
	}
	if err := s.policies.Delete(ctx, current.Name); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	s.audit(ctx, actor, domain.EventPolicyDeleted, *current)
	return nil
}

// GetPolicy returns a policy by name.
func (s *PolicyService) GetPolicy(ctx context.Context, name string) (*domain.Policy, error) {
	policy, err := s.policies.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", name, err)
	}
	return policy, nil
}

// ListPolicies returns policies of one type, or every enabled policy when policyType is empty.
func (s *PolicyService) ListPolicies(ctx context.Context, policyType domain.PolicyType) ([]domain.Policy, error) {
	if policyType == "" {
		return s.policies.ListEnabled(ctx)
	}
	return s.policies.ListByType(ctx, policyType)
}

func (s *PolicyService) audit(ctx context.Context, actor domain.Actor, event domain.EventType, policy domain.Policy) {
	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType:     event,
		ActorID:       actor.ID,
		ActorType:     actor.Type,
		Resource:      "policy:" + policy.Name,
		Action:        strings.ToLower(strings.TrimPrefix(string(event), "POLICY_")),
		PolicyVersion: policy.Ref(),
		Context:       map[string]string{"type": string(policy.Type), "effect": string(policy.Effect)},
	})
}

func applyPolicyInput(policy domain.Policy, input PolicyInput) domain.Policy {
	policy.Name = strings.TrimSpace(input.Name)
	policy.Description = strings.TrimSpace(input.Description)
	policy.Type = domain.PolicyType(strings.ToUpper(strings.TrimSpace(string(input.Type))))
	policy.Effect = domain.Effect(strings.ToUpper(strings.TrimSpace(string(input.Effect))))
	policy.Resources = trimAll(input.Resources)
	policy.Actions = trimAll(input.Actions)
	policy.Enabled = input.Enabled
	policy.Priority = input.Priority
	policy.Roles = trimAll(input.Roles)
	policy.Condition = strings.TrimSpace(input.Condition)
	policy.Relation = strings.TrimSpace(input.Relation)
	policy.MaxDepth = input.MaxDepth
	return policy
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// RelationshipService maintains the relationship graph consulted by ReBAC policies.
type RelationshipService struct {
	relationships port.RelationshipRepository
	logger        *zap.Logger
}

// NewRelationshipService constructs a RelationshipService.
func NewRelationshipService(relationships port.RelationshipRepository) *RelationshipService {
	return &RelationshipService{relationships: relationships, logger: zap.NewNop()}
}

// WithLogger sets the logger.
func (s *RelationshipService) WithLogger(logger *zap.Logger) *RelationshipService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Write stores a tuple. Subjects are "user:<id>" or a userset "<object>#<relation>".
func (s *RelationshipService) Write(ctx context.Context, actor domain.Actor, tuple domain.RelationshipTuple) error {
	tuple, err := validateTuple(tuple)
	if err != nil {
		return err
	}
	if err := s.relationships.Write(ctx, tuple); err != nil {
		return fmt.Errorf("write relationship: %w", err)
	}
	s.logger.Debug("relationship written",
		zap.String("object", tuple.Object),
		zap.String("relation", tuple.Relation),
		zap.String("subject", tuple.Subject),
		zap.String("actor_id", actor.ID),
	)
	return nil
}

// Delete removes a tuple.
func (s *RelationshipService) Delete(ctx context.Context, actor domain.Actor, tuple domain.RelationshipTuple) error {
	tuple, err := validateTuple(tuple)
	if err != nil {
		return err
	}
	if err := s.relationships.Delete(ctx, tuple); err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	s.logger.Debug("relationship deleted", zap.String("object", tuple.Object), zap.String("actor_id", actor.ID))
	return nil
}

// ListBySubject returns the tuples naming subject.
func (s *RelationshipService) ListBySubject(ctx context.Context, subject string) ([]domain.RelationshipTuple, error) {
	return s.relationships.ListBySubject(ctx, strings.TrimSpace(subject))
}

func validateTuple(tuple domain.RelationshipTuple) (domain.RelationshipTuple, error) {
	tuple.Object = strings.TrimSpace(tuple.Object)
	tuple.Relation = strings.TrimSpace(tuple.Relation)
	tuple.Subject = strings.TrimSpace(tuple.Subject)

	if tuple.Object == "" || tuple.Relation == "" || tuple.Subject == "" {
		return tuple, fmt.Errorf("%w: object, relation and subject are required", domain.ErrInvalidInput)
	}
	if strings.Contains(tuple.Relation, "#") {
		return tuple, fmt.Errorf("%w: relation must not contain '#'", domain.ErrInvalidInput)
	}
	if _, _, isUserset := tuple.Userset(); !isUserset && !strings.HasPrefix(tuple.Subject, "user:") {
		return tuple, fmt.Errorf("%w: subject must be user:<id> or <object>#<relation>", domain.ErrInvalidInput)
	}
	return tuple, nil
}
