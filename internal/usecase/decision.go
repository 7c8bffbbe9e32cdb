package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

const tracerName = "github.com/arklim/iam-access-core/internal/usecase"

// AuthorizeRequest asks whether ActorID may perform Action on Resource within a scope.
type AuthorizeRequest struct {
	ActorID            domain.UserID
	Resource           string
	Action             string
	Scope              domain.Scope
	ScopeContext       string
	ResourceAttributes map[string]any
	Context            map[string]any
	CorrelationID      string
	IP                 string
	UserAgent          string
}

// AuthorizeResult is the decision together with what it was derived from.
type AuthorizeResult struct {
	Decision      domain.Decision
	PolicyVersion string
	CorrelationID string
	Roles         []string
	Trace         []PolicyTrace
	Reason        string
	// AuditDegraded is set when the decision could not be recorded.
	AuditDegraded bool
}

// DecisionEngine resolves effective roles, evaluates policies and records every decision.
type DecisionEngine struct {
	users       port.UserRepository
	assignments *AssignmentService
	roles       *RoleService
	evaluator   *PolicyEvaluator
	auditor     *Auditor
	metrics     *Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewDecisionEngine constructs a DecisionEngine.
func NewDecisionEngine(users port.UserRepository, assignments *AssignmentService, roles *RoleService, evaluator *PolicyEvaluator, auditor *Auditor) *DecisionEngine {
	return &DecisionEngine{
		users:       users,
		assignments: assignments,
		roles:       roles,
		evaluator:   evaluator,
		auditor:     auditor,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
}

// WithLogger sets the logger.
func (e *DecisionEngine) WithLogger(logger *zap.Logger) *DecisionEngine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithMetrics sets the decision collectors.
func (e *DecisionEngine) WithMetrics(metrics *Metrics) *DecisionEngine {
	e.metrics = metrics
	return e
}

// WithTracer overrides the tracer.
func (e *DecisionEngine) WithTracer(tracer trace.Tracer) *DecisionEngine {
	if tracer != nil {
		e.tracer = tracer
	}
	return e
}

// WithClock overrides the time source.
func (e *DecisionEngine) WithClock(now func() time.Time) *DecisionEngine {
	if now != nil {
		e.now = now
	}
	return e
}

// Authorize decides the request and writes exactly one AUTHORIZATION_DECISION audit entry.
// An ERROR decision is returned together with an error wrapping domain.ErrAuthorizationIndeterminate.
// Audit failures never change the decision; they only mark the result degraded.
func (e *DecisionEngine) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	started := e.now()

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = domain.NewCorrelationID()
	}

	ctx, span := e.tracer.Start(ctx, "DecisionEngine.Authorize", trace.WithAttributes(
		attribute.String("iam.actor_id", req.ActorID.String()),
		attribute.String("iam.resource", req.Resource),
		attribute.String("iam.action", req.Action),
		attribute.String("iam.scope", string(req.Scope)),
		attribute.String("iam.correlation_id", correlationID),
	))
	defer span.End()

	result, decideErr := e.decide(ctx, req, started.UTC())
	result.CorrelationID = correlationID

	auditCtx := map[string]string{
		"reason": result.Reason,
		"scope":  string(req.Scope),
	}
	if req.ScopeContext != "" {
		auditCtx["scope_context"] = req.ScopeContext
	}
	if len(result.Roles) > 0 {
		auditCtx["roles"] = strings.Join(result.Roles, ",")
	}
	if matched := matchedPolicies(result.Trace); matched != "" {
		auditCtx["matched_policies"] = matched
	}

	auditErr := e.auditor.Record(ctx, domain.AuditEntry{
		EventType:     domain.EventAuthorizationDecision,
		ActorID:       req.ActorID.String(),
		ActorType:     domain.ActorUser,
		SubjectID:     req.ActorID.String(),
		Resource:      req.Resource,
		Action:        req.Action,
		Decision:      result.Decision,
		PolicyVersion: result.PolicyVersion,
		Context:       auditCtx,
		IP:            req.IP,
		UserAgent:     req.UserAgent,
		CorrelationID: correlationID,
	})
	if auditErr != nil {
		result.AuditDegraded = true
		span.AddEvent("audit_write_failed")
	}

	e.metrics.observeDecision(result.Decision, e.now().Sub(started))

	span.SetAttributes(
		attribute.String("iam.decision", string(result.Decision)),
		attribute.String("iam.policy_version", result.PolicyVersion),
		attribute.Bool("iam.audit_degraded", result.AuditDegraded),
	)

	if decideErr != nil {
		span.RecordError(decideErr)
		span.SetStatus(codes.Error, "authorization indeterminate")
		e.logger.Error("authorization indeterminate",
			zap.String("actor_id", req.ActorID.String()),
			zap.String("resource", req.Resource),
			zap.String("action", req.Action),
			zap.String("correlation_id", correlationID),
			zap.String("reason", result.Reason),
			zap.Error(decideErr),
		)
		return result, decideErr
	}

	e.logger.Debug("authorization decided",
		zap.String("actor_id", req.ActorID.String()),
		zap.String("resource", req.Resource),
		zap.String("action", req.Action),
		zap.String("decision", string(result.Decision)),
		zap.String("policy_version", result.PolicyVersion),
		zap.String("correlation_id", correlationID),
	)
	return result, nil
}

func (e *DecisionEngine) decide(ctx context.Context, req AuthorizeRequest, now time.Time) (AuthorizeResult, error) {
	result := AuthorizeResult{PolicyVersion: NoPolicyVersion}

	indeterminate := func(reason string, err error) (AuthorizeResult, error) {
		result.Decision = domain.DecisionError
		result.Reason = reason
		return result, fmt.Errorf("%w: %w", domain.ErrAuthorizationIndeterminate, err)
	}

	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeGlobal
	}
	if req.ActorID.IsZero() || strings.TrimSpace(req.Resource) == "" || strings.TrimSpace(req.Action) == "" {
		return indeterminate(ReasonInvalidRequest, fmt.Errorf("%w: actor, resource and action are required", domain.ErrInvalidInput))
	}
	if err := domain.ValidateScope(scope, req.ScopeContext); err != nil {
		return indeterminate(ReasonInvalidRequest, err)
	}

	user, err := e.users.GetByID(ctx, req.ActorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			result.Decision = domain.DecisionDeny
			result.Reason = ReasonPrincipalNotFound
			return result, nil
		}
		return indeterminate(ReasonAssignmentStore, fmt.Errorf("load principal: %w", err))
	}
	if !user.IsActive() {
		result.Decision = domain.DecisionDeny
		result.Reason = ReasonPrincipalInactive
		return result, nil
	}

	effective, err := e.assignments.EffectiveAssignments(ctx, req.ActorID, now)
	if err != nil {
		return indeterminate(ReasonAssignmentStore, err)
	}

	roleIDs := make([]domain.RoleID, 0, len(effective))
	seen := make(map[domain.RoleID]struct{}, len(effective))
	for _, assignment := range effective {
		if !assignment.AppliesTo(scope, req.ScopeContext) {
			continue
		}
		if _, dup := seen[assignment.RoleID]; dup {
			continue
		}
		seen[assignment.RoleID] = struct{}{}
		roleIDs = append(roleIDs, assignment.RoleID)
	}

	roles, err := e.roles.ExpandRoles(ctx, roleIDs)
	if err != nil {
		return indeterminate(ReasonAssignmentStore, fmt.Errorf("expand roles: %w", err))
	}
	result.Roles = make([]string, 0, len(roles))
	for _, role := range roles {
		result.Roles = append(result.Roles, role.Name)
	}
	sort.Strings(result.Roles)

	attributes := make(map[string]any, len(user.Metadata)+3)
	for k, v := range user.Metadata {
		attributes[k] = v
	}
	attributes["username"] = user.Username
	attributes["email"] = user.Email
	attributes["status"] = string(user.Status)

	requestContext := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		requestContext[k] = v
	}
	requestContext["scope"] = string(scope)
	requestContext["scope_context"] = req.ScopeContext

	evaluation, err := e.evaluator.Evaluate(ctx, EvaluationRequest{
		Principal:          domain.Principal{ID: user.ID, Attributes: attributes},
		Roles:              result.Roles,
		Resource:           req.Resource,
		ResourceAttributes: req.ResourceAttributes,
		Action:             req.Action,
		Context:            requestContext,
	})
	result.Decision = evaluation.Decision
	result.PolicyVersion = evaluation.PolicyVersion
	result.Trace = evaluation.Trace
	result.Reason = evaluation.Reason
	if err != nil {
		return result, err
	}
	return result, nil
}

func matchedPolicies(trace []PolicyTrace) string {
	var refs []string
	for _, entry := range trace {
		if entry.Matched {
			refs = append(refs, entry.Policy+"="+string(entry.Effect))
		}
	}
	return strings.Join(refs, ",")
}
