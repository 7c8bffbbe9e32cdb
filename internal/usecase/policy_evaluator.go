package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

// Reasons attached to evaluation results.
const (
	ReasonPermitted          = "permitted"
	ReasonDenyOverride       = "deny_override"
	ReasonNoApplicablePolicy = "no_applicable_policy"
	ReasonNoPolicyMatched    = "no_policy_matched"
	ReasonEvaluationFault    = "evaluation_fault"
	ReasonPolicyStore        = "policy_store_unavailable"
	ReasonInvalidRequest     = "invalid_request"
	ReasonPrincipalNotFound  = "principal_not_found"
	ReasonPrincipalInactive  = "principal_inactive"
	ReasonAssignmentStore    = "assignment_store_unavailable"
)

// NoPolicyVersion is recorded when no policy applied to a request.
const NoPolicyVersion = "none"

// EvaluationRequest is the input to PolicyEvaluator.Evaluate.
type EvaluationRequest struct {
	Principal          domain.Principal
	Roles              []string
	Resource           string
	ResourceAttributes map[string]any
	Action             string
	Context            map[string]any
}

// PolicyTrace records how a single applicable policy evaluated.
type PolicyTrace struct {
	Policy  string            `json:"policy"`
	Type    domain.PolicyType `json:"type"`
	Effect  domain.Effect     `json:"effect"`
	Matched bool              `json:"matched"`
	Error   string            `json:"error,omitempty"`
}

// EvaluationResult is the combined outcome of every applicable policy.
type EvaluationResult struct {
	Decision      domain.Decision
	PolicyVersion string
	Trace         []PolicyTrace
	Reason        string
}

// PolicyEvaluator combines enabled policies with deny-overrides and default-deny.
type PolicyEvaluator struct {
	policies      port.PolicyRepository
	relationships domain.RelationshipLookup
	logger        *zap.Logger

	rules sync.Map // policy revision -> domain.Rule
}

// NewPolicyEvaluator constructs a PolicyEvaluator. relationships may be nil when no ReBAC policy is stored.
func NewPolicyEvaluator(policies port.PolicyRepository, relationships domain.RelationshipLookup) *PolicyEvaluator {
	return &PolicyEvaluator{policies: policies, relationships: relationships, logger: zap.NewNop()}
}

// WithLogger sets the logger.
func (e *PolicyEvaluator) WithLogger(logger *zap.Logger) *PolicyEvaluator {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Evaluate decides the request. The returned error is non-nil exactly when the decision is ERROR
// and wraps domain.ErrAuthorizationIndeterminate.
func (e *PolicyEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (EvaluationResult, error) {
	result := EvaluationResult{PolicyVersion: NoPolicyVersion}

	if strings.TrimSpace(req.Resource) == "" || strings.TrimSpace(req.Action) == "" {
		result.Decision = domain.DecisionError
		result.Reason = ReasonInvalidRequest
		return result, fmt.Errorf("%w: %w: resource and action are required", domain.ErrAuthorizationIndeterminate, domain.ErrInvalidInput)
	}

	stored, err := e.policies.ListEnabled(ctx)
	if err != nil {
		result.Decision = domain.DecisionError
		result.Reason = ReasonPolicyStore
		return result, fmt.Errorf("%w: load policies: %w", domain.ErrAuthorizationIndeterminate, err)
	}

	// A policy whose applicability cannot be decided stays in the set with its fault.
	applicable := make([]domain.Policy, 0, len(stored))
	applyFaults := make(map[string]error)
	for _, policy := range stored {
		if !policy.Enabled {
			continue
		}
		applies, err := policy.Applies(req.Resource, req.Action)
		if err != nil {
			applyFaults[policy.Revision()] = err
		}
		if applies || err != nil {
			applicable = append(applicable, policy)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority > applicable[j].Priority
		}
		return applicable[i].Name < applicable[j].Name
	})

	result.PolicyVersion = policyVersion(applicable)

	input := domain.RuleInput{
		Principal:          req.Principal,
		Roles:              req.Roles,
		Resource:           req.Resource,
		ResourceAttributes: req.ResourceAttributes,
		Action:             req.Action,
		Context:            req.Context,
		Relationships:      e.relationships,
	}

	var (
		faults  []error
		permits int
		denies  int
	)
	result.Trace = make([]PolicyTrace, 0, len(applicable))

	for _, policy := range applicable {
		entry := PolicyTrace{Policy: policy.Ref(), Type: policy.Type, Effect: policy.Effect}

		matched, err := false, applyFaults[policy.Revision()]
		if err == nil {
			matched, err = e.match(ctx, policy, input)
		}
		if err != nil {
			entry.Error = err.Error()
			faults = append(faults, fmt.Errorf("policy %s: %w", policy.Ref(), err))
			e.logger.Warn("policy evaluation fault", zap.String("policy", policy.Ref()), zap.Error(err))
		}
		entry.Matched = matched
		result.Trace = append(result.Trace, entry)

		if err != nil || !matched {
			continue
		}
		switch policy.Effect {
		case domain.EffectDeny:
			denies++
		case domain.EffectPermit:
			permits++
		}
	}

	switch {
	case len(faults) > 0:
		result.Decision = domain.DecisionError
		result.Reason = ReasonEvaluationFault
		return result, fmt.Errorf("%w: %w", domain.ErrAuthorizationIndeterminate, faults[0])
	case denies > 0:
		result.Decision = domain.DecisionDeny
		result.Reason = ReasonDenyOverride
	case permits > 0:
		result.Decision = domain.DecisionPermit
		result.Reason = ReasonPermitted
	case len(applicable) == 0:
		result.Decision = domain.DecisionDeny
		result.Reason = ReasonNoApplicablePolicy
	default:
		result.Decision = domain.DecisionDeny
		result.Reason = ReasonNoPolicyMatched
	}

	return result, nil
}

func (e *PolicyEvaluator) match(ctx context.Context, policy domain.Policy, input domain.RuleInput) (bool, error) {
	rule, err := e.rule(policy)
	if err != nil {
		return false, err
	}
	return rule.Match(ctx, input)
}

// rule returns the compiled rule for a policy revision, compiling it on first use.
func (e *PolicyEvaluator) rule(policy domain.Policy) (domain.Rule, error) {
	key := policy.Revision()
	if cached, ok := e.rules.Load(key); ok {
		return cached.(domain.Rule), nil
	}
	rule, err := policy.Rule()
	if err != nil {
		return nil, err
	}
	e.rules.Store(key, rule)
	return rule, nil
}

// policyVersion digests the applicable policy revisions so a decision can be reproduced later.
func policyVersion(applicable []domain.Policy) string {
	if len(applicable) == 0 {
		return NoPolicyVersion
	}
	refs := make([]string, 0, len(applicable))
	for _, policy := range applicable {
		refs = append(refs, policy.Revision())
	}
	sort.Strings(refs)
	sum := sha256.Sum256([]byte(strings.Join(refs, ",")))
	return "sha256:" + hex.EncodeToString(sum[:8])
}
