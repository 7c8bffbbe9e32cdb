package domain

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/hashicorp/go-bexpr"
)

// PolicyType selects the rule family a policy belongs to.
type PolicyType string

const (
	PolicyTypeRBAC  PolicyType = "RBAC"
	PolicyTypeABAC  PolicyType = "ABAC"
	PolicyTypeReBAC PolicyType = "REBAC"
)

// Effect is what a matching policy contributes to the decision.
type Effect string

const (
	EffectPermit Effect = "PERMIT"
	EffectDeny   Effect = "DENY"
)

// Valid reports whether e is a known effect.
func (e Effect) Valid() bool { return e == EffectPermit || e == EffectDeny }

// Decision is the outcome of an authorization request.
type Decision string

const (
	DecisionPermit Decision = "PERMIT"
	DecisionDeny   Decision = "DENY"
	DecisionError  Decision = "ERROR"
)

// DefaultReBACDepth bounds relationship traversal when a policy does not set one.
const DefaultReBACDepth = 5

// Policy is a named, versioned authorization rule.
type Policy struct {
	ID          PolicyID
	Name        string
	Description string
	Type        PolicyType
	Effect      Effect
	Resources   []string
	Actions     []string
	Enabled     bool
	Priority    int

	// RBAC
	Roles []string
	// ABAC
	Condition string
	// ReBAC
	Relation string
	MaxDepth int

	Meta
}

// Ref names the policy revision for traces, e.g. "documents-editor@v3".
func (p Policy) Ref() string {
	return fmt.Sprintf("%s@v%d", p.Name, p.Version)
}

// Revision identifies a stored revision uniquely. A policy deleted and re-created
// under the same name restarts at v1 but gets a new ID.
func (p Policy) Revision() string {
	return p.Ref() + "/" + p.ID.String()
}

// Applies reports whether the policy targets resource and action.
// A malformed resource pattern on a policy that targets the action is an error.
func (p Policy) Applies(resource, action string) (bool, error) {
	if !containsAction(p.Actions, action) {
		return false, nil
	}
	if err := validatePatterns(p.Resources); err != nil {
		return false, err
	}
	return matchAny(p.Resources, resource), nil
}

// Validate checks the policy is structurally sound, compiling ABAC conditions.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if !p.Effect.Valid() {
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidPolicy, p.Effect)
	}
	if len(p.Resources) == 0 || len(p.Actions) == 0 {
		return fmt.Errorf("%w: resources and actions are required", ErrInvalidPolicy)
	}
	if err := validatePatterns(p.Resources); err != nil {
		return err
	}
	if _, err := p.Rule(); err != nil {
		return err
	}
	return nil
}

// Rule builds the evaluable rule for the policy's variant.
func (p Policy) Rule() (Rule, error) {
	switch p.Type {
	case PolicyTypeRBAC:
		if len(p.Roles) == 0 {
			return nil, fmt.Errorf("%w: rbac policy %s lists no roles", ErrInvalidPolicy, p.Name)
		}
		return RBACRule{Roles: p.Roles}, nil
	case PolicyTypeABAC:
		return NewABACRule(p.Condition)
	case PolicyTypeReBAC:
		if strings.TrimSpace(p.Relation) == "" {
			return nil, fmt.Errorf("%w: rebac policy %s has no relation", ErrInvalidPolicy, p.Name)
		}
		depth := p.MaxDepth
		if depth <= 0 {
			depth = DefaultReBACDepth
		}
		return ReBACRule{Relation: p.Relation, MaxDepth: depth}, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy type %q", ErrInvalidPolicy, p.Type)
	}
}

// Principal describes the acting user as seen by rules.
type Principal struct {
	ID         UserID
	Attributes map[string]any
}

// RuleInput is everything a rule may consult.
type RuleInput struct {
	Principal          Principal
	Roles              []string
	Resource           string
	ResourceAttributes map[string]any
	Action             string
	Context            map[string]any
	Relationships      RelationshipLookup
}

// Rule is the single evaluation capability shared by every policy variant.
type Rule interface {
	Match(ctx context.Context, in RuleInput) (bool, error)
}

// RBACRule matches when the principal holds any of the listed roles.
type RBACRule struct {
	Roles []string
}

// Match implements Rule.
func (r RBACRule) Match(_ context.Context, in RuleInput) (bool, error) {
	held := make(map[string]struct{}, len(in.Roles))
	for _, role := range in.Roles {
		held[role] = struct{}{}
	}
	for _, role := range r.Roles {
		if _, ok := held[role]; ok {
			return true, nil
		}
	}
	return false, nil
}

// ABACRule matches when its boolean expression holds over the request attributes.
type ABACRule struct {
	Expression string
	evaluator  *bexpr.Evaluator
}

// NewABACRule compiles expression.
func NewABACRule(expression string) (ABACRule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return ABACRule{}, fmt.Errorf("%w: abac condition is empty", ErrInvalidPolicy)
	}
	eval, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return ABACRule{}, fmt.Errorf("%w: compile condition: %v", ErrInvalidPolicy, err)
	}
	return ABACRule{Expression: expression, evaluator: eval}, nil
}

// Match implements Rule. A selector naming an absent attribute is an error, not a mismatch.
func (r ABACRule) Match(_ context.Context, in RuleInput) (bool, error) {
	if r.evaluator == nil {
		return false, fmt.Errorf("%w: abac rule not compiled", ErrInvalidPolicy)
	}

	principal := make(map[string]any, len(in.Principal.Attributes)+2)
	for k, v := range in.Principal.Attributes {
		principal[k] = v
	}
	principal["id"] = in.Principal.ID.String()
	principal["roles"] = append([]string(nil), in.Roles...)

	resource := make(map[string]any, len(in.ResourceAttributes)+1)
	for k, v := range in.ResourceAttributes {
		resource[k] = v
	}
	resource["id"] = in.Resource

	requestContext := in.Context
	if requestContext == nil {
		requestContext = map[string]any{}
	}

	datum := map[string]any{
		"principal": principal,
		"resource":  resource,
		"context":   requestContext,
		"action":    in.Action,
	}

	matched, err := r.evaluator.Evaluate(datum)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", r.Expression, err)
	}
	return matched, nil
}

// RelationshipTuple is an edge of the relationship graph: subject has relation on object.
// Subjects are either "user:<id>" or a userset "<object>#<relation>".
type RelationshipTuple struct {
	Object   string
	Relation string
	Subject  string
}

// UserSubject renders the subject form of a user id.
func UserSubject(id UserID) string { return "user:" + id.String() }

// Userset splits a "<object>#<relation>" subject.
func (t RelationshipTuple) Userset() (object, relation string, ok bool) {
	idx := strings.LastIndex(t.Subject, "#")
	if idx <= 0 || idx == len(t.Subject)-1 {
		return "", "", false
	}
	return t.Subject[:idx], t.Subject[idx+1:], true
}

// RelationshipLookup resolves the direct subjects holding relation on object.
type RelationshipLookup interface {
	ListByObject(ctx context.Context, object, relation string) ([]RelationshipTuple, error)
}

// ReBACRule matches when the principal reaches the resource through Relation.
type ReBACRule struct {
	Relation string
	MaxDepth int
}

// Match implements Rule with a breadth-first walk that follows at most MaxDepth userset hops.
func (r ReBACRule) Match(ctx context.Context, in RuleInput) (bool, error) {
	if in.Relationships == nil {
		return false, fmt.Errorf("%w: relationship lookup not configured", ErrInvalidPolicy)
	}

	type node struct {
		object   string
		relation string
		depth    int
	}

	target := UserSubject(in.Principal.ID)
	queue := []node{{object: in.Resource, relation: r.Relation}}
	visited := map[string]struct{}{in.Resource + "#" + r.Relation: {}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		tuples, err := in.Relationships.ListByObject(ctx, current.object, current.relation)
		if err != nil {
			return false, fmt.Errorf("list relationships %s#%s: %w", current.object, current.relation, err)
		}

		for _, tuple := range tuples {
			if tuple.Subject == target {
				return true, nil
			}
			object, relation, ok := tuple.Userset()
			if !ok || current.depth >= r.MaxDepth {
				continue
			}
			key := object + "#" + relation
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}
			queue = append(queue, node{object: object, relation: relation, depth: current.depth + 1})
		}
	}

	return false, nil
}

func validatePatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("%w: resource pattern %q: %v", ErrInvalidPolicy, pattern, err)
		}
	}
	return nil
}

func matchAny(patterns []string, resource string) bool {
	for _, pattern := range patterns {
		if matchResource(pattern, resource) {
			return true
		}
	}
	return false
}

func matchResource(pattern, resource string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == resource:
		return true
	case strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?["):
		return strings.HasPrefix(resource, pattern[:len(pattern)-1])
	}
	ok, err := path.Match(pattern, resource)
	return err == nil && ok
}

func containsAction(actions []string, action string) bool {
	for _, candidate := range actions {
		if candidate == "*" || strings.EqualFold(candidate, action) {
			return true
		}
	}
	return false
}
