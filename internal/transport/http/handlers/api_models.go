package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response carrying the request trace id.
func NewErrorResponse(c *gin.Context, msg string) ErrorResponse {
	return ErrorResponse{Error: msg, TraceID: c.GetString("trace_id")}
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// AuthorizeRequest is the body of POST /authorize.
type AuthorizeRequest struct {
	UserID             string         `json:"user_id" binding:"required"`
	Resource           string         `json:"resource" binding:"required"`
	Action             string         `json:"action" binding:"required"`
	Scope              string         `json:"scope"`
	ScopeContext       string         `json:"scope_context"`
	ResourceAttributes map[string]any `json:"resource_attributes"`
	Context            map[string]any `json:"context"`
}

// AuthorizeResponse reports a decision and what it was derived from.
type AuthorizeResponse struct {
	Decision      domain.Decision       `json:"decision"`
	PolicyVersion string                `json:"policy_version"`
	CorrelationID string                `json:"correlation_id"`
	Roles         []string              `json:"roles,omitempty"`
	Trace         []usecase.PolicyTrace `json:"trace,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	AuditDegraded bool                  `json:"audit_degraded,omitempty"`
}

func newAuthorizeResponse(r usecase.AuthorizeResult) AuthorizeResponse {
	return AuthorizeResponse{
		Decision:      r.Decision,
		PolicyVersion: r.PolicyVersion,
		CorrelationID: r.CorrelationID,
		Roles:         r.Roles,
		Trace:         r.Trace,
		Reason:        r.Reason,
		AuditDegraded: r.AuditDegraded,
	}
}

// AssignRequest grants a role.
type AssignRequest struct {
	UserID         string     `json:"user_id" binding:"required"`
	RoleID         string     `json:"role_id" binding:"required"`
	Scope          string     `json:"scope"`
	ScopeContext   string     `json:"scope_context"`
	EffectiveFrom  *time.Time `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until"`
}

// RevokeRequest optionally explains a revocation.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// AssignmentPayload renders a role assignment.
type AssignmentPayload struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	Scope          string     `json:"scope"`
	ScopeContext   string     `json:"scope_context,omitempty"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	Status         string     `json:"status"`
	AssignedBy     string     `json:"assigned_by"`
	RevokedBy      *string    `json:"revoked_by,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokeReason   *string    `json:"revoke_reason,omitempty"`
	Version        int64      `json:"version"`
}

func newAssignmentPayload(a domain.UserRoleAssignment) AssignmentPayload {
	return AssignmentPayload{
		ID:             a.ID.String(),
		UserID:         a.UserID.String(),
		RoleID:         a.RoleID.String(),
		Scope:          string(a.Scope),
		ScopeContext:   a.ScopeContext,
		EffectiveFrom:  a.EffectiveFrom,
		EffectiveUntil: a.EffectiveUntil,
		Status:         string(a.Status),
		AssignedBy:     a.AssignedBy,
		RevokedBy:      a.RevokedBy,
		RevokedAt:      a.RevokedAt,
		RevokeReason:   a.RevokeReason,
		Version:        a.Version,
	}
}

func newAssignmentPayloads(in []domain.UserRoleAssignment) []AssignmentPayload {
	out := make([]AssignmentPayload, 0, len(in))
	for _, a := range in {
		out = append(out, newAssignmentPayload(a))
	}
	return out
}

// PermissionPayload describes a permission.
type PermissionPayload struct {
	ID          string  `json:"id,omitempty"`
	Resource    string  `json:"resource" binding:"required"`
	Action      string  `json:"action" binding:"required"`
	Description *string `json:"description,omitempty"`
}

func newPermissionPayloads(in []domain.Permission) []PermissionPayload {
	out := make([]PermissionPayload, 0, len(in))
	for _, p := range in {
		out = append(out, PermissionPayload{ID: p.ID.String(), Resource: p.Resource, Action: p.Action, Description: p.Description})
	}
	return out
}

func permissionInputs(in []PermissionPayload) []usecase.PermissionInput {
	out := make([]usecase.PermissionInput, 0, len(in))
	for _, p := range in {
		out = append(out, usecase.PermissionInput{Resource: p.Resource, Action: p.Action, Description: p.Description})
	}
	return out
}

// RoleCreateRequest describes a new role.
type RoleCreateRequest struct {
	Name        string              `json:"name" binding:"required"`
	DisplayName string              `json:"display_name"`
	Description *string             `json:"description"`
	Type        string              `json:"type"`
	Permissions []PermissionPayload `json:"permissions"`
	ParentIDs   []string            `json:"parent_ids"`
}

// RoleParentRequest adds an inheritance edge.
type RoleParentRequest struct {
	ParentID string `json:"parent_id" binding:"required"`
}

// RolePermissionsRequest grants permissions to a role.
type RolePermissionsRequest struct {
	Permissions []PermissionPayload `json:"permissions" binding:"required,min=1"`
}

// RolePayload renders a role.
type RolePayload struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	DisplayName string              `json:"display_name,omitempty"`
	Description *string             `json:"description,omitempty"`
	Type        string              `json:"type"`
	ParentIDs   []string            `json:"parent_ids,omitempty"`
	Permissions []PermissionPayload `json:"permissions,omitempty"`
	Version     int64               `json:"version"`
}

func newRolePayload(r domain.Role, permissions []domain.Permission) RolePayload {
	parents := make([]string, 0, len(r.ParentIDs))
	for _, id := range r.ParentIDs {
		parents = append(parents, id.String())
	}
	return RolePayload{
		ID:          r.ID.String(),
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Description: r.Description,
		Type:        string(r.Type),
		ParentIDs:   parents,
		Permissions: newPermissionPayloads(permissions),
		Version:     r.Version,
	}
}

// PolicyRequest is the writable shape of a policy.
type PolicyRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Type            string   `json:"type" binding:"required"`
	Effect          string   `json:"effect" binding:"required"`
	Resources       []string `json:"resources"`
	Actions         []string `json:"actions"`
	Enabled         *bool    `json:"enabled"`
	Priority        int      `json:"priority"`
	Roles           []string `json:"roles"`
	Condition       string   `json:"condition"`
	Relation        string   `json:"relation"`
	MaxDepth        int      `json:"max_depth"`
	ExpectedVersion int64    `json:"expected_version"`
}

func (r PolicyRequest) input() usecase.PolicyInput {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return usecase.PolicyInput{
		Name:        r.Name,
		Description: r.Description,
		Type:        domain.PolicyType(r.Type),
		Effect:      domain.Effect(r.Effect),
		Resources:   r.Resources,
		Actions:     r.Actions,
		Enabled:     enabled,
		Priority:    r.Priority,
		Roles:       r.Roles,
		Condition:   r.Condition,
		Relation:    r.Relation,
		MaxDepth:    r.MaxDepth,
	}
}

// PolicyPayload renders a policy.
type PolicyPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type"`
	Effect      string   `json:"effect"`
	Resources   []string `json:"resources"`
	Actions     []string `json:"actions"`
	Enabled     bool     `json:"enabled"`
	Priority    int      `json:"priority"`
	Roles       []string `json:"roles,omitempty"`
	Condition   string   `json:"condition,omitempty"`
	Relation    string   `json:"relation,omitempty"`
	MaxDepth    int      `json:"max_depth,omitempty"`
	Version     int64    `json:"version"`
}

func newPolicyPayload(p domain.Policy) PolicyPayload {
	return PolicyPayload{
		ID:          p.ID.String(),
		Name:        p.Name,
		Description: p.Description,
		Type:        string(p.Type),
		Effect:      string(p.Effect),
		Resources:   p.Resources,
		Actions:     p.Actions,
		Enabled:     p.Enabled,
		Priority:    p.Priority,
		Roles:       p.Roles,
		Condition:   p.Condition,
		Relation:    p.Relation,
		MaxDepth:    p.MaxDepth,
		Version:     p.Version,
	}
}

// RelationshipPayload is a ReBAC tuple.
type RelationshipPayload struct {
	Object   string `json:"object" binding:"required"`
	Relation string `json:"relation" binding:"required"`
	Subject  string `json:"subject" binding:"required"`
}

func (p RelationshipPayload) tuple() domain.RelationshipTuple {
	return domain.RelationshipTuple{Object: p.Object, Relation: p.Relation, Subject: p.Subject}
}

// ProviderRequest is the writable shape of an OIDC provider.
type ProviderRequest struct {
	Name                  string            `json:"name"`
	DisplayName           string            `json:"display_name"`
	Enabled               *bool             `json:"enabled"`
	Issuer                string            `json:"issuer"`
	AuthorizationEndpoint string            `json:"authorization_endpoint"`
	TokenEndpoint         string            `json:"token_endpoint"`
	UserInfoEndpoint      string            `json:"userinfo_endpoint"`
	JWKSURI               string            `json:"jwks_uri"`
	ClientID              string            `json:"client_id"`
	ClientSecret          string            `json:"client_secret"`
	Scopes                []string          `json:"scopes"`
	AdditionalParams      map[string]string `json:"additional_params"`
	Attributes            struct {
		Subject string            `json:"subject"`
		Email   string            `json:"email"`
		Name    string            `json:"name"`
		Groups  string            `json:"groups"`
		Custom  map[string]string `json:"custom"`
	} `json:"attributes"`
	JIT struct {
		Enabled      bool     `json:"enabled"`
		CreateUsers  bool     `json:"create_users"`
		UpdateUsers  bool     `json:"update_users"`
		SyncGroups   bool     `json:"sync_groups"`
		DefaultRoles []string `json:"default_roles"`
		LinkByEmail  bool     `json:"link_by_email"`
	} `json:"jit"`
	RoleMapping []struct {
		Pattern string `json:"pattern"`
		Role    string `json:"role"`
	} `json:"role_mapping"`
	ExpectedVersion int64 `json:"expected_version"`
}

func (r ProviderRequest) config() domain.OIDCProviderConfig {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	rules := make([]domain.RoleMappingRule, 0, len(r.RoleMapping))
	for _, rule := range r.RoleMapping {
		rules = append(rules, domain.RoleMappingRule{Pattern: rule.Pattern, Role: rule.Role})
	}
	return domain.OIDCProviderConfig{
		Name:                  r.Name,
		DisplayName:           r.DisplayName,
		Type:                  domain.ProviderTypeOIDC,
		Enabled:               enabled,
		Issuer:                r.Issuer,
		AuthorizationEndpoint: r.AuthorizationEndpoint,
		TokenEndpoint:         r.TokenEndpoint,
		UserInfoEndpoint:      r.UserInfoEndpoint,
		JWKSURI:               r.JWKSURI,
		ClientID:              r.ClientID,
		ClientSecret:          domain.Secret(r.ClientSecret),
		Scopes:                r.Scopes,
		AdditionalParams:      r.AdditionalParams,
		Attributes: domain.AttributeMapping{
			Subject: r.Attributes.Subject,
			Email:   r.Attributes.Email,
			Name:    r.Attributes.Name,
			Groups:  r.Attributes.Groups,
			Custom:  r.Attributes.Custom,
		},
		JIT: domain.JITConfig{
			Enabled:      r.JIT.Enabled,
			CreateUsers:  r.JIT.CreateUsers,
			UpdateUsers:  r.JIT.UpdateUsers,
			SyncGroups:   r.JIT.SyncGroups,
			DefaultRoles: r.JIT.DefaultRoles,
			LinkByEmail:  r.JIT.LinkByEmail,
		},
		RoleMapping: domain.RoleMappingConfig{Rules: rules},
	}
}

// ProviderPayload renders a provider. The client secret is only ever reported as set or unset.
type ProviderPayload struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	DisplayName           string            `json:"display_name,omitempty"`
	Enabled               bool              `json:"enabled"`
	Issuer                string            `json:"issuer"`
	AuthorizationEndpoint string            `json:"authorization_endpoint"`
	TokenEndpoint         string            `json:"token_endpoint"`
	UserInfoEndpoint      string            `json:"userinfo_endpoint"`
	JWKSURI               string            `json:"jwks_uri,omitempty"`
	ClientID              string            `json:"client_id"`
	ClientSecret          domain.Secret     `json:"client_secret,omitempty"`
	Scopes                []string          `json:"scopes"`
	AdditionalParams      map[string]string `json:"additional_params,omitempty"`
	JITEnabled            bool              `json:"jit_enabled"`
	LinkByEmail           bool              `json:"link_by_email"`
	Version               int64             `json:"version"`
}

func newProviderPayload(p domain.OIDCProviderConfig) ProviderPayload {
	return ProviderPayload{
		ID:                    p.ID.String(),
		Name:                  p.Name,
		DisplayName:           p.DisplayName,
		Enabled:               p.Enabled,
		Issuer:                p.Issuer,
		AuthorizationEndpoint: p.AuthorizationEndpoint,
		TokenEndpoint:         p.TokenEndpoint,
		UserInfoEndpoint:      p.UserInfoEndpoint,
		JWKSURI:               p.JWKSURI,
		ClientID:              p.ClientID,
		ClientSecret:          p.ClientSecret,
		Scopes:                p.EffectiveScopes(),
		AdditionalParams:      p.AdditionalParams,
		JITEnabled:            p.JIT.Enabled,
		LinkByEmail:           p.JIT.LinkByEmail,
		Version:               p.Version,
	}
}

// InitiateRequest starts an OIDC login.
type InitiateRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

// InitiateResponse must be kept by the caller until the provider redirects back.
type InitiateResponse struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	Nonce            string    `json:"nonce"`
	CodeVerifier     string    `json:"code_verifier"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// CallbackRequest completes an OIDC login.
type CallbackRequest struct {
	Code          string `json:"code" binding:"required"`
	State         string `json:"state" binding:"required"`
	ExpectedState string `json:"expected_state" binding:"required"`
	ExpectedNonce string `json:"expected_nonce" binding:"required"`
	CodeVerifier  string `json:"code_verifier"`
	RedirectURI   string `json:"redirect_uri"`
}

// CallbackResponse reports the local account and, when issued, an access token.
type CallbackResponse struct {
	UserID        string     `json:"user_id"`
	Username      string     `json:"username"`
	Outcome       string     `json:"outcome"`
	Roles         []string   `json:"roles,omitempty"`
	AccessToken   string     `json:"access_token,omitempty"`
	TokenType     string     `json:"token_type,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CorrelationID string     `json:"correlation_id"`
}

// UserCreateRequest creates a local account.
type UserCreateRequest struct {
	Username    string            `json:"username" binding:"required"`
	Email       string            `json:"email" binding:"required"`
	DisplayName string            `json:"display_name"`
	Metadata    map[string]string `json:"metadata"`
}

// UserStatusRequest changes an account status.
type UserStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UserPayload renders a user.
type UserPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status"`
	Version     int64  `json:"version"`
}

func newUserPayload(u domain.User) UserPayload {
	return UserPayload{
		ID:          u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Status:      string(u.Status),
		Version:     u.Version,
	}
}

// IdentityPayload renders a federated identity link.
type IdentityPayload struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	SubjectID    string    `json:"subject_id"`
	Issuer       string    `json:"issuer"`
	LinkedAt     time.Time `json:"linked_at"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// AuditPayload renders an audit entry.
type AuditPayload struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	EventType     string            `json:"event_type"`
	ActorID       string            `json:"actor_id"`
	ActorType     string            `json:"actor_type"`
	SubjectID     string            `json:"subject_id,omitempty"`
	Resource      string            `json:"resource,omitempty"`
	Action        string            `json:"action,omitempty"`
	Decision      string            `json:"decision,omitempty"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

func newAuditPayload(e domain.AuditEntry) AuditPayload {
	return AuditPayload{
		ID:            e.ID.String(),
		Timestamp:     e.Timestamp,
		EventType:     string(e.EventType),
		ActorID:       e.ActorID,
		ActorType:     string(e.ActorType),
		SubjectID:     e.SubjectID,
		Resource:      e.Resource,
		Action:        e.Action,
		Decision:      string(e.Decision),
		PolicyVersion: e.PolicyVersion,
		Context:       e.Context,
		CorrelationID: e.CorrelationID,
	}
}
