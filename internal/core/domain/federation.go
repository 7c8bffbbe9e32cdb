package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Secret holds sensitive material that must never reach logs or serialized output.
type Secret string

const redacted = "[REDACTED]"

// Reveal returns the raw value for the single place that needs it.
func (s Secret) Reveal() string { return string(s) }

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string { return s.String() }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsZero reports whether the secret is unset.
func (s Secret) IsZero() bool { return s == "" }

// ProviderType enumerates supported federation protocols.
type ProviderType string

const ProviderTypeOIDC ProviderType = "OIDC"

// AttributeMapping names the provider claims used to populate local attributes.
type AttributeMapping struct {
	Subject string
	Email   string
	Name    string
	Groups  string
	// Custom copies additional claims onto user attributes, keyed by claim name
	// with the local attribute name as value.
	Custom map[string]string
}

// WithDefaults fills empty claim names with the OIDC standard ones.
func (m AttributeMapping) WithDefaults() AttributeMapping {
	if m.Subject == "" {
		m.Subject = "sub"
	}
	if m.Email == "" {
		m.Email = "email"
	}
	if m.Name == "" {
		m.Name = "name"
	}
	if m.Groups == "" {
		m.Groups = "groups"
	}
	return m
}

// JITConfig controls just-in-time provisioning for a provider.
type JITConfig struct {
	Enabled      bool
	CreateUsers  bool
	UpdateUsers  bool
	SyncGroups   bool
	DefaultRoles []string
	// LinkByEmail allows an unknown external subject to be attached to an existing
	// local account with the same verified email. Off unless an administrator opts in.
	LinkByEmail bool
}

// RoleMappingRule maps external group names matching Pattern onto an internal role.
// Pattern must match the whole group name.
type RoleMappingRule struct {
	Pattern string
	Role    string
}

// RoleMappingConfig lists group to role rules.
type RoleMappingConfig struct {
	Rules []RoleMappingRule
}

// Validate compiles every rule pattern.
func (c RoleMappingConfig) Validate() error {
	for _, rule := range c.Rules {
		if strings.TrimSpace(rule.Role) == "" {
			return fmt.Errorf("%w: role mapping rule without role", ErrInvalidInput)
		}
		if _, err := rule.compile(); err != nil {
			return fmt.Errorf("%w: role mapping pattern %q: %v", ErrInvalidInput, rule.Pattern, err)
		}
	}
	return nil
}

// MapGroups returns the distinct internal roles granted by groups.
func (c RoleMappingConfig) MapGroups(groups []string) []string {
	seen := make(map[string]struct{})
	var roles []string
	for _, rule := range c.Rules {
		re, err := rule.compile()
		if err != nil {
			continue
		}
		for _, group := range groups {
			if !re.MatchString(group) {
				continue
			}
			if _, ok := seen[rule.Role]; !ok {
				seen[rule.Role] = struct{}{}
				roles = append(roles, rule.Role)
			}
			break
		}
	}
	return roles
}

// compile anchors the pattern. The bare pattern is checked first so a fragment
// such as "a)|(b" cannot close the group and escape the anchors.
func (r RoleMappingRule) compile() (*regexp.Regexp, error) {
	if _, err := regexp.Compile(r.Pattern); err != nil {
		return nil, err
	}
	return regexp.Compile(`^(?:` + r.Pattern + `)$`)
}

// OIDCProviderConfig describes an external OpenID Connect identity provider.
type OIDCProviderConfig struct {
	ID                    ProviderID
	Name                  string
	DisplayName           string
	Type                  ProviderType
	Enabled               bool
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	JWKSURI               string
	ClientID              string
	ClientSecret          Secret
	Scopes                []string
	AdditionalParams      map[string]string
	Attributes            AttributeMapping
	JIT                   JITConfig
	RoleMapping           RoleMappingConfig
	Meta
}

// Validate checks required endpoints and credentials.
func (p OIDCProviderConfig) Validate() error {
	required := []struct{ field, value string }{
		{"name", p.Name},
		{"issuer", p.Issuer},
		{"authorization_endpoint", p.AuthorizationEndpoint},
		{"token_endpoint", p.TokenEndpoint},
		{"userinfo_endpoint", p.UserInfoEndpoint},
		{"client_id", p.ClientID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidInput, r.field)
		}
	}
	return p.RoleMapping.Validate()
}

// EffectiveScopes always includes openid.
func (p OIDCProviderConfig) EffectiveScopes() []string {
	scopes := []string{"openid"}
	for _, scope := range p.Scopes {
		scope = strings.TrimSpace(scope)
		if scope != "" && scope != "openid" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// FederatedIdentity links an external subject to a local user.
type FederatedIdentity struct {
	ID           FederatedIdentityID
	UserID       UserID
	ProviderID   ProviderID
	SubjectID    string
	Issuer       string
	LinkedAt     time.Time
	LastSyncedAt time.Time
	Metadata     map[string]string
}

// ProviderTokens are the credentials returned by a token exchange.
type ProviderTokens struct {
	AccessToken Secret
	IDToken     Secret
	TokenType   string
	Expiry      time.Time
	// Subject is the verified id_token subject, empty when no id_token was returned.
	Subject string
}

// ExternalIdentity is the normalised view of a userinfo response.
type ExternalIdentity struct {
	Subject           string
	Email             string
	EmailVerified     bool
	Name              string
	PreferredUsername string
	Groups            []string
	// Attributes holds custom mapped claims by local attribute name.
	Attributes map[string]string
	Claims     map[string]any
}

// FederationState names the step an authentication attempt reached.
type FederationState string

const (
	FederationInitiated       FederationState = "INITIATED"
	FederationCodeReceived    FederationState = "CODE_RECEIVED"
	FederationTokenExchanged  FederationState = "TOKEN_EXCHANGED"
	FederationUserInfoFetched FederationState = "USERINFO_FETCHED"
	FederationLinked          FederationState = "LINKED"
	FederationProvisioned     FederationState = "PROVISIONED"
)
