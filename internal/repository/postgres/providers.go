package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

const providersTable = "iam.oidc_providers"

var providerColumns = []string{
	"id",
	"name",
	"display_name",
	"type",
	"enabled",
	"issuer",
	"authorization_endpoint",
	"token_endpoint",
	"userinfo_endpoint",
	"jwks_uri",
	"client_id",
	"client_secret",
	"scopes",
	"config",
	"created_at",
	"updated_at",
	"version",
}

// providerDocument is the jsonb layout of the config column.
type providerDocument struct {
	AdditionalParams map[string]string  `json:"additional_params,omitempty"`
	Attributes       attributesDocument `json:"attributes"`
	JIT              jitDocument        `json:"jit"`
	RoleMapping      []roleRuleDocument `json:"role_mapping,omitempty"`
}

type attributesDocument struct {
	Subject string            `json:"subject,omitempty"`
	Email   string            `json:"email,omitempty"`
	Name    string            `json:"name,omitempty"`
	Groups  string            `json:"groups,omitempty"`
	Custom  map[string]string `json:"custom,omitempty"`
}

type jitDocument struct {
	Enabled      bool     `json:"enabled"`
	CreateUsers  bool     `json:"create_users"`
	UpdateUsers  bool     `json:"update_users"`
	SyncGroups   bool     `json:"sync_groups"`
	DefaultRoles []string `json:"default_roles,omitempty"`
	LinkByEmail  bool     `json:"link_by_email"`
}

type roleRuleDocument struct {
	Pattern string `json:"pattern"`
	Role    string `json:"role"`
}

func toProviderDocument(p domain.OIDCProviderConfig) providerDocument {
	doc := providerDocument{
		AdditionalParams: p.AdditionalParams,
		Attributes: attributesDocument{
			Subject: p.Attributes.Subject,
			Email:   p.Attributes.Email,
			Name:    p.Attributes.Name,
			Groups:  p.Attributes.Groups,
			Custom:  p.Attributes.Custom,
		},
		JIT: jitDocument{
			Enabled:      p.JIT.Enabled,
			CreateUsers:  p.JIT.CreateUsers,
			UpdateUsers:  p.JIT.UpdateUsers,
			SyncGroups:   p.JIT.SyncGroups,
			DefaultRoles: p.JIT.DefaultRoles,
			LinkByEmail:  p.JIT.LinkByEmail,
		},
	}
	for _, rule := range p.RoleMapping.Rules {
		doc.RoleMapping = append(doc.RoleMapping, roleRuleDocument{Pattern: rule.Pattern, Role: rule.Role})
	}
	return doc
}

func (d providerDocument) apply(p *domain.OIDCProviderConfig) {
	p.AdditionalParams = d.AdditionalParams
	p.Attributes = domain.AttributeMapping{
		Subject: d.Attributes.Subject,
		Email:   d.Attributes.Email,
		Name:    d.Attributes.Name,
		Groups:  d.Attributes.Groups,
		Custom:  d.Attributes.Custom,
	}
	p.JIT = domain.JITConfig{
		Enabled:      d.JIT.Enabled,
		CreateUsers:  d.JIT.CreateUsers,
		UpdateUsers:  d.JIT.UpdateUsers,
		SyncGroups:   d.JIT.SyncGroups,
		DefaultRoles: d.JIT.DefaultRoles,
		LinkByEmail:  d.JIT.LinkByEmail,
	}
	p.RoleMapping = domain.RoleMappingConfig{}
	for _, rule := range d.RoleMapping {
		p.RoleMapping.Rules = append(p.RoleMapping.Rules, domain.RoleMappingRule{Pattern: rule.Pattern, Role: rule.Role})
	}
}

// ProviderRepository stores OIDC provider configurations. The client secret is kept in its
// own column and only leaves the row through domain.Secret.
type ProviderRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewProviderRepository constructs the repository.
func NewProviderRepository(exec pgExecutor) *ProviderRepository {
	return &ProviderRepository{exec: exec, builder: newBuilder()}
}

// Create inserts a provider. Names are unique.
func (r *ProviderRepository) Create(ctx context.Context, p domain.OIDCProviderConfig) error {
	config, err := encodeJSON(toProviderDocument(p))
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Insert(providersTable).
		Columns(providerColumns...).
		Values(
			p.ID.String(),
			p.Name,
			p.DisplayName,
			string(p.Type),
			p.Enabled,
			p.Issuer,
			p.AuthorizationEndpoint,
			p.TokenEndpoint,
			p.UserInfoEndpoint,
			p.JWKSURI,
			p.ClientID,
			p.ClientSecret.Reveal(),
			nonNil(p.Scopes),
			config,
			p.CreatedAt,
			p.UpdatedAt,
			p.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert provider sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return writeError("insert provider", err)
	}
	return nil
}

// Update replaces the provider when the stored version equals expectedVersion.
func (r *ProviderRepository) Update(ctx context.Context, p domain.OIDCProviderConfig, expectedVersion int64) error {
	config, err := encodeJSON(toProviderDocument(p))
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Update(providersTable).
		Set("name", p.Name).
		Set("display_name", p.DisplayName).
		Set("enabled", p.Enabled).
		Set("issuer", p.Issuer).
		Set("authorization_endpoint", p.AuthorizationEndpoint).
		Set("token_endpoint", p.TokenEndpoint).
		Set("userinfo_endpoint", p.UserInfoEndpoint).
		Set("jwks_uri", p.JWKSURI).
		Set("client_id", p.ClientID).
		Set("client_secret", p.ClientSecret.Reveal()).
		Set("scopes", nonNil(p.Scopes)).
		Set("config", config).
		Set("updated_at", p.UpdatedAt).
		Set("version", p.Version).
		Where(squirrel.Eq{"id": p.ID.String(), "version": expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update provider sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return writeError("update provider", err)
	}
	if ct.RowsAffected() == 0 {
		return versionMiss(ctx, r.exec, providersTable, p.ID.String())
	}
	return nil
}

// GetByID loads a provider.
func (r *ProviderRepository) GetByID(ctx context.Context, id domain.ProviderID) (*domain.OIDCProviderConfig, error) {
	return r.getBy(ctx, squirrel.Eq{"id": id.String()})
}

// GetByName loads a provider by its unique name.
func (r *ProviderRepository) GetByName(ctx context.Context, name string) (*domain.OIDCProviderConfig, error) {
	return r.getBy(ctx, squirrel.Eq{"name": name})
}

func (r *ProviderRepository) getBy(ctx context.Context, where squirrel.Eq) (*domain.OIDCProviderConfig, error) {
	stmt, args, err := r.builder.Select(providerColumns...).
		From(providersTable).
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select provider sql: %w", err)
	}

	p, err := scanProvider(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, readError("scan provider", err)
	}
	return p, nil
}

// List returns all providers ordered by name.
func (r *ProviderRepository) List(ctx context.Context) ([]domain.OIDCProviderConfig, error) {
	stmt, args, err := r.builder.Select(providerColumns...).
		From(providersTable).
		OrderBy("name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	providers := make([]domain.OIDCProviderConfig, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return providers, nil
}

func scanProvider(row rowScanner) (*domain.OIDCProviderConfig, error) {
	var (
		p            domain.OIDCProviderConfig
		id           string
		providerType string
		secret       string
		config       []byte
	)
	if err := row.Scan(
		&id,
		&p.Name,
		&p.DisplayName,
		&providerType,
		&p.Enabled,
		&p.Issuer,
		&p.AuthorizationEndpoint,
		&p.TokenEndpoint,
		&p.UserInfoEndpoint,
		&p.JWKSURI,
		&p.ClientID,
		&secret,
		&p.Scopes,
		&config,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.Version,
	); err != nil {
		return nil, err
	}

	var doc providerDocument
	if len(config) > 0 {
		if err := json.Unmarshal(config, &doc); err != nil {
			return nil, fmt.Errorf("decode provider config: %w", err)
		}
	}
	doc.apply(&p)
	p.ID = domain.ProviderID(id)
	p.Type = domain.ProviderType(providerType)
	p.ClientSecret = domain.Secret(secret)
	return &p, nil
}

var _ port.ProviderRepository = (*ProviderRepository)(nil)
