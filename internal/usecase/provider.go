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

// ProviderService administers OIDC provider configurations. Client secrets are never logged or audited.
type ProviderService struct {
	providers port.ProviderRepository
	auditor   *Auditor
	logger    *zap.Logger
	now       func() time.Time
}

// NewProviderService constructs a ProviderService.
func NewProviderService(providers port.ProviderRepository, auditor *Auditor) *ProviderService {
	return &ProviderService{providers: providers, auditor: auditor, logger: zap.NewNop(), now: time.Now}
}

// WithLogger sets the logger.
func (s *ProviderService) WithLogger(logger *zap.Logger) *ProviderService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source.
func (s *ProviderService) WithClock(now func() time.Time) *ProviderService {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateProvider registers a provider. Providers start disabled unless Enabled is set.
func (s *ProviderService) CreateProvider(ctx context.Context, actor domain.Actor, provider domain.OIDCProviderConfig) (domain.OIDCProviderConfig, error) {
	provider.Name = normalizeName(provider.Name)
	if provider.Type == "" {
		provider.Type = domain.ProviderTypeOIDC
	}
	if provider.DisplayName == "" {
		provider.DisplayName = provider.Name
	}
	if err := provider.Validate(); err != nil {
		return domain.OIDCProviderConfig{}, err
	}

	if _, err := s.providers.GetByName(ctx, provider.Name); err == nil {
		return domain.OIDCProviderConfig{}, fmt.Errorf("provider %q: %w", provider.Name, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.OIDCProviderConfig{}, fmt.Errorf("lookup provider: %w", err)
	}

	provider.ID = domain.NewID[domain.OIDCProviderConfig]()
	provider.Meta = domain.Meta{}
	provider.Stamp(s.now().UTC())

	if err := s.providers.Create(ctx, provider); err != nil {
		return domain.OIDCProviderConfig{}, fmt.Errorf("create provider: %w", err)
	}

	s.logger.Info("oidc provider created",
		zap.String("provider_id", provider.ID.String()),
		zap.String("provider", provider.Name),
		zap.String("issuer", provider.Issuer),
		zap.Bool("jit_link_by_email", provider.JIT.LinkByEmail),
	)
	s.audit(ctx, actor, domain.EventProviderCreated, provider, "create")
	return provider, nil
}

// UpdateProvider replaces a provider's configuration. A zero ClientSecret keeps the stored secret.
func (s *ProviderService) UpdateProvider(ctx context.Context, actor domain.Actor, id domain.ProviderID, update domain.OIDCProviderConfig, expectedVersion int64) (domain.OIDCProviderConfig, error) {
	current, err := s.providers.GetByID(ctx, id)
	if err != nil {
		return domain.OIDCProviderConfig{}, fmt.Errorf("provider %s: %w", id, err)
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return domain.OIDCProviderConfig{}, fmt.Errorf("provider %s at v%d: %w", current.Name, current.Version, domain.ErrStaleVersion)
	}

	update.ID = current.ID
	update.Name = current.Name
	update.Meta = current.Meta
	if update.Type == "" {
		update.Type = current.Type
	}
	if update.DisplayName == "" {
		update.DisplayName = current.DisplayName
	}
	if update.ClientSecret.IsZero() {
		update.ClientSecret = current.ClientSecret
	}
	if err := update.Validate(); err != nil {
		return domain.OIDCProviderConfig{}, err
	}

	return s.save(ctx, actor, *current, update, "update")
}

// SetEnabled enables or disables a provider.
func (s *ProviderService) SetEnabled(ctx context.Context, actor domain.Actor, id domain.ProviderID, enabled bool) (domain.OIDCProviderConfig, error) {
	current, err := s.providers.GetByID(ctx, id)
	if err != nil {
		return domain.OIDCProviderConfig{}, fmt.Errorf("provider %s: %w", id, err)
	}
	if current.Enabled == enabled {
		return *current, nil
	}

	updated := *current
	updated.Enabled = enabled
	action := "disable"
	if enabled {
		action = "enable"
	}
	return s.save(ctx, actor, *current, updated, action)
}

func (s *ProviderService) save(ctx context.Context, actor domain.Actor, current, updated domain.OIDCProviderConfig, action string) (domain.OIDCProviderConfig, error) {
	updated.Touch(s.now().UTC())
	if err := s.providers.Update(ctx, updated, current.Version); err != nil {
		return domain.OIDCProviderConfig{}, fmt.Errorf("update provider: %w", err)
	}

	s.logger.Info("oidc provider updated",
		zap.String("provider_id", updated.ID.String()),
		zap.String("provider", updated.Name),
		zap.String("action", action),
		zap.Int64("version", updated.Version),
	)
	s.audit(ctx, actor, domain.EventProviderUpdated, updated, action)
	return updated, nil
}

// GetProvider returns a provider by id.
func (s *ProviderService) GetProvider(ctx context.Context, id domain.ProviderID) (*domain.OIDCProviderConfig, error) {
	provider, err := s.providers.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", id, err)
	}
	return provider, nil
}

// ListProviders returns every configured provider.
func (s *ProviderService) ListProviders(ctx context.Context) ([]domain.OIDCProviderConfig, error) {
	return s.providers.List(ctx)
}

func (s *ProviderService) audit(ctx context.Context, actor domain.Actor, event domain.EventType, provider domain.OIDCProviderConfig, action string) {
	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: event,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		Resource:  "provider:" + provider.Name,
		Action:    action,
		Context: map[string]string{
			"provider_id":       provider.ID.String(),
			"issuer":            provider.Issuer,
			"enabled":           fmt.Sprint(provider.Enabled),
			"jit_link_by_email": fmt.Sprint(provider.JIT.LinkByEmail),
			"scopes":            strings.Join(provider.EffectiveScopes(), " "),
		},
	})
}
