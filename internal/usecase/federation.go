package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/infra/logger"
	"github.com/arklim/iam-access-core/internal/infra/security"
)

const (
	federationSecretBytes      = 32
	defaultProviderCallTimeout = 10 * time.Second
	defaultStateTTL            = 10 * time.Minute
	maxUsernameAttempts        = 20
)

// InitiateResult is handed to the caller, who must present State, Nonce and CodeVerifier back on callback.
type InitiateResult struct {
	ProviderID       domain.ProviderID
	AuthorizationURL string
	State            string
	Nonce            string
	CodeVerifier     string
	ExpiresAt        time.Time
}

// CallbackInput carries the provider redirect together with the values issued at initiation.
type CallbackInput struct {
	ProviderID    domain.ProviderID
	Code          string
	State         string
	ExpectedState string
	ExpectedNonce string
	CodeVerifier  string
	RedirectURI   string
	CorrelationID string
	IP            string
	UserAgent     string
}

// AuthenticationResult describes the local account an external login resolved to.
type AuthenticationResult struct {
	User          domain.User
	Identity      domain.FederatedIdentity
	Outcome       domain.FederationState
	Roles         []string
	AccessToken   *port.IssuedToken
	CorrelationID string
}

// FederationService drives the OIDC authorization-code flow and links external subjects to local users.
type FederationService struct {
	providers   port.ProviderRepository
	identities  port.FederatedIdentityRepository
	users       port.UserRepository
	roles       port.RoleRepository
	assignments *AssignmentService
	idp         port.IdentityProviderClient
	auditor     *Auditor

	tokens    port.TokenIssuer
	replay    port.StateReplayGuard
	publisher port.EventPublisher
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	callTimeout time.Duration
	stateTTL    time.Duration
}

// NewFederationService constructs a FederationService.
func NewFederationService(
	providers port.ProviderRepository,
	identities port.FederatedIdentityRepository,
	users port.UserRepository,
	roles port.RoleRepository,
	assignments *AssignmentService,
	idp port.IdentityProviderClient,
	auditor *Auditor,
) *FederationService {
	return &FederationService{
		providers:   providers,
		identities:  identities,
		users:       users,
		roles:       roles,
		assignments: assignments,
		idp:         idp,
		auditor:     auditor,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		callTimeout: defaultProviderCallTimeout,
		stateTTL:    defaultStateTTL,
	}
}

// WithTokenIssuer mints an internal access token after a successful login.
func (s *FederationService) WithTokenIssuer(tokens port.TokenIssuer) *FederationService {
	s.tokens = tokens
	return s
}

// WithReplayGuard rejects callbacks presenting a state that was already consumed.
func (s *FederationService) WithReplayGuard(guard port.StateReplayGuard) *FederationService {
	s.replay = guard
	return s
}

// WithPublisher emits provisioning events.
func (s *FederationService) WithPublisher(publisher port.EventPublisher) *FederationService {
	s.publisher = publisher
	return s
}

// WithMetrics sets the federation counters.
func (s *FederationService) WithMetrics(metrics *Metrics) *FederationService {
	s.metrics = metrics
	return s
}

// WithLogger sets the logger.
func (s *FederationService) WithLogger(l *zap.Logger) *FederationService {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithClock overrides the time source.
func (s *FederationService) WithClock(now func() time.Time) *FederationService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithTimeouts sets the per-call provider timeout and the lifetime of an issued state.
func (s *FederationService) WithTimeouts(callTimeout, stateTTL time.Duration) *FederationService {
	if callTimeout > 0 {
		s.callTimeout = callTimeout
	}
	if stateTTL > 0 {
		s.stateTTL = stateTTL
	}
	return s
}

// Initiate starts a login attempt against providerID.
func (s *FederationService) Initiate(ctx context.Context, providerID domain.ProviderID, redirectURI string) (InitiateResult, error) {
	var result InitiateResult

	redirectURI = strings.TrimSpace(redirectURI)
	if redirectURI == "" {
		return result, fmt.Errorf("%w: redirect uri is required", domain.ErrInvalidInput)
	}

	provider, err := s.enabledProvider(ctx, providerID)
	if err != nil {
		return result, err
	}

	state, err := security.GenerateSecureToken(federationSecretBytes)
	if err != nil {
		return result, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := security.GenerateSecureToken(federationSecretBytes)
	if err != nil {
		return result, fmt.Errorf("generate nonce: %w", err)
	}
	verifier, err := security.GenerateSecureToken(federationSecretBytes)
	if err != nil {
		return result, fmt.Errorf("generate code verifier: %w", err)
	}

	authURL, err := s.idp.AuthorizationURL(*provider, port.AuthorizationRequest{
		RedirectURI:  redirectURI,
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
	})
	if err != nil {
		return result, fmt.Errorf("%w: build authorization url: %w", domain.ErrProviderFailure, err)
	}

	s.logger.Info("oidc login initiated",
		zap.String("provider_id", provider.ID.String()),
		zap.String("provider", provider.Name),
	)

	return InitiateResult{
		ProviderID:       provider.ID,
		AuthorizationURL: authURL,
		State:            state,
		Nonce:            nonce,
		CodeVerifier:     verifier,
		ExpiresAt:        s.now().UTC().Add(s.stateTTL),
	}, nil
}

// HandleCallback completes a login attempt. A state that does not equal the expected one fails
// with domain.ErrStateMismatch before the provider is contacted.
func (s *FederationService) HandleCallback(ctx context.Context, in CallbackInput) (AuthenticationResult, error) {
	var result AuthenticationResult

	correlationID := strings.TrimSpace(in.CorrelationID)
	if correlationID == "" {
		correlationID = domain.NewCorrelationID()
	}
	result.CorrelationID = correlationID
	in.CorrelationID = correlationID

	ctx, span := s.tracer.Start(ctx, "FederationService.HandleCallback", trace.WithAttributes(
		attribute.String("iam.provider_id", in.ProviderID.String()),
		attribute.String("iam.correlation_id", correlationID),
	))
	defer span.End()

	fail := func(label string, stage domain.FederationState, err error) (AuthenticationResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		s.recordFailure(ctx, label, stage, in, err)
		return result, err
	}

	label := in.ProviderID.String()

	if in.ExpectedState == "" || subtle.ConstantTimeCompare([]byte(in.State), []byte(in.ExpectedState)) != 1 {
		s.metrics.federationOutcome(label, "state_mismatch")
		return fail(label, domain.FederationInitiated, domain.ErrStateMismatch)
	}
	if strings.TrimSpace(in.Code) == "" {
		return fail(label, domain.FederationInitiated, fmt.Errorf("%w: authorization code is required", domain.ErrInvalidInput))
	}

	if s.replay != nil {
		fresh, err := s.replay.Consume(ctx, in.State, s.stateTTL)
		if err != nil {
			return fail(label, domain.FederationCodeReceived, fmt.Errorf("%w: state replay guard: %w", domain.ErrUnavailable, err))
		}
		if !fresh {
			return fail(label, domain.FederationCodeReceived, domain.ErrStateReplayed)
		}
	}

	provider, err := s.enabledProvider(ctx, in.ProviderID)
	if err != nil {
		return fail(label, domain.FederationCodeReceived, err)
	}
	label = provider.Name

	exchangeCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	tokens, err := s.idp.ExchangeCode(exchangeCtx, *provider, port.ExchangeRequest{
		Code:          in.Code,
		RedirectURI:   in.RedirectURI,
		CodeVerifier:  in.CodeVerifier,
		ExpectedNonce: in.ExpectedNonce,
	})
	cancel()
	if err != nil {
		return fail(label, domain.FederationCodeReceived, providerError("token exchange", err))
	}

	userInfoCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	claims, err := s.idp.FetchUserInfo(userInfoCtx, *provider, tokens)
	cancel()
	if err != nil {
		return fail(label, domain.FederationTokenExchanged, providerError("userinfo", err))
	}

	external := MapClaims(provider.Attributes, claims)
	if external.Subject == "" {
		return fail(label, domain.FederationUserInfoFetched, fmt.Errorf("%w: userinfo carries no subject", domain.ErrProviderFailure))
	}
	if tokens.Subject != "" && tokens.Subject != external.Subject {
		return fail(label, domain.FederationUserInfoFetched, fmt.Errorf("%w: userinfo subject differs from id token subject", domain.ErrUnauthorized))
	}

	now := s.now().UTC()
	user, identity, outcome, newLink, err := s.resolve(ctx, *provider, external, now)
	if err != nil {
		return fail(label, domain.FederationUserInfoFetched, err)
	}
	if !user.IsActive() {
		return fail(label, outcome, fmt.Errorf("%w: account is %s", domain.ErrForbidden, strings.ToLower(string(user.Status))))
	}

	result.User = user
	result.Identity = identity
	result.Outcome = outcome

	if newLink {
		s.auditor.recordBestEffort(ctx, domain.AuditEntry{
			EventType:     domain.EventJITProvisioning,
			ActorID:       domain.SystemActor.ID,
			ActorType:     domain.SystemActor.Type,
			SubjectID:     user.ID.String(),
			Resource:      "provider:" + provider.Name,
			Action:        "link",
			Context:       federationAuditContext(*provider, identity, outcome),
			IP:            in.IP,
			UserAgent:     in.UserAgent,
			CorrelationID: correlationID,
		})
		s.publishProvisioned(ctx, *provider, user, outcome, now)
	}

	s.applyRoleMapping(ctx, *provider, user, external.Groups, now)

	roles, err := s.effectiveRoleNames(ctx, user.ID, now)
	if err != nil {
		return fail(label, outcome, err)
	}
	result.Roles = roles

	if s.tokens != nil {
		issued, err := s.tokens.IssueAccessToken(ctx, port.AccessTokenRequest{UserID: user.ID, Roles: roles, ProviderID: provider.ID})
		if err != nil {
			return fail(label, outcome, fmt.Errorf("issue access token: %w", err))
		}
		result.AccessToken = &issued
		s.auditor.recordBestEffort(ctx, domain.AuditEntry{
			EventType:     domain.EventTokenIssued,
			ActorID:       user.ID.String(),
			ActorType:     domain.ActorUser,
			SubjectID:     user.ID.String(),
			Resource:      "token:access",
			Action:        "issue",
			Context:       map[string]string{"token_id": issued.TokenID, "provider_id": provider.ID.String()},
			IP:            in.IP,
			UserAgent:     in.UserAgent,
			CorrelationID: correlationID,
		})
	}

	successCtx := federationAuditContext(*provider, identity, outcome)
	successCtx["correlation_id"] = correlationID
	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType:     domain.EventAuthenticationSuccess,
		ActorID:       user.ID.String(),
		ActorType:     domain.ActorUser,
		SubjectID:     user.ID.String(),
		Resource:      "provider:" + provider.Name,
		Action:        "authenticate",
		Context:       successCtx,
		IP:            in.IP,
		UserAgent:     in.UserAgent,
		CorrelationID: correlationID,
	})
	s.metrics.federationOutcome(label, strings.ToLower(string(outcome)))

	span.SetAttributes(attribute.String("iam.outcome", string(outcome)), attribute.String("iam.user_id", user.ID.String()))
	s.logger.Info("oidc login completed",
		zap.String("provider", provider.Name),
		zap.String("user_id", user.ID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("correlation_id", correlationID),
	)

	return result, nil
}

func (s *FederationService) enabledProvider(ctx context.Context, id domain.ProviderID) (*domain.OIDCProviderConfig, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: provider id is required", domain.ErrInvalidInput)
	}
	provider, err := s.providers.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, id)
		}
		return nil, fmt.Errorf("load provider %s: %w", id, err)
	}
	if !provider.Enabled {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderDisabled, provider.Name)
	}
	return provider, nil
}

// resolve finds or creates the local account for an external subject. newLink reports whether
// a federated identity was created by this call.
func (s *FederationService) resolve(ctx context.Context, provider domain.OIDCProviderConfig, external domain.ExternalIdentity, now time.Time) (domain.User, domain.FederatedIdentity, domain.FederationState, bool, error) {
	var (
		zeroUser     domain.User
		zeroIdentity domain.FederatedIdentity
	)

	identity, err := s.identities.GetByProviderSubject(ctx, provider.ID, external.Subject)
	switch {
	case err == nil:
		user, err := s.linkedUser(ctx, provider, *identity, external, now)
		if err != nil {
			return zeroUser, zeroIdentity, "", false, err
		}
		return user, *identity, domain.FederationLinked, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return zeroUser, zeroIdentity, "", false, fmt.Errorf("lookup federated identity: %w", err)
	}

	if !provider.JIT.Enabled {
		return zeroUser, zeroIdentity, "", false, domain.ErrProvisioningDisabled
	}

	if provider.JIT.LinkByEmail && external.EmailVerified && external.Email != "" {
		if email, err := domain.NormalizeEmail(external.Email); err == nil {
			user, err := s.users.GetByEmail(ctx, email)
			switch {
			case err == nil:
				linked, err := s.createIdentity(ctx, provider, user.ID, external, now)
				if err != nil {
					return s.reResolve(ctx, provider, external, now, err)
				}
				s.logger.Warn("external identity linked by verified email",
					zap.String("provider", provider.Name),
					zap.String("user_id", user.ID.String()),
					zap.String("email", logger.MaskEmail(email)),
				)
				return *user, linked, domain.FederationLinked, true, nil
			case !errors.Is(err, domain.ErrNotFound):
				return zeroUser, zeroIdentity, "", false, fmt.Errorf("lookup user by email: %w", err)
			}
		}
	}

	if !provider.JIT.CreateUsers {
		return zeroUser, zeroIdentity, "", false, domain.ErrProvisioningDisabled
	}

	username, err := s.uniqueUsername(ctx, external)
	if err != nil {
		return zeroUser, zeroIdentity, "", false, err
	}
	user, err := domain.NewUser(username, external.Email, external.Name, now)
	if err != nil {
		return zeroUser, zeroIdentity, "", false, fmt.Errorf("provision user: %w", err)
	}
	for attribute, value := range external.Attributes {
		user.Metadata[attribute] = value
	}
	user.Metadata["provisioned_by"] = provider.Name

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return s.reResolve(ctx, provider, external, now, err)
		}
		return zeroUser, zeroIdentity, "", false, fmt.Errorf("create user: %w", err)
	}

	linked, err := s.createIdentity(ctx, provider, user.ID, external, now)
	if err != nil {
		if delErr := s.users.Delete(ctx, user.ID); delErr != nil {
			s.logger.Error("remove orphaned provisioned user failed", zap.String("user_id", user.ID.String()), zap.Error(delErr))
		}
		return s.reResolve(ctx, provider, external, now, err)
	}

	s.logger.Info("user provisioned",
		zap.String("provider", provider.Name),
		zap.String("user_id", user.ID.String()),
		zap.String("username", user.Username),
		zap.String("subject", logger.MaskSubject(external.Subject)),
	)
	return user, linked, domain.FederationProvisioned, true, nil
}

// reResolve handles a lost race with a concurrent callback for the same subject.
func (s *FederationService) reResolve(ctx context.Context, provider domain.OIDCProviderConfig, external domain.ExternalIdentity, now time.Time, cause error) (domain.User, domain.FederatedIdentity, domain.FederationState, bool, error) {
	if !errors.Is(cause, domain.ErrConflict) {
		return domain.User{}, domain.FederatedIdentity{}, "", false, cause
	}
	identity, err := s.identities.GetByProviderSubject(ctx, provider.ID, external.Subject)
	if err != nil {
		return domain.User{}, domain.FederatedIdentity{}, "", false, fmt.Errorf("link external identity: %w", cause)
	}
	user, err := s.linkedUser(ctx, provider, *identity, external, now)
	if err != nil {
		return domain.User{}, domain.FederatedIdentity{}, "", false, err
	}
	return user, *identity, domain.FederationLinked, false, nil
}

func (s *FederationService) linkedUser(ctx context.Context, provider domain.OIDCProviderConfig, identity domain.FederatedIdentity, external domain.ExternalIdentity, now time.Time) (domain.User, error) {
	user, err := s.users.GetByID(ctx, identity.UserID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load linked user %s: %w", identity.UserID, err)
	}

	if err := s.identities.Touch(ctx, identity.ID, now, identityMetadata(external)); err != nil {
		s.logger.Warn("touch federated identity failed", zap.String("identity_id", identity.ID.String()), zap.Error(err))
	}

	if provider.JIT.UpdateUsers {
		s.refreshUser(ctx, user, external, now)
	}
	return *user, nil
}

func (s *FederationService) refreshUser(ctx context.Context, user *domain.User, external domain.ExternalIdentity, now time.Time) {
	expected := user.Version
	changed := false

	if name := strings.TrimSpace(external.Name); name != "" && name != user.DisplayName {
		user.DisplayName = name
		changed = true
	}
	if external.EmailVerified {
		if email, err := domain.NormalizeEmail(external.Email); err == nil && email != user.Email {
			user.Email = email
			changed = true
		}
	}
	for attribute, value := range external.Attributes {
		if user.Metadata == nil {
			user.Metadata = make(map[string]string, len(external.Attributes))
		}
		if user.Metadata[attribute] != value {
			user.Metadata[attribute] = value
			changed = true
		}
	}
	if !changed {
		return
	}

	user.Touch(now)
	if err := s.users.Update(ctx, *user, expected); err != nil {
		s.logger.Warn("refresh federated user attributes failed", zap.String("user_id", user.ID.String()), zap.Error(err))
	}
}

func (s *FederationService) createIdentity(ctx context.Context, provider domain.OIDCProviderConfig, userID domain.UserID, external domain.ExternalIdentity, now time.Time) (domain.FederatedIdentity, error) {
	identity := domain.FederatedIdentity{
		ID:           domain.NewID[domain.FederatedIdentity](),
		UserID:       userID,
		ProviderID:   provider.ID,
		SubjectID:    external.Subject,
		Issuer:       provider.Issuer,
		LinkedAt:     now,
		LastSyncedAt: now,
		Metadata:     identityMetadata(external),
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		return domain.FederatedIdentity{}, fmt.Errorf("create federated identity: %w", err)
	}
	return identity, nil
}

func (s *FederationService) uniqueUsername(ctx context.Context, external domain.ExternalIdentity) (string, error) {
	base := usernameBase(external)
	candidate := base
	for attempt := 2; attempt <= maxUsernameAttempts+1; attempt++ {
		_, err := s.users.GetByUsername(ctx, candidate)
		if errors.Is(err, domain.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("lookup username: %w", err)
		}
		suffix := fmt.Sprintf("-%d", attempt)
		candidate = truncate(base, 50-len(suffix)) + suffix
	}

	random, err := security.GenerateSecureToken(6)
	if err != nil {
		return "", fmt.Errorf("generate username suffix: %w", err)
	}
	return truncate(base, 41) + "-" + sanitizeUsername(random), nil
}

// applyRoleMapping grants default and group-mapped roles. Existing effective grants are reused.
func (s *FederationService) applyRoleMapping(ctx context.Context, provider domain.OIDCProviderConfig, user domain.User, groups []string, now time.Time) {
	names := append([]string(nil), provider.JIT.DefaultRoles...)
	if provider.JIT.SyncGroups {
		names = append(names, provider.RoleMapping.MapGroups(groups)...)
	}
	if len(names) == 0 || s.assignments == nil {
		return
	}

	effective, err := s.assignments.EffectiveAssignments(ctx, user.ID, now)
	if err != nil {
		s.logger.Warn("load assignments for role mapping failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		return
	}
	held := make(map[domain.RoleID]struct{}, len(effective))
	for _, assignment := range effective {
		if assignment.Scope == domain.ScopeGlobal {
			held[assignment.RoleID] = struct{}{}
		}
	}

	actor := domain.Actor{ID: "provider:" + provider.Name, Type: domain.ActorSystem}
	for _, name := range names {
		role, err := s.roles.GetByName(ctx, name)
		if err != nil {
			s.logger.Warn("mapped role unavailable", zap.String("provider", provider.Name), zap.String("role", name), zap.Error(err))
			continue
		}
		if _, ok := held[role.ID]; ok {
			continue
		}
		if _, err := s.assignments.Assign(ctx, actor, AssignInput{UserID: user.ID, RoleID: role.ID, Scope: domain.ScopeGlobal}); err != nil {
			s.logger.Warn("grant mapped role failed", zap.String("user_id", user.ID.String()), zap.String("role", name), zap.Error(err))
			continue
		}
		held[role.ID] = struct{}{}
	}
}

func (s *FederationService) effectiveRoleNames(ctx context.Context, userID domain.UserID, now time.Time) ([]string, error) {
	if s.assignments == nil {
		return nil, nil
	}
	effective, err := s.assignments.EffectiveAssignments(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	ids := make([]domain.RoleID, 0, len(effective))
	for _, assignment := range effective {
		if assignment.Scope == domain.ScopeGlobal {
			ids = append(ids, assignment.RoleID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	roles, err := s.roles.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return names, nil
}

func (s *FederationService) publishProvisioned(ctx context.Context, provider domain.OIDCProviderConfig, user domain.User, outcome domain.FederationState, now time.Time) {
	if s.publisher == nil {
		return
	}
	event := domain.UserProvisionedEvent{
		EventID:       domain.NewCorrelationID(),
		UserID:        user.ID.String(),
		Username:      user.Username,
		ProviderID:    provider.ID.String(),
		Outcome:       outcome,
		ProvisionedAt: now,
	}
	if err := s.publisher.PublishUserProvisioned(ctx, event); err != nil {
		s.logger.Warn("publish user provisioned event failed", zap.String("user_id", user.ID.String()), zap.Error(err))
	}
}

func (s *FederationService) recordFailure(ctx context.Context, label string, stage domain.FederationState, in CallbackInput, err error) {
	kind := domain.KindOf(err)
	if !errors.Is(err, domain.ErrStateMismatch) {
		s.metrics.federationOutcome(label, "failure")
	}

	s.logger.Warn("oidc login failed",
		zap.String("provider", label),
		zap.String("stage", string(stage)),
		zap.String("error_kind", string(kind)),
		zap.String("correlation_id", in.CorrelationID),
		zap.Error(err),
	)

	s.auditor.recordBestEffort(ctx, domain.AuditEntry{
		EventType: domain.EventAuthenticationFailure,
		ActorID:   domain.SystemActor.ID,
		ActorType: domain.SystemActor.Type,
		Resource:  "provider:" + label,
		Action:    "authenticate",
		Context: map[string]string{
			"provider_id": in.ProviderID.String(),
			"stage":       string(stage),
			"error_kind":  string(kind),
		},
		IP:            in.IP,
		UserAgent:     in.UserAgent,
		CorrelationID: in.CorrelationID,
	})
}

// providerError classifies a provider call failure. Verification failures stay unauthenticated.
func providerError(call string, err error) error {
	if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrProviderFailure) {
		return fmt.Errorf("%s: %w", call, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrProviderFailure, call, err)
}

// MapClaims normalises a userinfo document using the provider's attribute mapping.
func MapClaims(mapping domain.AttributeMapping, claims map[string]any) domain.ExternalIdentity {
	mapping = mapping.WithDefaults()

	external := domain.ExternalIdentity{
		Subject:           claimString(claims, mapping.Subject),
		Email:             claimString(claims, mapping.Email),
		Name:              claimString(claims, mapping.Name),
		PreferredUsername: claimString(claims, "preferred_username"),
		Groups:            claimStrings(claims, mapping.Groups),
		Claims:            claims,
	}

	switch verified := claims["email_verified"].(type) {
	case bool:
		external.EmailVerified = verified
	case string:
		external.EmailVerified = strings.EqualFold(verified, "true")
	}

	for claim, attribute := range mapping.Custom {
		attribute = strings.TrimSpace(attribute)
		if attribute == "" || reservedAttributes[attribute] {
			continue
		}
		value := claimString(claims, claim)
		if value == "" {
			value = strings.Join(claimStrings(claims, claim), ",")
		}
		if value == "" {
			continue
		}
		if external.Attributes == nil {
			external.Attributes = make(map[string]string, len(mapping.Custom))
		}
		external.Attributes[attribute] = value
	}

	return external
}

// reservedAttributes are user metadata keys custom claim mappings may not overwrite.
var reservedAttributes = map[string]bool{
	"provisioned_by": true,
}

func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", v))
	default:
		return ""
	}
}

func claimStrings(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	default:
		return nil
	}
}

func identityMetadata(external domain.ExternalIdentity) map[string]string {
	metadata := make(map[string]string, 3)
	if external.Email != "" {
		metadata["email"] = strings.ToLower(external.Email)
	}
	if external.Name != "" {
		metadata["name"] = external.Name
	}
	if external.PreferredUsername != "" {
		metadata["preferred_username"] = external.PreferredUsername
	}
	return metadata
}

func federationAuditContext(provider domain.OIDCProviderConfig, identity domain.FederatedIdentity, outcome domain.FederationState) map[string]string {
	return map[string]string{
		"provider_id": provider.ID.String(),
		"provider":    provider.Name,
		"identity_id": identity.ID.String(),
		"outcome":     string(outcome),
	}
}

func usernameBase(external domain.ExternalIdentity) string {
	candidates := []string{external.PreferredUsername}
	if at := strings.IndexByte(external.Email, '@'); at > 0 {
		candidates = append(candidates, external.Email[:at])
	}
	for _, candidate := range candidates {
		name := truncate(sanitizeUsername(candidate), 44)
		if domain.ValidUsername(name) {
			return name
		}
	}
	return "user"
}

func sanitizeUsername(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
