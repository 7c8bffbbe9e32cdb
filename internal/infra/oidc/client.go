// Package oidc implements the outbound half of OpenID Connect federation:
// authorization URLs with PKCE, code exchange with ID token verification, and
// userinfo retrieval. Every provider call is attempted exactly once.
package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

// DefaultTimeout bounds a single provider round trip.
const DefaultTimeout = 10 * time.Second

// reservedParams cannot be overridden by a provider's additional parameters.
var reservedParams = map[string]struct{}{
	"client_id":             {},
	"code_challenge":        {},
	"code_challenge_method": {},
	"nonce":                 {},
	"redirect_uri":          {},
	"response_type":         {},
	"scope":                 {},
	"state":                 {},
}

// Client implements port.IdentityProviderClient.
type Client struct {
	httpClient *http.Client
	baseCtx    context.Context
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	keySets  map[string]*gooidc.RemoteKeySet
	userInfo map[string]*gooidc.Provider
}

// NewClient returns a client whose HTTP calls time out after timeout (DefaultTimeout when zero).
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return newClient(&http.Client{Timeout: timeout, Transport: transport})
}

func newClient(httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		baseCtx:    gooidc.ClientContext(context.Background(), httpClient),
		logger:     zap.NewNop(),
		now:        time.Now,
		keySets:    make(map[string]*gooidc.RemoteKeySet),
		userInfo:   make(map[string]*gooidc.Provider),
	}
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *zap.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithClock overrides the clock used for ID token expiry checks.
func (c *Client) WithClock(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Client) oauthConfig(provider domain.OIDCProviderConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret.Reveal(),
		RedirectURL:  redirectURI,
		Scopes:       provider.EffectiveScopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.AuthorizationEndpoint,
			TokenURL: provider.TokenEndpoint,
			// AutoDetect would repeat a failed exchange with the other style.
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthorizationURL builds the provider redirect carrying state, nonce and an S256 PKCE challenge.
func (c *Client) AuthorizationURL(provider domain.OIDCProviderConfig, req port.AuthorizationRequest) (string, error) {
	if strings.TrimSpace(provider.AuthorizationEndpoint) == "" {
		return "", fmt.Errorf("%w: authorization endpoint is not configured", domain.ErrInvalidInput)
	}
	if req.State == "" || req.Nonce == "" {
		return "", fmt.Errorf("%w: state and nonce are required", domain.ErrInvalidInput)
	}

	opts := []oauth2.AuthCodeOption{gooidc.Nonce(req.Nonce)}
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}

	keys := make([]string, 0, len(provider.AdditionalParams))
	for key := range provider.AdditionalParams {
		if _, reserved := reservedParams[strings.ToLower(key)]; reserved {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(key, provider.AdditionalParams[key]))
	}

	return c.oauthConfig(provider, req.RedirectURI).AuthCodeURL(req.State, opts...), nil
}

// ExchangeCode redeems an authorization code. A returned ID token is verified against
// the provider's JWKS, issuer, client id and the expected nonce; an empty expected
// nonce never matches.
func (c *Client) ExchangeCode(ctx context.Context, provider domain.OIDCProviderConfig, req port.ExchangeRequest) (domain.ProviderTokens, error) {
	var out domain.ProviderTokens

	opts := []oauth2.AuthCodeOption{}
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}

	token, err := c.oauthConfig(provider, req.RedirectURI).Exchange(c.callContext(ctx), req.Code, opts...)
	if err != nil {
		return out, exchangeError(err)
	}
	if token.AccessToken == "" {
		return out, fmt.Errorf("%w: token response carries no access token", domain.ErrProviderFailure)
	}

	out.AccessToken = domain.Secret(token.AccessToken)
	out.TokenType = token.Type()
	out.Expiry = token.Expiry

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		c.logger.Debug("token response without id_token", zap.String("provider", provider.Name))
		return out, nil
	}

	idToken, err := c.verifyIDToken(ctx, provider, rawIDToken)
	if err != nil {
		return domain.ProviderTokens{}, err
	}
	if req.ExpectedNonce == "" || subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(req.ExpectedNonce)) != 1 {
		return domain.ProviderTokens{}, domain.ErrNonceMismatch
	}

	out.IDToken = domain.Secret(rawIDToken)
	out.Subject = idToken.Subject
	return out, nil
}

func (c *Client) verifyIDToken(ctx context.Context, provider domain.OIDCProviderConfig, raw string) (*gooidc.IDToken, error) {
	if strings.TrimSpace(provider.JWKSURI) == "" {
		return nil, fmt.Errorf("%w: id token returned but provider %s has no jwks_uri", domain.ErrUnauthorized, provider.Name)
	}

	verifier := gooidc.NewVerifier(provider.Issuer, c.keySet(provider.JWKSURI), &gooidc.Config{
		ClientID: provider.ClientID,
		Now:      c.now,
	})
	idToken, err := verifier.Verify(c.callContext(ctx), raw)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: verify id token: %w", domain.ErrProviderFailure, ctx.Err())
		}
		return nil, fmt.Errorf("%w: verify id token: %v", domain.ErrUnauthorized, err)
	}
	return idToken, nil
}

// FetchUserInfo calls the provider's userinfo endpoint with the exchanged access token.
func (c *Client) FetchUserInfo(ctx context.Context, provider domain.OIDCProviderConfig, tokens domain.ProviderTokens) (map[string]any, error) {
	if tokens.AccessToken.IsZero() {
		return nil, fmt.Errorf("%w: no access token for userinfo", domain.ErrProviderFailure)
	}
	if strings.TrimSpace(provider.UserInfoEndpoint) == "" {
		return nil, fmt.Errorf("%w: userinfo endpoint is not configured", domain.ErrProviderFailure)
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tokens.AccessToken.Reveal(),
		TokenType:   tokens.TokenType,
	})
	info, err := c.userInfoProvider(provider).UserInfo(c.callContext(ctx), source)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo: %v", domain.ErrProviderFailure, err)
	}

	claims := make(map[string]any)
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode userinfo: %v", domain.ErrProviderFailure, err)
	}
	if _, ok := claims["sub"]; !ok && info.Subject != "" {
		claims["sub"] = info.Subject
	}
	return claims, nil
}

// callContext routes oauth2 and go-oidc requests through the bounded HTTP client.
func (c *Client) callContext(ctx context.Context) context.Context {
	return gooidc.ClientContext(ctx, c.httpClient)
}

func (c *Client) keySet(jwksURI string) *gooidc.RemoteKeySet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ks, ok := c.keySets[jwksURI]; ok {
		return ks
	}
	ks := gooidc.NewRemoteKeySet(c.baseCtx, jwksURI)
	c.keySets[jwksURI] = ks
	return ks
}

func (c *Client) userInfoProvider(provider domain.OIDCProviderConfig) *gooidc.Provider {
	cacheKey := provider.ID.String() + "|" + provider.UserInfoEndpoint + "|" + provider.JWKSURI

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.userInfo[cacheKey]; ok {
		return p
	}
	cfg := &gooidc.ProviderConfig{
		IssuerURL:   provider.Issuer,
		AuthURL:     provider.AuthorizationEndpoint,
		TokenURL:    provider.TokenEndpoint,
		UserInfoURL: provider.UserInfoEndpoint,
		JWKSURL:     provider.JWKSURI,
	}
	p := cfg.NewProvider(c.baseCtx)
	c.userInfo[cacheKey] = p
	return p
}

// exchangeError keeps the token endpoint's response body out of the error text.
func exchangeError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		if retrieve.ErrorCode != "" {
			return fmt.Errorf("%w: token endpoint returned %d (%s)", domain.ErrProviderFailure, status, retrieve.ErrorCode)
		}
		return fmt.Errorf("%w: token endpoint returned %d", domain.ErrProviderFailure, status)
	}
	return fmt.Errorf("%w: token exchange: %w", domain.ErrProviderFailure, err)
}

var _ port.IdentityProviderClient = (*Client)(nil)
