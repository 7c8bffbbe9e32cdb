package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/infra/security"
)

const (
	testClientID     = "iam-core"
	testClientSecret = "s3cr3t-value"
	testKID          = "idp-key-1"
)

type fakeIdP struct {
	t          *testing.T
	server     *httptest.Server
	keys       *security.EphemeralKeyProvider
	manager    *security.JWTManager
	tokenHits  atomic.Int32
	tokenDelay time.Duration
	tokenFail  bool
	nonce      string
	audience   string

	mu       sync.Mutex
	lastForm url.Values
}

// newFakeIdP applies opts before the server starts so handlers observe them safely.
func newFakeIdP(t *testing.T, opts ...func(*fakeIdP)) *fakeIdP {
	t.Helper()

	keys, err := security.NewEphemeralKeyProvider(testKID)
	if err != nil {
		t.Fatalf("NewEphemeralKeyProvider returned error: %v", err)
	}
	idp := &fakeIdP{t: t, keys: keys, manager: security.NewJWTManager(keys), audience: testClientID}
	for _, opt := range opts {
		opt(idp)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", idp.token)
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		payload, err := idp.manager.JWKS()
		if err != nil {
			t.Errorf("JWKS: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":            "ext-1",
			"email":          "ada@example.com",
			"email_verified": true,
			"groups":         []string{"eng"},
		})
	})
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	f.tokenHits.Add(1)
	if f.tokenDelay > 0 {
		time.Sleep(f.tokenDelay)
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.lastForm = r.PostForm
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.tokenFail {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "server_error", "error_description": "echo " + testClientSecret})
		return
	}
	if user, pass, ok := r.BasicAuth(); !ok || user != testClientID || pass != testClientSecret {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "at-1",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     f.idToken("http://" + r.Host),
	})
}

func (f *fakeIdP) form() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func (f *fakeIdP) idToken(issuer string) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   issuer,
		"aud":   f.audience,
		"sub":   "ext-1",
		"nonce": f.nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKID
	key, _ := f.keys.GetSigningKey()
	signed, err := token.SignedString(key)
	if err != nil {
		f.t.Errorf("sign id token: %v", err)
	}
	return signed
}

func (f *fakeIdP) provider() domain.OIDCProviderConfig {
	return domain.OIDCProviderConfig{
		ID:                    domain.ProviderID("prov-1"),
		Name:                  "corp",
		Enabled:               true,
		Issuer:                f.server.URL,
		AuthorizationEndpoint: f.server.URL + "/authorize",
		TokenEndpoint:         f.server.URL + "/token",
		UserInfoEndpoint:      f.server.URL + "/userinfo",
		JWKSURI:               f.server.URL + "/jwks",
		ClientID:              testClientID,
		ClientSecret:          domain.Secret(testClientSecret),
		Scopes:                []string{"email", "profile"},
		AdditionalParams:      map[string]string{"prompt": "login", "state": "hijack"},
	}
}

func newTestClient(t *testing.T, timeout time.Duration) *Client {
	return NewClient(timeout).WithLogger(zaptest.NewLogger(t))
}

func TestAuthorizationURL(t *testing.T) {
	idp := newFakeIdP(t)
	client := newTestClient(t, 0)

	raw, err := client.AuthorizationURL(idp.provider(), port.AuthorizationRequest{
		RedirectURI:  "https://iam.example.com/callback",
		State:        "state-1",
		Nonce:        "nonce-1",
		CodeVerifier: "verifier-with-enough-entropy-0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("AuthorizationURL returned error: %v", err)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := parsed.Query()
	if q.Get("state") != "state-1" || q.Get("nonce") != "nonce-1" {
		t.Fatalf("state or nonce not carried: %v", q)
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("missing PKCE challenge: %v", q)
	}
	if strings.Contains(raw, "verifier-with-enough-entropy") {
		t.Fatal("code verifier leaked into the authorization url")
	}
	if q.Get("prompt") != "login" {
		t.Fatalf("additional param not applied: %v", q)
	}
	if !strings.HasPrefix(q.Get("scope"), "openid") {
		t.Fatalf("openid scope missing: %q", q.Get("scope"))
	}
	if q.Get("client_id") != testClientID || q.Get("redirect_uri") != "https://iam.example.com/callback" {
		t.Fatalf("unexpected client params: %v", q)
	}
}

func TestAuthorizationURLRequiresStateAndNonce(t *testing.T) {
	idp := newFakeIdP(t)
	_, err := newTestClient(t, 0).AuthorizationURL(idp.provider(), port.AuthorizationRequest{State: "s"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExchangeCodeVerifiesIDToken(t *testing.T) {
	idp := newFakeIdP(t, func(f *fakeIdP) { f.nonce = "nonce-1" })
	client := newTestClient(t, 0)

	tokens, err := client.ExchangeCode(context.Background(), idp.provider(), port.ExchangeRequest{
		Code:          "code-1",
		RedirectURI:   "https://iam.example.com/callback",
		CodeVerifier:  "verifier-1",
		ExpectedNonce: "nonce-1",
	})
	if err != nil {
		t.Fatalf("ExchangeCode returned error: %v", err)
	}
	if tokens.Subject != "ext-1" {
		t.Fatalf("unexpected subject: %q", tokens.Subject)
	}
	if tokens.AccessToken.Reveal() != "at-1" || tokens.IDToken.IsZero() {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	if form := idp.form(); form.Get("code_verifier") != "verifier-1" || form.Get("code") != "code-1" {
		t.Fatalf("unexpected token request form: %v", form)
	}
}

func TestExchangeCodeRejectsNonceMismatch(t *testing.T) {
	idp := newFakeIdP(t, func(f *fakeIdP) { f.nonce = "nonce-other" })

	_, err := newTestClient(t, 0).ExchangeCode(context.Background(), idp.provider(), port.ExchangeRequest{
		Code:          "code-1",
		ExpectedNonce: "nonce-1",
	})
	if !errors.Is(err, domain.ErrNonceMismatch) || !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
}

func TestExchangeCodeRequiresExpectedNonce(t *testing.T) {
	idp := newFakeIdP(t, func(f *fakeIdP) { f.nonce = "nonce-1" })

	_, err := newTestClient(t, 0).ExchangeCode(context.Background(), idp.provider(), port.ExchangeRequest{Code: "code-1"})
	if !errors.Is(err, domain.ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch without an expected nonce, got %v", err)
	}
}

func TestExchangeCodeRejectsForeignAudience(t *testing.T) {
	idp := newFakeIdP(t, func(f *fakeIdP) { f.audience = "someone-else" })

	_, err := newTestClient(t, 0).ExchangeCode(context.Background(), idp.provider(), port.ExchangeRequest{Code: "code-1"})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestExchangeCodeFailureIsNotRetried(t *testing.T) {
	idp := newFakeIdP(t, func(f *fakeIdP) { f.tokenFail = true })

	_, err := newTestClient(t, 0).ExchangeCode(context.Background(), idp.provider(), port.ExchangeRequest{Code: "code-1"})
	if !errors.Is(err, domain.ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
	if strings.Contains(err.Error(), testClientSecret) {
		t.Fatalf("provider response body leaked into error: %v", err)
	}
	if hits := idp.tokenHits.Load(); hits != 1 {
		t.Fatalf("expected exactly one token request, got %d", hits)
	}
}

func TestExchangeCodeTimesOut(t *testing.T) {
	idp := newFakeIdP(t, func(f *fakeIdP) { f.tokenDelay = 300 * time.Millisecond })

	start := time.Now()
	_, err := newTestClient(t, 50*time.Millisecond).ExchangeCode(context.Background(), idp.provider(), port.ExchangeRequest{Code: "code-1"})
	if !errors.Is(err, domain.ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Fatalf("call was not bounded by the client timeout: %s", elapsed)
	}
	if hits := idp.tokenHits.Load(); hits != 1 {
		t.Fatalf("expected exactly one token request, got %d", hits)
	}
}

func TestExchangeCodeWithoutJWKSFailsClosed(t *testing.T) {
	idp := newFakeIdP(t)
	provider := idp.provider()
	provider.JWKSURI = ""

	_, err := newTestClient(t, 0).ExchangeCode(context.Background(), provider, port.ExchangeRequest{Code: "code-1"})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFetchUserInfo(t *testing.T) {
	idp := newFakeIdP(t)
	client := newTestClient(t, 0)

	claims, err := client.FetchUserInfo(context.Background(), idp.provider(), domain.ProviderTokens{
		AccessToken: domain.Secret("at-1"),
		TokenType:   "Bearer",
	})
	if err != nil {
		t.Fatalf("FetchUserInfo returned error: %v", err)
	}
	if claims["sub"] != "ext-1" || claims["email"] != "ada@example.com" {
		t.Fatalf("unexpected claims: %v", claims)
	}

	_, err = client.FetchUserInfo(context.Background(), idp.provider(), domain.ProviderTokens{
		AccessToken: domain.Secret("wrong"),
		TokenType:   "Bearer",
	})
	if !errors.Is(err, domain.ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
}
