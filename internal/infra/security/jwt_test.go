package security

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

func newTestManager(t *testing.T, kid string) *JWTManager {
	t.Helper()
	provider, err := NewEphemeralKeyProvider(kid)
	if err != nil {
		t.Fatalf("NewEphemeralKeyProvider: %v", err)
	}
	return NewJWTManager(provider)
}

func TestAccessTokenIssuer_IssueAndParse(t *testing.T) {
	manager := newTestManager(t, "k1")
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	issuer := NewAccessTokenIssuer(manager, "iam-access-core", []string{"iam"}, 5*time.Minute).
		WithClock(func() time.Time { return now })

	token, err := issuer.IssueAccessToken(context.Background(), port.AccessTokenRequest{
		UserID:     domain.UserID("01HUSER"),
		Roles:      []string{"engineer", "engineer", " member "},
		ProviderID: domain.ProviderID("01HPROV"),
	})
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	if token.TokenID == "" || !token.ExpiresAt.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("unexpected token metadata %+v", token)
	}
	if token.Value.String() == token.Value.Reveal() {
		t.Fatalf("expected token value to be redacted when formatted")
	}

	claims, err := manager.ParseAccessToken(token.Value.Reveal(), ParseOptions{
		Issuer:   "iam-access-core",
		Audience: "iam",
		Now:      func() time.Time { return now.Add(time.Minute) },
	})
	if err != nil {
		t.Fatalf("ParseAccessToken returned error: %v", err)
	}
	if claims.UserID != "01HUSER" || claims.Subject != "01HUSER" || claims.ProviderID != "01HPROV" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected roles to be normalised, got %v", claims.Roles)
	}
}

func TestJWTManager_ParseRejectsInvalidTokens(t *testing.T) {
	manager := newTestManager(t, "k1")
	other := newTestManager(t, "k2")
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	issue := func(m *JWTManager) string {
		t.Helper()
		token, err := NewAccessTokenIssuer(m, "iam-access-core", nil, time.Minute).
			WithClock(func() time.Time { return now }).
			IssueAccessToken(context.Background(), port.AccessTokenRequest{UserID: "01HUSER"})
		if err != nil {
			t.Fatalf("IssueAccessToken: %v", err)
		}
		return token.Value.Reveal()
	}

	if _, err := manager.ParseAccessToken(issue(manager), ParseOptions{Now: func() time.Time { return now.Add(2 * time.Minute) }}); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
	if _, err := manager.ParseAccessToken(issue(other), ParseOptions{Now: func() time.Time { return now }}); !errors.Is(err, ErrKeyNotRegistered) {
		t.Fatalf("expected unknown kid error, got %v", err)
	}
	if _, err := manager.ParseAccessToken(issue(manager), ParseOptions{Issuer: "someone-else", Now: func() time.Time { return now }}); err == nil {
		t.Fatalf("expected issuer mismatch to be rejected")
	}
	if _, err := manager.ParseAccessToken("not-a-token", ParseOptions{}); err == nil {
		t.Fatalf("expected malformed token to be rejected")
	}
}

func TestJWTManager_JWKSPublishesSigningKey(t *testing.T) {
	manager := newTestManager(t, "k1")

	raw, err := manager.JWKS()
	if err != nil {
		t.Fatalf("JWKS returned error: %v", err)
	}
	var set struct {
		Keys []map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0]["kid"] != "k1" || set.Keys[0]["alg"] != "RS256" {
		t.Fatalf("unexpected jwks %s", raw)
	}
}

func TestNewKeyProvider_ProductionRequiresKeys(t *testing.T) {
	if _, err := NewKeyProvider("production", ""); !errors.Is(err, ErrSigningKeyUnavailable) {
		t.Fatalf("expected production without keys to fail, got %v", err)
	}
	provider, err := NewKeyProvider("development", t.TempDir()+"/missing")
	if err != nil {
		t.Fatalf("expected ephemeral fallback, got %v", err)
	}
	if provider.SigningKeyID() == "" {
		t.Fatalf("expected signing kid")
	}
}
