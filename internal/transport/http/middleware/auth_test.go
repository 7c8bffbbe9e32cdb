package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/infra/security"
	"github.com/arklim/iam-access-core/internal/usecase"
)

type fakeAuthorizer struct {
	decision domain.Decision
	err      error
	last     usecase.AuthorizeRequest
}

func (f *fakeAuthorizer) Authorize(_ context.Context, req usecase.AuthorizeRequest) (usecase.AuthorizeResult, error) {
	f.last = req
	if f.err != nil {
		return usecase.AuthorizeResult{Decision: domain.DecisionError}, f.err
	}
	return usecase.AuthorizeResult{Decision: f.decision}, nil
}

func issueTestToken(t *testing.T, ttl time.Duration) (*security.JWTManager, string) {
	t.Helper()
	keys, err := security.NewEphemeralKeyProvider("test")
	if err != nil {
		t.Fatalf("NewEphemeralKeyProvider: %v", err)
	}
	manager := security.NewJWTManager(keys)
	issued, err := security.NewAccessTokenIssuer(manager, "iam-test", []string{"iam-api"}, ttl).
		IssueAccessToken(context.Background(), port.AccessTokenRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return manager, issued.Value.Reveal()
}

func newGuardedRouter(manager *security.JWTManager, authorizer Authorizer, enforced bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(EnrichContext())
	guard := NewPermissionGuard(authorizer, enforced, nil)
	router.GET("/api/v1/roles",
		RequireAuth(manager, security.ParseOptions{Issuer: "iam-test", Audience: "iam-api"}),
		guard.Require("roles"),
		func(c *gin.Context) { c.String(http.StatusOK, Actor(c).ID) },
	)
	return router
}

func TestRequireAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	manager, _ := issueTestToken(t, time.Minute)
	router := newGuardedRouter(manager, &fakeAuthorizer{decision: domain.DecisionPermit}, true)

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer not-a-jwt"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
	}
}

func TestPermissionGuardAsksDecisionEngine(t *testing.T) {
	manager, token := issueTestToken(t, time.Minute)

	cases := []struct {
		name       string
		authorizer *fakeAuthorizer
		want       int
	}{
		{"permit", &fakeAuthorizer{decision: domain.DecisionPermit}, http.StatusOK},
		{"deny", &fakeAuthorizer{decision: domain.DecisionDeny}, http.StatusForbidden},
		{"error", &fakeAuthorizer{err: domain.ErrAuthorizationIndeterminate}, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newGuardedRouter(manager, tc.authorizer, true)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			router.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if got := tc.authorizer.last; got.Resource != "iam:roles" || got.Action != "read" || got.ActorID != "user-1" {
				t.Fatalf("unexpected authorize request: %+v", got)
			}
		})
	}
}

func TestPermissionGuardDisabledStillAuthenticates(t *testing.T) {
	manager, token := issueTestToken(t, time.Minute)
	authorizer := &fakeAuthorizer{err: errors.New("must not be called")}
	router := newGuardedRouter(manager, authorizer, false)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "user-1" {
		t.Fatalf("expected 200 with actor, got %d %q", rr.Code, rr.Body.String())
	}
	if authorizer.last.Resource != "" {
		t.Fatal("decision engine consulted while enforcement is off")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}
