package transportgrpc

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/infra/security"
	"github.com/arklim/iam-access-core/internal/usecase"
)

type stubDecider struct {
	result usecase.AuthorizeResult
	err    error
	last   usecase.AuthorizeRequest
}

func (s *stubDecider) Authorize(_ context.Context, req usecase.AuthorizeRequest) (usecase.AuthorizeResult, error) {
	s.last = req
	return s.result, s.err
}

type harness struct {
	client *DecisionClient
	token  string
}

func startServer(t *testing.T, decider Decider) harness {
	t.Helper()

	keys, err := security.NewEphemeralKeyProvider("test")
	if err != nil {
		t.Fatalf("NewEphemeralKeyProvider: %v", err)
	}
	manager := security.NewJWTManager(keys)
	issued, err := security.NewAccessTokenIssuer(manager, "iam-test", []string{"iam-api"}, time.Minute).
		IssueAccessToken(context.Background(), port.AccessTokenRequest{UserID: "pep-1"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	listener := bufconn.Listen(1 << 20)
	server := NewServer(ServerDependencies{
		Decisions:    decider,
		Tokens:       manager,
		ParseOptions: security.ParseOptions{Issuer: "iam-test", Audience: "iam-api"},
		Logger:       zaptest.NewLogger(t),
	})
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return harness{client: NewDecisionClient(conn), token: issued.Value.Reveal()}
}

func (h harness) authed() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+h.token)
}

func mustStruct(t *testing.T, in map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(in)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func TestDecisionServiceAuthorizePermit(t *testing.T) {
	decider := &stubDecider{result: usecase.AuthorizeResult{
		Decision:      domain.DecisionPermit,
		PolicyVersion: "sha256:abc",
		CorrelationID: "corr-1",
		Roles:         []string{"editor"},
	}}
	h := startServer(t, decider)

	resp, err := h.client.Authorize(h.authed(), mustStruct(t, map[string]any{
		"user_id":             "u1",
		"resource":            "documents",
		"action":              "edit",
		"resource_attributes": map[string]any{"owner": "u1"},
	}))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got := resp.GetFields()["decision"].GetStringValue(); got != "PERMIT" {
		t.Fatalf("expected PERMIT, got %q", got)
	}
	if decider.last.Scope != domain.ScopeGlobal || decider.last.ResourceAttributes["owner"] != "u1" {
		t.Fatalf("unexpected request %+v", decider.last)
	}
}

func TestDecisionServiceRequiresToken(t *testing.T) {
	h := startServer(t, &stubDecider{})

	_, err := h.client.Authorize(context.Background(), mustStruct(t, map[string]any{"user_id": "u1", "resource": "r", "action": "a"}))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestDecisionServiceValidatesRequest(t *testing.T) {
	h := startServer(t, &stubDecider{})

	_, err := h.client.Authorize(h.authed(), mustStruct(t, map[string]any{"user_id": "u1"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestDecisionServiceIndeterminateCarriesErrorDecision(t *testing.T) {
	h := startServer(t, &stubDecider{
		result: usecase.AuthorizeResult{Decision: domain.DecisionError, CorrelationID: "corr-2"},
		err:    fmt.Errorf("%w: policy store", domain.ErrAuthorizationIndeterminate),
	})

	_, err := h.client.Authorize(h.authed(), mustStruct(t, map[string]any{"user_id": "u1", "resource": "r", "action": "a"}))
	st := status.Convert(err)
	if st.Code() != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	details := st.Details()
	if len(details) != 1 {
		t.Fatalf("expected one status detail, got %d", len(details))
	}
	detail, ok := details[0].(*structpb.Struct)
	if !ok || detail.GetFields()["decision"].GetStringValue() != "ERROR" {
		t.Fatalf("unexpected detail %#v", details[0])
	}
}
