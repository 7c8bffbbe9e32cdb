package interceptors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arklim/iam-access-core/internal/infra/security"
)

type stubTokenParser struct {
	claims *security.AccessTokenClaims
	err    error
	opts   security.ParseOptions
	raw    string
}

func (s *stubTokenParser) ParseAccessToken(raw string, opts security.ParseOptions) (*security.AccessTokenClaims, error) {
	s.raw = raw
	s.opts = opts
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

var privateMethod = &grpc.UnaryServerInfo{FullMethod: "/iam.access.v1.DecisionService/Authorize"}

func rejectHandler(t *testing.T) grpc.UnaryHandler {
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatalf("handler should not be invoked")
		return nil, nil
	}
}

func TestAuthInterceptorAllowsValidTokens(t *testing.T) {
	parser := &stubTokenParser{claims: &security.AccessTokenClaims{UserID: "user-123"}}
	interceptor := NewAuthInterceptor(parser, AuthOptions{
		Logger: zaptest.NewLogger(t),
		Parse:  security.ParseOptions{Issuer: "iam", Audience: "iam-api"},
	}).UnaryServerInterceptor()

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		got, ok := ClaimsFromContext(ctx)
		if !ok || got.UserID != "user-123" {
			t.Fatalf("claims missing from context")
		}
		return "ok", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token-value"))
	if _, err := interceptor(ctx, struct{}{}, privateMethod, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parser.raw != "token-value" || parser.opts.Issuer != "iam" {
		t.Fatalf("parser received %q with %+v", parser.raw, parser.opts)
	}
}

func TestAuthInterceptorRejectsMissingToken(t *testing.T) {
	interceptor := NewAuthInterceptor(&stubTokenParser{}, AuthOptions{}).UnaryServerInterceptor()

	if _, err := interceptor(context.Background(), struct{}{}, privateMethod, rejectHandler(t)); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestAuthInterceptorRejectsNonBearerScheme(t *testing.T) {
	interceptor := NewAuthInterceptor(&stubTokenParser{}, AuthOptions{}).UnaryServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic dXNlcjpwYXNz"))
	if _, err := interceptor(ctx, struct{}{}, privateMethod, rejectHandler(t)); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestAuthInterceptorPassesThroughAllowedMethods(t *testing.T) {
	parser := &stubTokenParser{err: errors.New("should not be called")}
	interceptor := NewAuthInterceptor(parser, AuthOptions{AllowMethods: []string{"/grpc.health.v1.Health/Check"}}).UnaryServerInterceptor()

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "pong", nil
	}); err != nil {
		t.Fatalf("expected allowed method to succeed, got %v", err)
	}
}

func TestAuthInterceptorMapsExpiredTokens(t *testing.T) {
	parser := &stubTokenParser{err: fmt.Errorf("parse access token: %w", jwt.ErrTokenExpired)}
	interceptor := NewAuthInterceptor(parser, AuthOptions{}).UnaryServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token"))
	_, err := interceptor(ctx, struct{}{}, privateMethod, rejectHandler(t))
	if status.Code(err) != codes.Unauthenticated || status.Convert(err).Message() != "access token expired" {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestAuthInterceptorFailsClosedWithoutParser(t *testing.T) {
	interceptor := NewAuthInterceptor(nil, AuthOptions{}).UnaryServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token"))
	if _, err := interceptor(ctx, struct{}{}, privateMethod, rejectHandler(t)); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}
