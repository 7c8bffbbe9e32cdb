package transportgrpc

import (
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/arklim/iam-access-core/internal/infra/security"
	grpcinterceptors "github.com/arklim/iam-access-core/internal/transport/grpc/interceptors"
)

// ServerDependencies encapsulates services required by the gRPC server layer.
type ServerDependencies struct {
	Decisions      Decider
	Tokens         grpcinterceptors.TokenParser
	ParseOptions   security.ParseOptions
	Metrics        *grpcinterceptors.GRPCMetrics
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
	PublicMethods  []string // methods that don't require authentication
}

// healthCheckMethod is always served without a token so orchestrators can probe it.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

// NewServer wires gRPC services with authentication enforced through interceptors.
func NewServer(deps ServerDependencies) *grpc.Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	authInterceptor := grpcinterceptors.NewAuthInterceptor(deps.Tokens, grpcinterceptors.AuthOptions{
		Logger:       logger,
		Parse:        deps.ParseOptions,
		AllowMethods: append([]string{healthCheckMethod}, deps.PublicMethods...),
	})

	server := grpc.NewServer(
		grpcinterceptors.TracingServerOption(grpcinterceptors.TracingOptions{
			TracerProvider: deps.TracerProvider,
			Propagators:    propagation.TraceContext{},
		}),
		grpc.ChainUnaryInterceptor(
			deps.Metrics.UnaryServerInterceptor(),
			authInterceptor.UnaryServerInterceptor(),
		),
	)

	if deps.Decisions != nil {
		RegisterDecisionServer(server, NewDecisionService(deps.Decisions, logger))
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus(DecisionServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	// Register reflection service for tools like Postman, grpcurl, etc.
	reflection.Register(server)

	return server
}
