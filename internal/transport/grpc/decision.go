package transportgrpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/usecase"
)

const (
	// DecisionServiceName is the fully qualified gRPC service name.
	DecisionServiceName = "iam.access.v1.DecisionService"
	// AuthorizeMethod is the full method name used by interceptors and clients.
	AuthorizeMethod = "/" + DecisionServiceName + "/Authorize"
)

// Decider answers authorization requests.
type Decider interface {
	Authorize(ctx context.Context, req usecase.AuthorizeRequest) (usecase.AuthorizeResult, error)
}

// DecisionServer is the server API for iam.access.v1.DecisionService.
type DecisionServer interface {
	Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// DecisionServiceDesc describes the service. Messages are google.protobuf.Struct so no generated stubs are needed.
var DecisionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionServiceName,
	HandlerType: (*DecisionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iam/access/v1/decision.proto",
}

func authorizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AuthorizeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DecisionServer).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterDecisionServer attaches srv to s.
func RegisterDecisionServer(s grpc.ServiceRegistrar, srv DecisionServer) {
	s.RegisterService(&DecisionServiceDesc, srv)
}

// DecisionService adapts the decision engine to the gRPC contract.
type DecisionService struct {
	decider Decider
	logger  *zap.Logger
}

// NewDecisionService constructs a DecisionService.
func NewDecisionService(decider Decider, logger *zap.Logger) *DecisionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionService{decider: decider, logger: logger}
}

// Authorize expects user_id, resource and action, plus optional scope, scope_context,
// correlation_id, resource_attributes and context. An indeterminate outcome is returned as
// codes.Unavailable carrying the ERROR decision as a status detail.
func (s *DecisionService) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	request := usecase.AuthorizeRequest{
		ActorID:            domain.UserID(stringField(fields, "user_id")),
		Resource:           stringField(fields, "resource"),
		Action:             stringField(fields, "action"),
		Scope:              domain.Scope(stringField(fields, "scope")),
		ScopeContext:       stringField(fields, "scope_context"),
		CorrelationID:      stringField(fields, "correlation_id"),
		ResourceAttributes: structField(fields, "resource_attributes"),
		Context:            structField(fields, "context"),
	}
	if request.ActorID == "" || request.Resource == "" || request.Action == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id, resource and action are required")
	}
	if request.Scope == "" {
		request.Scope = domain.ScopeGlobal
	}

	result, err := s.decider.Authorize(ctx, request)
	if err != nil && !errors.Is(err, domain.ErrAuthorizationIndeterminate) {
		return nil, status.Error(codeFor(err), err.Error())
	}

	resp, convErr := resultStruct(result)
	if convErr != nil {
		s.logger.Error("encode decision response", zap.Error(convErr))
		return nil, status.Error(codes.Internal, "failed to encode decision")
	}

	if err != nil {
		st := status.New(codes.Unavailable, "authorization indeterminate")
		if detailed, detailErr := st.WithDetails(resp); detailErr == nil {
			st = detailed
		}
		return nil, st.Err()
	}
	return resp, nil
}

func resultStruct(result usecase.AuthorizeResult) (*structpb.Struct, error) {
	roles := make([]any, 0, len(result.Roles))
	for _, role := range result.Roles {
		roles = append(roles, role)
	}
	out := map[string]any{
		"decision":       string(result.Decision),
		"policy_version": result.PolicyVersion,
		"correlation_id": result.CorrelationID,
		"roles":          roles,
		"audit_degraded": result.AuditDegraded,
	}
	if result.Reason != "" {
		out["reason"] = result.Reason
	}
	return structpb.NewStruct(out)
}

func codeFor(err error) codes.Code {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return codes.InvalidArgument
	case domain.KindNotFound:
		return codes.NotFound
	case domain.KindForbidden:
		return codes.PermissionDenied
	case domain.KindUnauthorized:
		return codes.Unauthenticated
	case domain.KindUnavailable, domain.KindIndeterminate:
		return codes.Unavailable
	case domain.KindConflict:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

func stringField(fields map[string]*structpb.Value, key string) string {
	if v, ok := fields[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func structField(fields map[string]*structpb.Value, key string) map[string]any {
	if v, ok := fields[key]; ok && v.GetStructValue() != nil {
		return v.GetStructValue().AsMap()
	}
	return nil
}

// DecisionClient calls iam.access.v1.DecisionService.
type DecisionClient struct {
	conn grpc.ClientConnInterface
}

// NewDecisionClient wraps an established connection.
func NewDecisionClient(conn grpc.ClientConnInterface) *DecisionClient {
	return &DecisionClient{conn: conn}
}

// Authorize invokes the remote decision engine.
func (c *DecisionClient) Authorize(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, AuthorizeMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
