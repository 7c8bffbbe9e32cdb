package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/infra/security"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// ErrorResponse matches the handlers.ErrorResponse structure.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

func newErrorResponse(c *gin.Context, msg string) ErrorResponse {
	return ErrorResponse{Error: msg, TraceID: GetTraceID(c)}
}

// TokenParser verifies access tokens issued by this service.
type TokenParser interface {
	ParseAccessToken(raw string, opts security.ParseOptions) (*security.AccessTokenClaims, error)
}

// Authorizer is the decision engine as seen by the admin routes.
type Authorizer interface {
	Authorize(ctx context.Context, req usecase.AuthorizeRequest) (usecase.AuthorizeResult, error)
}

// RequireAuth validates the Bearer token and stores the caller on the context.
func RequireAuth(parser TokenParser, opts security.ParseOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "bearer token required"))
			return
		}

		claims, err := parser.ParseAccessToken(strings.TrimSpace(token), opts)
		if err != nil {
			msg := "invalid access token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "access token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, msg))
			return
		}

		c.Set(UserIDKey, claims.UserID)
		GetRequestContext(c).UserID = claims.UserID

		c.Next()
	}
}

// PermissionGuard asks the decision engine whether the caller may administer an area.
type PermissionGuard struct {
	authorizer Authorizer
	enforced   bool
	logger     *zap.Logger
}

// NewPermissionGuard constructs a guard. With enforced false every authenticated caller passes,
// which is only meant for bootstrapping the first administrator.
func NewPermissionGuard(authorizer Authorizer, enforced bool, logger *zap.Logger) *PermissionGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionGuard{authorizer: authorizer, enforced: enforced, logger: logger}
}

// Require permits the request only on a PERMIT for resource iam:<area>. Reads map to the
// "read" action, everything else to "manage".
func (g *PermissionGuard) Require(area string) gin.HandlerFunc {
	resource := "iam:" + area
	return func(c *gin.Context) {
		if !g.enforced {
			c.Next()
			return
		}

		userID := c.GetString(UserIDKey)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "authentication required"))
			return
		}

		action := "manage"
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			action = "read"
		}

		reqCtx := GetRequestContext(c)
		result, err := g.authorizer.Authorize(c.Request.Context(), usecase.AuthorizeRequest{
			ActorID:       domain.UserID(userID),
			Resource:      resource,
			Action:        action,
			Scope:         domain.ScopeGlobal,
			CorrelationID: reqCtx.TraceID,
			IP:            reqCtx.IP,
			UserAgent:     reqCtx.UserAgent,
		})
		if err != nil {
			g.logger.Warn("admin authorization indeterminate",
				zap.String("resource", resource),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, newErrorResponse(c, "authorization unavailable"))
			return
		}
		if result.Decision != domain.DecisionPermit {
			c.AbortWithStatusJSON(http.StatusForbidden, newErrorResponse(c, "insufficient permissions"))
			return
		}

		c.Next()
	}
}
