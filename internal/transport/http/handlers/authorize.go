package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// Decider answers authorization requests.
type Decider interface {
	Authorize(ctx context.Context, req usecase.AuthorizeRequest) (usecase.AuthorizeResult, error)
}

// DecisionHandler exposes the decision engine over HTTP.
type DecisionHandler struct {
	decider Decider
	logger  *zap.Logger
}

// NewDecisionHandler constructs a DecisionHandler.
func NewDecisionHandler(decider Decider, logger *zap.Logger) *DecisionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionHandler{decider: decider, logger: logger}
}

// Authorize godoc
// @Summary Evaluate an authorization request
// @Description Returns PERMIT or DENY. An ERROR decision is returned with status 503 and must be treated as a denial.
// @Tags Authorization
// @Accept json
// @Produce json
// @Param request body AuthorizeRequest true "Authorization request"
// @Success 200 {object} AuthorizeResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} AuthorizeResponse
// @Router /api/v1/authorize [post]
func (h *DecisionHandler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	scope := domain.Scope(req.Scope)
	if scope == "" {
		scope = domain.ScopeGlobal
	}

	reqCtx := middleware.GetRequestContext(c)
	result, err := h.decider.Authorize(c.Request.Context(), usecase.AuthorizeRequest{
		ActorID:            domain.UserID(req.UserID),
		Resource:           req.Resource,
		Action:             req.Action,
		Scope:              scope,
		ScopeContext:       req.ScopeContext,
		ResourceAttributes: req.ResourceAttributes,
		Context:            req.Context,
		CorrelationID:      reqCtx.TraceID,
		IP:                 reqCtx.IP,
		UserAgent:          reqCtx.UserAgent,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthorizationIndeterminate) {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, newAuthorizeResponse(result))
			return
		}
		RespondWithError(c, err, "failed to evaluate authorization")
		return
	}

	c.JSON(http.StatusOK, newAuthorizeResponse(result))
}
