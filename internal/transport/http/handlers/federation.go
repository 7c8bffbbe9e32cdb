package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// Federator drives the OIDC authorization-code flow.
type Federator interface {
	Initiate(ctx context.Context, providerID domain.ProviderID, redirectURI string) (usecase.InitiateResult, error)
	HandleCallback(ctx context.Context, in usecase.CallbackInput) (usecase.AuthenticationResult, error)
}

// FederationHandler exposes login initiation and callback completion.
// The caller (typically a browser-facing backend) keeps state, nonce and verifier between the two calls.
type FederationHandler struct {
	federation      Federator
	redirectBaseURL string
}

// NewFederationHandler constructs a FederationHandler. redirectBaseURL is used when a request omits redirect_uri.
func NewFederationHandler(federation Federator, redirectBaseURL string) *FederationHandler {
	return &FederationHandler{federation: federation, redirectBaseURL: redirectBaseURL}
}

var federationErrorCases = []ErrorCase{
	{Err: domain.ErrStateMismatch, Status: http.StatusUnauthorized, Message: "state mismatch"},
	{Err: domain.ErrStateReplayed, Status: http.StatusUnauthorized, Message: "state already used"},
	{Err: domain.ErrNonceMismatch, Status: http.StatusUnauthorized, Message: "nonce mismatch"},
	{Err: domain.ErrProviderNotFound, Status: http.StatusNotFound, Message: "provider not found"},
	{Err: domain.ErrProviderDisabled, Status: http.StatusForbidden, Message: "provider disabled"},
	{Err: domain.ErrProvisioningDisabled, Status: http.StatusForbidden, Message: "no linked account and provisioning is disabled"},
}

// Initiate godoc
// @Summary Start an OIDC login
// @Tags Federation
// @Accept json
// @Produce json
// @Param id path string true "Provider ID"
// @Param request body InitiateRequest false "Redirect"
// @Success 200 {object} InitiateResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/oidc/{id}/initiate [post]
func (h *FederationHandler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
			return
		}
	}

	providerID := domain.ProviderID(c.Param("id"))
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = h.defaultRedirect(providerID)
	}

	result, err := h.federation.Initiate(c.Request.Context(), providerID, redirectURI)
	if err != nil {
		RespondWithMappedError(c, err, federationErrorCases, "failed to initiate login")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, InitiateResponse{
		AuthorizationURL: result.AuthorizationURL,
		State:            result.State,
		Nonce:            result.Nonce,
		CodeVerifier:     result.CodeVerifier,
		ExpiresAt:        result.ExpiresAt,
	})
}

// Callback godoc
// @Summary Complete an OIDC login
// @Tags Federation
// @Accept json
// @Produce json
// @Param id path string true "Provider ID"
// @Param request body CallbackRequest true "Callback"
// @Success 200 {object} CallbackResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/oidc/{id}/callback [post]
func (h *FederationHandler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	providerID := domain.ProviderID(c.Param("id"))
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = h.defaultRedirect(providerID)
	}

	reqCtx := middleware.GetRequestContext(c)
	result, err := h.federation.HandleCallback(c.Request.Context(), usecase.CallbackInput{
		ProviderID:    providerID,
		Code:          req.Code,
		State:         req.State,
		ExpectedState: req.ExpectedState,
		ExpectedNonce: req.ExpectedNonce,
		CodeVerifier:  req.CodeVerifier,
		RedirectURI:   redirectURI,
		CorrelationID: reqCtx.TraceID,
		IP:            reqCtx.IP,
		UserAgent:     reqCtx.UserAgent,
	})
	if err != nil {
		RespondWithMappedError(c, err, federationErrorCases, "failed to complete login")
		return
	}

	resp := CallbackResponse{
		UserID:        result.User.ID.String(),
		Username:      result.User.Username,
		Outcome:       string(result.Outcome),
		Roles:         result.Roles,
		CorrelationID: result.CorrelationID,
	}
	if result.AccessToken != nil {
		expires := result.AccessToken.ExpiresAt.UTC().Truncate(time.Second)
		resp.AccessToken = result.AccessToken.Value.Reveal()
		resp.TokenType = "Bearer"
		resp.ExpiresAt = &expires
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

func (h *FederationHandler) defaultRedirect(providerID domain.ProviderID) string {
	if h.redirectBaseURL == "" {
		return ""
	}
	return h.redirectBaseURL + "/" + providerID.String() + "/callback"
}
