package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
)

// ProviderManager is the OIDC provider administration surface used by the handler.
type ProviderManager interface {
	CreateProvider(ctx context.Context, actor domain.Actor, provider domain.OIDCProviderConfig) (domain.OIDCProviderConfig, error)
	UpdateProvider(ctx context.Context, actor domain.Actor, id domain.ProviderID, update domain.OIDCProviderConfig, expectedVersion int64) (domain.OIDCProviderConfig, error)
	SetEnabled(ctx context.Context, actor domain.Actor, id domain.ProviderID, enabled bool) (domain.OIDCProviderConfig, error)
	GetProvider(ctx context.Context, id domain.ProviderID) (*domain.OIDCProviderConfig, error)
	ListProviders(ctx context.Context) ([]domain.OIDCProviderConfig, error)
}

// ProviderHandler administers OIDC identity providers.
type ProviderHandler struct {
	providers ProviderManager
}

// NewProviderHandler constructs a ProviderHandler.
func NewProviderHandler(providers ProviderManager) *ProviderHandler {
	return &ProviderHandler{providers: providers}
}

var providerErrorCases = []ErrorCase{
	{Err: domain.ErrStaleVersion, Status: http.StatusConflict, Message: "provider was modified concurrently"},
}

// List returns every configured provider. Client secrets are redacted.
func (h *ProviderHandler) List(c *gin.Context) {
	providers, err := h.providers.ListProviders(c.Request.Context())
	if err != nil {
		RespondWithError(c, err, "failed to list providers")
		return
	}

	out := make([]ProviderPayload, 0, len(providers))
	for _, p := range providers {
		out = append(out, newProviderPayload(p))
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// Get returns a single provider.
func (h *ProviderHandler) Get(c *gin.Context) {
	provider, err := h.providers.GetProvider(c.Request.Context(), domain.ProviderID(c.Param("id")))
	if err != nil {
		RespondWithError(c, err, "failed to load provider")
		return
	}
	c.JSON(http.StatusOK, newProviderPayload(*provider))
}

// Create godoc
// @Summary Register an OIDC provider
// @Tags Providers
// @Accept json
// @Produce json
// @Param request body ProviderRequest true "Provider"
// @Success 201 {object} ProviderPayload
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/providers [post]
func (h *ProviderHandler) Create(c *gin.Context) {
	var req ProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	provider, err := h.providers.CreateProvider(c.Request.Context(), middleware.Actor(c), req.config())
	if err != nil {
		RespondWithMappedError(c, err, providerErrorCases, "failed to create provider")
		return
	}
	c.JSON(http.StatusCreated, newProviderPayload(provider))
}

// Update replaces a provider configuration. An empty client_secret keeps the stored one.
func (h *ProviderHandler) Update(c *gin.Context) {
	var req ProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	provider, err := h.providers.UpdateProvider(c.Request.Context(), middleware.Actor(c), domain.ProviderID(c.Param("id")), req.config(), req.ExpectedVersion)
	if err != nil {
		RespondWithMappedError(c, err, providerErrorCases, "failed to update provider")
		return
	}
	c.JSON(http.StatusOK, newProviderPayload(provider))
}

// Enable switches a provider on.
func (h *ProviderHandler) Enable(c *gin.Context) { h.setEnabled(c, true) }

// Disable switches a provider off. New logins through it are refused.
func (h *ProviderHandler) Disable(c *gin.Context) { h.setEnabled(c, false) }

func (h *ProviderHandler) setEnabled(c *gin.Context, enabled bool) {
	provider, err := h.providers.SetEnabled(c.Request.Context(), middleware.Actor(c), domain.ProviderID(c.Param("id")), enabled)
	if err != nil {
		RespondWithMappedError(c, err, providerErrorCases, "failed to change provider state")
		return
	}
	c.JSON(http.StatusOK, newProviderPayload(provider))
}
