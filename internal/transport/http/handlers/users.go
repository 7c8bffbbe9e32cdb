package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// UserManager is the account lifecycle surface used by the handler.
type UserManager interface {
	CreateUser(ctx context.Context, actor domain.Actor, input usecase.CreateUserInput) (domain.User, error)
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	ChangeStatus(ctx context.Context, actor domain.Actor, id domain.UserID, status domain.UserStatus) (domain.User, error)
	DeleteUser(ctx context.Context, actor domain.Actor, id domain.UserID) error
	ListIdentities(ctx context.Context, id domain.UserID) ([]domain.FederatedIdentity, error)
	UnlinkIdentity(ctx context.Context, actor domain.Actor, userID domain.UserID, identityID domain.FederatedIdentityID) error
}

// UserHandler manages local accounts and their federated links.
type UserHandler struct {
	users UserManager
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(users UserManager) *UserHandler {
	return &UserHandler{users: users}
}

var userErrorCases = []ErrorCase{
	{Err: domain.ErrInvalidUsername, Status: http.StatusBadRequest, Message: "invalid username"},
	{Err: domain.ErrInvalidEmail, Status: http.StatusBadRequest, Message: "invalid email"},
	{Err: domain.ErrInvalidTransition, Status: http.StatusConflict, Message: "status transition not allowed"},
}

// Create godoc
// @Summary Create a user
// @Tags Users
// @Accept json
// @Produce json
// @Param request body UserCreateRequest true "User"
// @Success 201 {object} UserPayload
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/users [post]
func (h *UserHandler) Create(c *gin.Context) {
	var req UserCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	user, err := h.users.CreateUser(c.Request.Context(), middleware.Actor(c), usecase.CreateUserInput{
		Username:    req.Username,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Metadata:    req.Metadata,
	})
	if err != nil {
		RespondWithMappedError(c, err, userErrorCases, "failed to create user")
		return
	}
	c.JSON(http.StatusCreated, newUserPayload(user))
}

// Get returns a user.
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		RespondWithError(c, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, newUserPayload(*user))
}

// ChangeStatus moves a user through its status lifecycle.
func (h *UserHandler) ChangeStatus(c *gin.Context) {
	var req UserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	user, err := h.users.ChangeStatus(c.Request.Context(), middleware.Actor(c), domain.UserID(c.Param("id")), domain.UserStatus(req.Status))
	if err != nil {
		RespondWithMappedError(c, err, userErrorCases, "failed to change user status")
		return
	}
	c.JSON(http.StatusOK, newUserPayload(user))
}

// Delete removes a user.
func (h *UserHandler) Delete(c *gin.Context) {
	if err := h.users.DeleteUser(c.Request.Context(), middleware.Actor(c), domain.UserID(c.Param("id"))); err != nil {
		RespondWithError(c, err, "failed to delete user")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListIdentities returns the federated identities linked to a user.
func (h *UserHandler) ListIdentities(c *gin.Context) {
	identities, err := h.users.ListIdentities(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		RespondWithError(c, err, "failed to list identities")
		return
	}

	out := make([]IdentityPayload, 0, len(identities))
	for _, i := range identities {
		out = append(out, IdentityPayload{
			ID:           i.ID.String(),
			ProviderID:   i.ProviderID.String(),
			SubjectID:    i.SubjectID,
			Issuer:       i.Issuer,
			LinkedAt:     i.LinkedAt,
			LastSyncedAt: i.LastSyncedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"identities": out})
}

// UnlinkIdentity removes a federated identity link.
func (h *UserHandler) UnlinkIdentity(c *gin.Context) {
	err := h.users.UnlinkIdentity(c.Request.Context(), middleware.Actor(c), domain.UserID(c.Param("id")), domain.FederatedIdentityID(c.Param("identityID")))
	if err != nil {
		RespondWithError(c, err, "failed to unlink identity")
		return
	}
	c.Status(http.StatusNoContent)
}
