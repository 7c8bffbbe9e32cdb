package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// RoleManager is the role catalogue surface used by the handler.
type RoleManager interface {
	ListRoles(ctx context.Context) ([]domain.Role, error)
	GetRoleByName(ctx context.Context, name string) (*domain.Role, error)
	CreateRole(ctx context.Context, actor domain.Actor, input usecase.CreateRoleInput) (usecase.CreateRoleResult, error)
	DeleteRole(ctx context.Context, actor domain.Actor, id domain.RoleID) error
	AddParent(ctx context.Context, roleID, parentID domain.RoleID) error
	RemoveParent(ctx context.Context, roleID, parentID domain.RoleID) error
	GrantPermissions(ctx context.Context, roleID domain.RoleID, inputs []usecase.PermissionInput) ([]domain.Permission, error)
	EffectivePermissions(ctx context.Context, ids []domain.RoleID) ([]domain.Permission, error)
}

// RoleHandler manages roles, the hierarchy and role permissions.
type RoleHandler struct {
	roles RoleManager
}

// NewRoleHandler constructs a RoleHandler.
func NewRoleHandler(roles RoleManager) *RoleHandler {
	return &RoleHandler{roles: roles}
}

var roleErrorCases = []ErrorCase{
	{Err: domain.ErrSystemRoleImmutable, Status: http.StatusForbidden, Message: "system roles cannot be modified"},
	{Err: domain.ErrRoleHierarchyCycle, Status: http.StatusConflict, Message: "role hierarchy would contain a cycle"},
}

// List godoc
// @Summary List roles
// @Tags Roles
// @Produce json
// @Success 200 {object} map[string][]RolePayload
// @Router /api/v1/roles [get]
func (h *RoleHandler) List(c *gin.Context) {
	roles, err := h.roles.ListRoles(c.Request.Context())
	if err != nil {
		RespondWithError(c, err, "failed to list roles")
		return
	}

	out := make([]RolePayload, 0, len(roles))
	for _, role := range roles {
		out = append(out, newRolePayload(role, nil))
	}
	c.JSON(http.StatusOK, gin.H{"roles": out})
}

// Get returns a role by name along with its effective (inherited) permissions.
func (h *RoleHandler) Get(c *gin.Context) {
	role, err := h.roles.GetRoleByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		RespondWithError(c, err, "failed to load role")
		return
	}

	permissions, err := h.roles.EffectivePermissions(c.Request.Context(), []domain.RoleID{role.ID})
	if err != nil {
		RespondWithError(c, err, "failed to resolve role permissions")
		return
	}
	c.JSON(http.StatusOK, newRolePayload(*role, permissions))
}

// Create godoc
// @Summary Create a role
// @Tags Roles
// @Accept json
// @Produce json
// @Param request body RoleCreateRequest true "Role"
// @Success 201 {object} RolePayload
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/roles [post]
func (h *RoleHandler) Create(c *gin.Context) {
	var req RoleCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	parents := make([]domain.RoleID, 0, len(req.ParentIDs))
	for _, id := range req.ParentIDs {
		parents = append(parents, domain.RoleID(id))
	}
	roleType := domain.RoleType(req.Type)
	if roleType == "" {
		roleType = domain.RoleTypeCustom
	}

	result, err := h.roles.CreateRole(c.Request.Context(), middleware.Actor(c), usecase.CreateRoleInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Type:        roleType,
		Permissions: permissionInputs(req.Permissions),
		ParentIDs:   parents,
	})
	if err != nil {
		RespondWithMappedError(c, err, roleErrorCases, "failed to create role")
		return
	}

	c.JSON(http.StatusCreated, newRolePayload(result.Role, result.Permissions))
}

// Delete removes a custom role and every assignment of it.
func (h *RoleHandler) Delete(c *gin.Context) {
	if err := h.roles.DeleteRole(c.Request.Context(), middleware.Actor(c), domain.RoleID(c.Param("id"))); err != nil {
		RespondWithMappedError(c, err, roleErrorCases, "failed to delete role")
		return
	}
	c.Status(http.StatusNoContent)
}

// AddParent makes the path role inherit from the body's parent.
func (h *RoleHandler) AddParent(c *gin.Context) {
	var req RoleParentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	if err := h.roles.AddParent(c.Request.Context(), domain.RoleID(c.Param("id")), domain.RoleID(req.ParentID)); err != nil {
		RespondWithMappedError(c, err, roleErrorCases, "failed to add role parent")
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveParent drops an inheritance edge.
func (h *RoleHandler) RemoveParent(c *gin.Context) {
	if err := h.roles.RemoveParent(c.Request.Context(), domain.RoleID(c.Param("id")), domain.RoleID(c.Param("parentID"))); err != nil {
		RespondWithMappedError(c, err, roleErrorCases, "failed to remove role parent")
		return
	}
	c.Status(http.StatusNoContent)
}

// GrantPermissions attaches permissions, creating unknown ones.
func (h *RoleHandler) GrantPermissions(c *gin.Context) {
	var req RolePermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	permissions, err := h.roles.GrantPermissions(c.Request.Context(), domain.RoleID(c.Param("id")), permissionInputs(req.Permissions))
	if err != nil {
		RespondWithMappedError(c, err, roleErrorCases, "failed to grant permissions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": newPermissionPayloads(permissions)})
}
