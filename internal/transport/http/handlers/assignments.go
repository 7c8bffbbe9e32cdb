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

// AssignmentManager is the assignment lifecycle surface used by the handler.
type AssignmentManager interface {
	Assign(ctx context.Context, actor domain.Actor, input usecase.AssignInput) (domain.UserRoleAssignment, error)
	Revoke(ctx context.Context, actor domain.Actor, id domain.AssignmentID, reason string) (domain.UserRoleAssignment, error)
	EffectiveAssignments(ctx context.Context, userID domain.UserID, at time.Time) ([]domain.UserRoleAssignment, error)
	ListAssignments(ctx context.Context, userID domain.UserID, at time.Time) ([]domain.UserRoleAssignment, error)
}

// AssignmentHandler manages user role assignments.
type AssignmentHandler struct {
	assignments AssignmentManager
	now         func() time.Time
}

// NewAssignmentHandler constructs an AssignmentHandler.
func NewAssignmentHandler(assignments AssignmentManager) *AssignmentHandler {
	return &AssignmentHandler{assignments: assignments, now: time.Now}
}

var assignmentErrorCases = []ErrorCase{
	{Err: domain.ErrAlreadyTerminal, Status: http.StatusConflict, Message: "assignment is no longer active"},
	{Err: domain.ErrInvalidWindow, Status: http.StatusBadRequest, Message: "effective_until must be after effective_from"},
	{Err: domain.ErrInvalidScope, Status: http.StatusBadRequest, Message: "invalid scope"},
}

// Assign godoc
// @Summary Assign a role to a user
// @Tags Assignments
// @Accept json
// @Produce json
// @Param request body AssignRequest true "Assignment"
// @Success 201 {object} AssignmentPayload
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/assignments [post]
func (h *AssignmentHandler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	scope := domain.Scope(req.Scope)
	if scope == "" {
		scope = domain.ScopeGlobal
	}

	assignment, err := h.assignments.Assign(c.Request.Context(), middleware.Actor(c), usecase.AssignInput{
		UserID:         domain.UserID(req.UserID),
		RoleID:         domain.RoleID(req.RoleID),
		Scope:          scope,
		ScopeContext:   req.ScopeContext,
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveUntil: req.EffectiveUntil,
	})
	if err != nil {
		RespondWithMappedError(c, err, assignmentErrorCases, "failed to assign role")
		return
	}

	c.JSON(http.StatusCreated, newAssignmentPayload(assignment))
}

// Revoke godoc
// @Summary Revoke a role assignment
// @Tags Assignments
// @Accept json
// @Produce json
// @Param id path string true "Assignment ID"
// @Param request body RevokeRequest false "Reason"
// @Success 200 {object} AssignmentPayload
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/assignments/{id} [delete]
func (h *AssignmentHandler) Revoke(c *gin.Context) {
	var req RevokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
			return
		}
	}

	assignment, err := h.assignments.Revoke(c.Request.Context(), middleware.Actor(c), domain.AssignmentID(c.Param("id")), req.Reason)
	if err != nil {
		RespondWithMappedError(c, err, assignmentErrorCases, "failed to revoke assignment")
		return
	}

	c.JSON(http.StatusOK, newAssignmentPayload(assignment))
}

// List returns every assignment of a user with its status as of ?at (default now).
func (h *AssignmentHandler) List(c *gin.Context) { h.list(c, c.Query("effective") == "true") }

// Effective godoc
// @Summary List assignments in force
// @Tags Assignments
// @Produce json
// @Param id path string true "User ID"
// @Param at query string false "RFC 3339 instant, defaults to now"
// @Success 200 {object} map[string][]AssignmentPayload
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/users/{id}/assignments/effective [get]
func (h *AssignmentHandler) Effective(c *gin.Context) { h.list(c, true) }

func (h *AssignmentHandler) list(c *gin.Context, effectiveOnly bool) {
	at := h.now().UTC()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "at must be an RFC 3339 timestamp"))
			return
		}
		at = parsed.UTC()
	}

	userID := domain.UserID(c.Param("id"))
	var (
		assignments []domain.UserRoleAssignment
		err         error
	)
	if effectiveOnly {
		assignments, err = h.assignments.EffectiveAssignments(c.Request.Context(), userID, at)
	} else {
		assignments, err = h.assignments.ListAssignments(c.Request.Context(), userID, at)
	}
	if err != nil {
		RespondWithError(c, err, "failed to list assignments")
		return
	}

	c.JSON(http.StatusOK, gin.H{"assignments": newAssignmentPayloads(assignments)})
}
