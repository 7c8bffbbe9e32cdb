package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// PolicyManager is the policy administration surface used by the handler.
type PolicyManager interface {
	CreatePolicy(ctx context.Context, actor domain.Actor, input usecase.PolicyInput) (domain.Policy, error)
	UpdatePolicy(ctx context.Context, actor domain.Actor, name string, input usecase.PolicyInput, expectedVersion int64) (domain.Policy, error)
	SetEnabled(ctx context.Context, actor domain.Actor, name string, enabled bool) (domain.Policy, error)
	DeletePolicy(ctx context.Context, actor domain.Actor, name string) error
	GetPolicy(ctx context.Context, name string) (*domain.Policy, error)
	ListPolicies(ctx context.Context, policyType domain.PolicyType) ([]domain.Policy, error)
}

// RelationshipManager stores ReBAC tuples.
type RelationshipManager interface {
	Write(ctx context.Context, actor domain.Actor, tuple domain.RelationshipTuple) error
	Delete(ctx context.Context, actor domain.Actor, tuple domain.RelationshipTuple) error
	ListBySubject(ctx context.Context, subject string) ([]domain.RelationshipTuple, error)
}

// PolicyHandler administers authorization policies and relationship tuples.
type PolicyHandler struct {
	policies      PolicyManager
	relationships RelationshipManager
}

// NewPolicyHandler constructs a PolicyHandler.
func NewPolicyHandler(policies PolicyManager, relationships RelationshipManager) *PolicyHandler {
	return &PolicyHandler{policies: policies, relationships: relationships}
}

var policyErrorCases = []ErrorCase{
	{Err: domain.ErrInvalidPolicy, Status: http.StatusBadRequest, Message: "invalid policy definition"},
	{Err: domain.ErrStaleVersion, Status: http.StatusConflict, Message: "policy was modified concurrently"},
}

// List returns policies, optionally filtered by ?type=RBAC|ABAC|REBAC.
func (h *PolicyHandler) List(c *gin.Context) {
	policies, err := h.policies.ListPolicies(c.Request.Context(), domain.PolicyType(c.Query("type")))
	if err != nil {
		RespondWithError(c, err, "failed to list policies")
		return
	}

	out := make([]PolicyPayload, 0, len(policies))
	for _, p := range policies {
		out = append(out, newPolicyPayload(p))
	}
	c.JSON(http.StatusOK, gin.H{"policies": out})
}

// Get returns a single policy.
func (h *PolicyHandler) Get(c *gin.Context) {
	policy, err := h.policies.GetPolicy(c.Request.Context(), c.Param("name"))
	if err != nil {
		RespondWithError(c, err, "failed to load policy")
		return
	}
	c.JSON(http.StatusOK, newPolicyPayload(*policy))
}

// Create godoc
// @Summary Create a policy
// @Tags Policies
// @Accept json
// @Produce json
// @Param request body PolicyRequest true "Policy"
// @Success 201 {object} PolicyPayload
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/policies [post]
func (h *PolicyHandler) Create(c *gin.Context) {
	var req PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	policy, err := h.policies.CreatePolicy(c.Request.Context(), middleware.Actor(c), req.input())
	if err != nil {
		RespondWithMappedError(c, err, policyErrorCases, "failed to create policy")
		return
	}
	c.JSON(http.StatusCreated, newPolicyPayload(policy))
}

// Update replaces a policy definition when expected_version matches the stored one.
func (h *PolicyHandler) Update(c *gin.Context) {
	var req PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	policy, err := h.policies.UpdatePolicy(c.Request.Context(), middleware.Actor(c), c.Param("name"), req.input(), req.ExpectedVersion)
	if err != nil {
		RespondWithMappedError(c, err, policyErrorCases, "failed to update policy")
		return
	}
	c.JSON(http.StatusOK, newPolicyPayload(policy))
}

// Enable switches a policy on.
func (h *PolicyHandler) Enable(c *gin.Context) { h.setEnabled(c, true) }

// Disable switches a policy off.
func (h *PolicyHandler) Disable(c *gin.Context) { h.setEnabled(c, false) }

func (h *PolicyHandler) setEnabled(c *gin.Context, enabled bool) {
	policy, err := h.policies.SetEnabled(c.Request.Context(), middleware.Actor(c), c.Param("name"), enabled)
	if err != nil {
		RespondWithMappedError(c, err, policyErrorCases, "failed to change policy state")
		return
	}
	c.JSON(http.StatusOK, newPolicyPayload(policy))
}

// Delete removes a policy.
func (h *PolicyHandler) Delete(c *gin.Context) {
	if err := h.policies.DeletePolicy(c.Request.Context(), middleware.Actor(c), c.Param("name")); err != nil {
		RespondWithMappedError(c, err, policyErrorCases, "failed to delete policy")
		return
	}
	c.Status(http.StatusNoContent)
}

// WriteRelationship stores a relationship tuple.
func (h *PolicyHandler) WriteRelationship(c *gin.Context) {
	var req RelationshipPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	if err := h.relationships.Write(c.Request.Context(), middleware.Actor(c), req.tuple()); err != nil {
		RespondWithError(c, err, "failed to write relationship")
		return
	}
	c.JSON(http.StatusCreated, req)
}

// DeleteRelationship removes a relationship tuple.
func (h *PolicyHandler) DeleteRelationship(c *gin.Context) {
	var req RelationshipPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	if err := h.relationships.Delete(c.Request.Context(), middleware.Actor(c), req.tuple()); err != nil {
		RespondWithError(c, err, "failed to delete relationship")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRelationships returns the tuples whose subject is ?subject.
func (h *PolicyHandler) ListRelationships(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "subject query parameter is required"))
		return
	}

	tuples, err := h.relationships.ListBySubject(c.Request.Context(), subject)
	if err != nil {
		RespondWithError(c, err, "failed to list relationships")
		return
	}

	out := make([]RelationshipPayload, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, RelationshipPayload{Object: t.Object, Relation: t.Relation, Subject: t.Subject})
	}
	c.JSON(http.StatusOK, gin.H{"relationships": out})
}
