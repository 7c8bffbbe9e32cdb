package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// AuditFinder queries the audit trail.
type AuditFinder interface {
	Find(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// AuditHandler serves read-only audit queries.
type AuditHandler struct {
	audit AuditFinder
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(audit AuditFinder) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// Find godoc
// @Summary Query audit entries
// @Tags Audit
// @Produce json
// @Param actor_id query string false "Actor"
// @Param subject_id query string false "Subject"
// @Param event_type query string false "Event type"
// @Param correlation_id query string false "Correlation id"
// @Param from query string false "RFC 3339 lower bound"
// @Param to query string false "RFC 3339 upper bound"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} map[string][]AuditPayload
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/audit [get]
func (h *AuditHandler) Find(c *gin.Context) {
	filter := domain.AuditFilter{
		ActorID:       c.Query("actor_id"),
		SubjectID:     c.Query("subject_id"),
		EventType:     domain.EventType(c.Query("event_type")),
		CorrelationID: c.Query("correlation_id"),
	}

	var err error
	if filter.From, err = parseTimeQuery(c, "from"); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "from must be an RFC 3339 timestamp"))
		return
	}
	if filter.To, err = parseTimeQuery(c, "to"); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "to must be an RFC 3339 timestamp"))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	entries, err := h.audit.Find(c.Request.Context(), filter)
	if err != nil {
		RespondWithError(c, err, "failed to query audit log")
		return
	}

	out := make([]AuditPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, newAuditPayload(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func parseTimeQuery(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
