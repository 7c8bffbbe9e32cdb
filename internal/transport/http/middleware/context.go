package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

const (
	// TraceIDHeader carries the correlation id across services.
	TraceIDHeader = "X-Trace-ID"
	// TraceIDKey is the gin context key for the correlation id.
	TraceIDKey = "trace_id"
	// UserIDKey is the gin context key for the authenticated user id.
	UserIDKey = "user_id"

	requestContextKey = "request_context"
)

// RequestContext holds request-scoped values forwarded into audit records.
type RequestContext struct {
	TraceID   string
	UserID    string
	IP        string
	UserAgent string
}

// EnrichContext assigns a trace id (reusing an inbound X-Trace-ID) and records client metadata.
func EnrichContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)
		c.Set(requestContextKey, &RequestContext{
			TraceID:   traceID,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})

		c.Next()
	}
}

// GetTraceID retrieves the trace id from the context.
func GetTraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}

// GetRequestContext never returns nil.
func GetRequestContext(c *gin.Context) *RequestContext {
	if v, ok := c.Get(requestContextKey); ok {
		if reqCtx, ok := v.(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{}
}

// Actor returns the authenticated caller, or the anonymous system actor on open routes.
func Actor(c *gin.Context) domain.Actor {
	if id := c.GetString(UserIDKey); id != "" {
		return domain.UserActor(domain.UserID(id))
	}
	return domain.Actor{ID: "anonymous", Type: domain.ActorSystem}
}
