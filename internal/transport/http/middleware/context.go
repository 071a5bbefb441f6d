package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/arklim/social-platform-verification/internal/infra/logger"
)

const (
	TraceIDHeader   = "X-Trace-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDKey      = "trace_id"
	// UserIDKey holds the owner user id once either the owner or the handoff credential is accepted.
	UserIDKey = "user_id"

	requestContextKey = "request_context"
)

// RequestContext carries the correlation data written to access and rejection logs.
type RequestContext struct {
	TraceID     string
	RequestID   string
	SessionID   string
	OwnerUserID string
	ClientIP    string
}

// EnrichContext assigns the trace id echoed back to clients. An active OpenTelemetry span wins over
// the inbound header so log lines and exported spans share one id.
func EnrichContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := ""
		if span := trace.SpanContextFromContext(c.Request.Context()); span.HasTraceID() {
			traceID = span.TraceID().String()
		}
		if traceID == "" {
			traceID = c.GetHeader(TraceIDHeader)
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)
		c.Set(requestContextKey, &RequestContext{
			TraceID:   traceID,
			SessionID: c.Param(sessionIDParam),
			ClientIP:  c.ClientIP(),
		})

		c.Next()
	}
}

// RequestID propagates X-Request-ID into the request context so logger.WithContext picks it up.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		c.Writer.Header().Set(RequestIDHeader, reqID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey{}, reqID))
		GetRequestContext(c).RequestID = reqID

		c.Next()
	}
}

func GetTraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}

// GetRequestContext never returns nil; outside EnrichContext it hands back a detached value.
func GetRequestContext(c *gin.Context) *RequestContext {
	if value, exists := c.Get(requestContextKey); exists {
		if reqCtx, ok := value.(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{}
}
