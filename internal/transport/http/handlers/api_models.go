package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/usecase"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Error:   errorMsg,
		TraceID: traceIDStr,
	}
}

// CreateSessionRequest is the optional body of the session creation endpoint.
type CreateSessionRequest struct {
	DocumentType string `json:"document_type"`
}

// CreateSessionResponse carries the handoff payload. The token is only ever returned here.
type CreateSessionResponse struct {
	SessionID    string              `json:"session_id"`
	HandoffToken string              `json:"handoff_token"`
	MobileURL    string              `json:"mobile_url"`
	QRCode       string              `json:"qr_code"`
	DocumentType domain.DocumentType `json:"document_type"`
	ExpiresAt    time.Time           `json:"expires_at"`
	Superseded   string              `json:"superseded_session_id,omitempty"`
}

func newCreateSessionResponse(payload *usecase.HandoffPayload) CreateSessionResponse {
	return CreateSessionResponse{
		SessionID:    payload.SessionID,
		HandoffToken: payload.HandoffToken,
		MobileURL:    payload.MobileURL,
		QRCode:       payload.QRCode,
		DocumentType: payload.DocumentType,
		ExpiresAt:    payload.ExpiresAt,
		Superseded:   payload.Superseded,
	}
}

// StepRequest records a step whose artifact was stored out of band.
type StepRequest struct {
	ArtifactRef string `json:"artifact_ref" binding:"required"`
}

// SessionStatusResponse is the status view returned to both devices.
type SessionStatusResponse = usecase.StatusView

// HealthResponse describes the health endpoint payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// ReadyResponse describes the readiness endpoint payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}
