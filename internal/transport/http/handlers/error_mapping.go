package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/usecase"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Code    string
	Message string
}

// verificationErrorCases is ordered so that the most specific sentinel wins.
var verificationErrorCases = []ErrorCase{
	{Err: domain.ErrInvalidToken, Status: http.StatusUnauthorized, Code: "invalid_token", Message: "invalid handoff token"},
	{Err: domain.ErrSessionExpired, Status: http.StatusGone, Code: "session_expired", Message: "verification session expired"},
	{Err: domain.ErrOutOfOrderTransition, Status: http.StatusConflict, Code: "out_of_order_transition", Message: "step submitted out of order"},
	{Err: domain.ErrStepAlreadyRecorded, Status: http.StatusConflict, Code: "step_already_recorded", Message: "step already recorded"},
	{Err: domain.ErrSessionAlreadyTerminal, Status: http.StatusConflict, Code: "session_already_terminal", Message: "verification session already finished"},
	{Err: usecase.ErrConcurrentUpdate, Status: http.StatusConflict, Code: "concurrent_update", Message: "verification session busy, retry"},
	{Err: usecase.ErrSessionNotFound, Status: http.StatusNotFound, Code: "not_found", Message: "verification session not found"},
	{Err: usecase.ErrSessionForbidden, Status: http.StatusForbidden, Code: "forbidden", Message: "verification session belongs to another user"},
	{Err: usecase.ErrUnknownStep, Status: http.StatusBadRequest, Code: "unknown_step", Message: "unknown verification step"},
	{Err: usecase.ErrUnsupportedDocument, Status: http.StatusBadRequest, Code: "unsupported_document", Message: "unsupported document type"},
	{Err: usecase.ErrArtifactRequired, Status: http.StatusBadRequest, Code: "invalid_request", Message: "artifact is required"},
	{Err: usecase.ErrArtifactTooLarge, Status: http.StatusRequestEntityTooLarge, Code: "artifact_too_large", Message: "artifact exceeds size limit"},
	{Err: usecase.ErrUnsupportedContentType, Status: http.StatusUnsupportedMediaType, Code: "unsupported_content_type", Message: "unsupported artifact content type"},
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			resp := NewErrorResponse(c, cs.Message)
			resp.Code = cs.Code
			c.JSON(cs.Status, resp)
			return
		}
	}

	resp := NewErrorResponse(c, fallbackMessage)
	resp.Code = "internal"
	c.JSON(fallbackStatus, resp)
}

// RespondWithVerificationError maps engine and usecase errors onto the verification API.
func RespondWithVerificationError(c *gin.Context, err error) {
	RespondWithMappedError(c, err, verificationErrorCases, http.StatusInternalServerError, "internal server error")
}
