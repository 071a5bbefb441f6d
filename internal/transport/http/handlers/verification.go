package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appLogger "github.com/arklim/social-platform-verification/internal/infra/logger"
	"github.com/arklim/social-platform-verification/internal/transport/http/middleware"
	"github.com/arklim/social-platform-verification/internal/usecase"
)

const artifactFormField = "file"

// VerificationHandler exposes the desktop and mobile verification endpoints.
type VerificationHandler struct {
	handoff *usecase.HandoffService
	status  *usecase.StatusService
	steps   *usecase.StepRecorder
	logger  *zap.Logger
}

// NewVerificationHandler constructs a verification handler.
func NewVerificationHandler(handoff *usecase.HandoffService, status *usecase.StatusService, steps *usecase.StepRecorder, logger *zap.Logger) *VerificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationHandler{handoff: handoff, status: status, steps: steps, logger: logger}
}

// CreateSession godoc
// @Summary Start a verification session
// @Description Creates a session for the authenticated owner, superseding any active one, and returns the one-time handoff payload.
// @Tags Verification
// @Security Bearer
// @Accept json
// @Produce json
// @Param request body CreateSessionRequest false "Document type, id_card when omitted"
// @Success 201 {object} CreateSessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} middleware.ProblemDetails
// @Router /api/v1/verification/sessions [post]
func (h *VerificationHandler) CreateSession(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		resp := NewErrorResponse(c, "invalid request body")
		resp.Code = "invalid_request"
		c.JSON(http.StatusBadRequest, resp)
		return
	}

	payload, err := h.handoff.CreateHandoff(c.Request.Context(), userID, req.DocumentType)
	if err != nil {
		h.respondError(c, "", err)
		return
	}

	c.JSON(http.StatusCreated, newCreateSessionResponse(payload))
}

// GetActiveSession godoc
// @Summary Fetch the owner's active session
// @Tags Verification
// @Security Bearer
// @Produce json
// @Success 200 {object} SessionStatusResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/verification/sessions/active [get]
func (h *VerificationHandler) GetActiveSession(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	session, err := h.handoff.ActiveSession(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "", err)
		return
	}

	c.JSON(http.StatusOK, h.status.Project(session))
}

// GetSession godoc
// @Summary Poll session status from the desktop
// @Tags Verification
// @Security Bearer
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} SessionStatusResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/verification/sessions/{session_id} [get]
func (h *VerificationHandler) GetSession(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	sessionID := c.Param("session_id")
	view, err := h.status.GetStatus(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.respondError(c, sessionID, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// GetHandoffSession godoc
// @Summary Poll session status from the mobile device
// @Tags Verification
// @Produce json
// @Param session_id path string true "Session ID"
// @Param X-Handoff-Token header string true "Handoff token"
// @Success 200 {object} SessionStatusResponse
// @Failure 401 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Router /api/v1/verification/sessions/{session_id}/handoff [get]
func (h *VerificationHandler) GetHandoffSession(c *gin.Context) {
	sc, ok := middleware.GetSessionContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "handoff authentication required"))
		return
	}

	view, err := h.status.GetHandoffStatus(c.Request.Context(), sc)
	if err != nil {
		h.respondError(c, sc.SessionID, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// SubmitStep godoc
// @Summary Record a capture step
// @Description Accepts a multipart upload in field "file", or a JSON artifact_ref for artifacts stored elsewhere.
// @Tags Verification
// @Accept multipart/form-data
// @Accept json
// @Produce json
// @Param session_id path string true "Session ID"
// @Param step path string true "idFront, idBack, selfie or liveness"
// @Param X-Handoff-Token header string true "Handoff token"
// @Success 200 {object} SessionStatusResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 415 {object} ErrorResponse
// @Router /api/v1/verification/sessions/{session_id}/steps/{step} [post]
func (h *VerificationHandler) SubmitStep(c *gin.Context) {
	sc, ok := middleware.GetSessionContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "handoff authentication required"))
		return
	}

	step := c.Param("step")
	ctx := c.Request.Context()

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile(artifactFormField)
		if err != nil {
			resp := NewErrorResponse(c, "multipart field \"file\" is required")
			resp.Code = "invalid_request"
			c.JSON(http.StatusBadRequest, resp)
			return
		}
		file, err := header.Open()
		if err != nil {
			h.respondError(c, sc.SessionID, err)
			return
		}
		defer file.Close()

		view, err := h.steps.UploadStep(ctx, sc, step, file, header.Size, header.Header.Get("Content-Type"))
		if err != nil {
			h.respondError(c, sc.SessionID, err)
			return
		}
		c.JSON(http.StatusOK, view)
		return
	}

	var req StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp := NewErrorResponse(c, "artifact_ref is required")
		resp.Code = "invalid_request"
		c.JSON(http.StatusBadRequest, resp)
		return
	}

	view, err := h.steps.RecordStep(ctx, sc, step, req.ArtifactRef)
	if err != nil {
		h.respondError(c, sc.SessionID, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *VerificationHandler) respondError(c *gin.Context, sessionID string, err error) {
	switch {
	case usecase.IsRejection(err):
		h.logger.Warn("verification step rejected",
			zap.String("session_id", appLogger.MaskString(sessionID)),
			zap.String("client_ip", appLogger.MaskIP(c.ClientIP())),
			zap.String("trace_id", middleware.GetTraceID(c)),
			zap.Error(err),
		)
	case !isClientError(err):
		h.logger.Error("verification request failed",
			zap.String("session_id", appLogger.MaskString(sessionID)),
			zap.String("trace_id", middleware.GetTraceID(c)),
			zap.Error(err),
		)
		_ = c.Error(err)
	}
	RespondWithVerificationError(c, err)
}

func isClientError(err error) bool {
	for _, cs := range verificationErrorCases {
		if errors.Is(err, cs.Err) {
			return true
		}
	}
	return false
}
