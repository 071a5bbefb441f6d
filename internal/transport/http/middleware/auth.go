package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	appLogger "github.com/arklim/social-platform-verification/internal/infra/logger"
	"github.com/arklim/social-platform-verification/internal/infra/security"
	"github.com/arklim/social-platform-verification/internal/usecase"
)

const (
	// HandoffTokenHeader carries the mobile handoff token.
	HandoffTokenHeader = "X-Handoff-Token"
	// SessionContextKey is the gin context key for the authenticated handoff session.
	SessionContextKey = "verification_session"

	sessionIDParam = "session_id"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// newErrorResponse creates an error response with trace ID
func newErrorResponse(c *gin.Context, code, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		Code:    code,
		TraceID: GetTraceID(c),
	}
}

// HandoffAuthenticator resolves a handoff token into the session it opens.
type HandoffAuthenticator interface {
	AuthenticateHandoff(ctx context.Context, sessionID, token string) (*usecase.SessionContext, error)
}

// RequireOwner validates the owner bearer token of the desktop client.
func RequireOwner(authenticator port.OwnerAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authenticator == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				newErrorResponse(c, "unavailable", "authentication unavailable"))
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "unauthenticated", "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "unauthenticated", "invalid authorization format: expected 'Bearer <token>'"))
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "unauthenticated", "missing access token"))
			return
		}

		identity, err := authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, security.ErrInvalidOwnerToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					newErrorResponse(c, "unauthenticated", "invalid access token"))
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				newErrorResponse(c, "internal", "authentication failed"))
			return
		}

		c.Set(UserIDKey, identity.UserID)
		GetRequestContext(c).OwnerUserID = identity.UserID

		c.Next()
	}
}

// RequireHandoff authenticates the mobile device by the handoff token bound to :session_id.
func RequireHandoff(authenticator HandoffAuthenticator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if authenticator == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				newErrorResponse(c, "unavailable", "handoff authentication unavailable"))
			return
		}

		sessionID := c.Param(sessionIDParam)
		token := handoffToken(c)
		if sessionID == "" || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "invalid_token", "missing handoff token"))
			return
		}

		sc, err := authenticator.AuthenticateHandoff(c.Request.Context(), sessionID, token)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidToken):
				logger.Warn("handoff token rejected",
					zap.String("session_id", appLogger.MaskString(sessionID)),
					zap.String("client_ip", appLogger.MaskIP(c.ClientIP())),
					zap.String("trace_id", GetTraceID(c)),
				)
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					newErrorResponse(c, "invalid_token", "invalid handoff token"))
			case errors.Is(err, domain.ErrSessionExpired):
				c.AbortWithStatusJSON(http.StatusGone,
					newErrorResponse(c, "session_expired", "verification session expired"))
			default:
				logger.Error("handoff authentication failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					newErrorResponse(c, "internal", "handoff authentication failed"))
			}
			return
		}

		c.Set(SessionContextKey, *sc)
		c.Set(UserIDKey, sc.OwnerUserID)
		GetRequestContext(c).OwnerUserID = sc.OwnerUserID

		c.Next()
	}
}

// handoffToken reads the token from the header, then the query string, then a form field.
func handoffToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader(HandoffTokenHeader)); token != "" {
		return token
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	if strings.HasPrefix(c.ContentType(), "multipart/") || c.ContentType() == "application/x-www-form-urlencoded" {
		return strings.TrimSpace(c.PostForm("token"))
	}
	return ""
}

// GetAuthenticatedUserID retrieves the user ID from context (helper for handlers)
func GetAuthenticatedUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}

	if id, ok := userID.(string); ok {
		return id, true
	}

	return "", false
}

// GetSessionContext returns the session authenticated by RequireHandoff.
func GetSessionContext(c *gin.Context) (usecase.SessionContext, bool) {
	value, exists := c.Get(SessionContextKey)
	if !exists {
		return usecase.SessionContext{}, false
	}
	sc, ok := value.(usecase.SessionContext)
	return sc, ok
}
