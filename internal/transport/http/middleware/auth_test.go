package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/security"
	"github.com/arklim/social-platform-verification/internal/usecase"
)

type fakeOwnerAuthenticator struct {
	identity *port.OwnerIdentity
	err      error
	bearer   string
}

func (f *fakeOwnerAuthenticator) Authenticate(_ context.Context, bearer string) (*port.OwnerIdentity, error) {
	f.bearer = bearer
	return f.identity, f.err
}

type fakeHandoffAuthenticator struct {
	sc        *usecase.SessionContext
	err       error
	sessionID string
	token     string
}

func (f *fakeHandoffAuthenticator) AuthenticateHandoff(_ context.Context, sessionID, token string) (*usecase.SessionContext, error) {
	f.sessionID = sessionID
	f.token = token
	return f.sc, f.err
}

func TestRequireOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		header string
		auth   *fakeOwnerAuthenticator
		status int
		code   string
	}{
		{name: "missing header", header: "", auth: &fakeOwnerAuthenticator{}, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "wrong scheme", header: "Basic abc", auth: &fakeOwnerAuthenticator{}, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "invalid token", header: "Bearer bad", auth: &fakeOwnerAuthenticator{err: security.ErrInvalidOwnerToken}, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "backend failure", header: "Bearer tok", auth: &fakeOwnerAuthenticator{err: errors.New("boom")}, status: http.StatusInternalServerError, code: "internal"},
		{name: "valid", header: "bearer tok", auth: &fakeOwnerAuthenticator{identity: &port.OwnerIdentity{UserID: "owner-1"}}, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/", RequireOwner(tt.auth), func(c *gin.Context) {
				userID, _ := GetAuthenticatedUserID(c)
				c.String(http.StatusOK, userID)
			})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if tt.status == http.StatusOK {
				if rr.Body.String() != "owner-1" {
					t.Fatalf("expected owner-1 in context, got %q", rr.Body.String())
				}
				if tt.auth.bearer != "tok" {
					t.Fatalf("expected bearer tok, got %q", tt.auth.bearer)
				}
				return
			}
			var body ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.code {
				t.Fatalf("expected code %q, got %q", tt.code, body.Code)
			}
		})
	}
}

func TestRequireHandoffTokenSources(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		prepare func(*http.Request)
		target  string
	}{
		{name: "header", target: "/sessions/s-1", prepare: func(r *http.Request) { r.Header.Set(HandoffTokenHeader, "tok") }},
		{name: "query", target: "/sessions/s-1?token=tok", prepare: func(*http.Request) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &fakeHandoffAuthenticator{sc: &usecase.SessionContext{SessionID: "s-1", OwnerUserID: "owner-1", DocumentType: domain.DocumentIDCard}}

			router := gin.New()
			router.GET("/sessions/:session_id", RequireHandoff(auth, zaptest.NewLogger(t)), func(c *gin.Context) {
				sc, ok := GetSessionContext(c)
				if !ok {
					c.Status(http.StatusInternalServerError)
					return
				}
				c.String(http.StatusOK, sc.SessionID)
			})

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			tt.prepare(req)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK || rr.Body.String() != "s-1" {
				t.Fatalf("expected 200 s-1, got %d %q", rr.Code, rr.Body.String())
			}
			if auth.sessionID != "s-1" || auth.token != "tok" {
				t.Fatalf("unexpected authenticate args %q %q", auth.sessionID, auth.token)
			}
		})
	}
}

func TestRequireHandoffErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		err    error
		status int
		code   string
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "mismatch", token: "wrong", err: domain.ErrInvalidToken, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "expired", token: "tok", err: domain.ErrSessionExpired, status: http.StatusGone, code: "session_expired"},
		{name: "store failure", token: "tok", err: errors.New("redis down"), status: http.StatusInternalServerError, code: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &fakeHandoffAuthenticator{err: tt.err}
			router := gin.New()
			router.GET("/sessions/:session_id", RequireHandoff(auth, zaptest.NewLogger(t)), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/sessions/s-1", nil)
			if tt.token != "" {
				req.Header.Set(HandoffTokenHeader, tt.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			var body ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.code {
				t.Fatalf("expected code %q, got %q", tt.code, body.Code)
			}
		})
	}
}
