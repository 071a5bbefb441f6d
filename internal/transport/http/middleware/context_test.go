package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLoggedRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.InfoLevel)
	r := gin.New()
	r.Use(EnrichContext(), RequestID(), Logger(zap.New(core)))
	r.GET("/sessions/:session_id", func(c *gin.Context) {
		if c.Query("reject") != "" {
			c.Status(http.StatusConflict)
			return
		}
		c.Status(http.StatusOK)
	})
	return r, logs
}

func TestEnrichContextEchoesCorrelationHeaders(t *testing.T) {
	r, _ := newLoggedRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions/session-abcdef", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	req.Header.Set(RequestIDHeader, "req-456")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(TraceIDHeader); got != "trace-123" {
		t.Fatalf("expected inbound trace id echoed, got %q", got)
	}
	if got := w.Header().Get(RequestIDHeader); got != "req-456" {
		t.Fatalf("expected inbound request id echoed, got %q", got)
	}
}

func TestEnrichContextGeneratesTraceID(t *testing.T) {
	r, _ := newLoggedRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/session-abcdef", nil))

	if w.Header().Get(TraceIDHeader) == "" || w.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated correlation headers, got %v", w.Header())
	}
}

func TestLoggerMasksSessionAndLogsRejectionsAtWarn(t *testing.T) {
	r, logs := newLoggedRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/session-abcdef?reject=1&token=secret-token", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one access log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 409, got %v", entry.Level)
	}

	fields := entry.ContextMap()
	if got := fields["session_id"]; got != "se***ef" {
		t.Fatalf("expected masked session id, got %v", got)
	}
	if got := fields["route"]; got != "/sessions/:session_id" {
		t.Fatalf("expected route template, got %v", got)
	}
	for key, value := range fields {
		if s, ok := value.(string); ok && strings.Contains(s, "secret-token") {
			t.Fatalf("handoff token leaked into field %q", key)
		}
	}
}

func TestLoggerLabelsUnmatchedRoutes(t *testing.T) {
	r, logs := newLoggedRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one access log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["route"]; got != unmatchedRoute {
		t.Fatalf("expected %q route, got %v", unmatchedRoute, got)
	}
}
