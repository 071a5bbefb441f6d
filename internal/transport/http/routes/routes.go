package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/config"
	"github.com/arklim/social-platform-verification/internal/transport/http/handlers"
	"github.com/arklim/social-platform-verification/internal/transport/http/middleware"
	"github.com/arklim/social-platform-verification/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Handoff *usecase.HandoffService
	Status  *usecase.StatusService
	Steps   *usecase.StepRecorder
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Metrics     *middleware.HTTPMetrics
	Services    ServiceSet
	Owners      port.OwnerAuthenticator
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.CORS(deps.Config.App.CORSOrigins))
	r.Use(deps.Metrics.Handler())

	healthOptions := make([]handlers.HealthOption, 0, 2)

	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}

	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}

	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Services.Handoff == nil {
		return r
	}

	api := r.Group("/api/v1")
	{
		verificationHandler := handlers.NewVerificationHandler(deps.Services.Handoff, deps.Services.Status, deps.Services.Steps, deps.Logger)

		ownerMiddleware := middleware.RequireOwner(deps.Owners)
		handoffMiddleware := middleware.RequireHandoff(deps.Services.Handoff, deps.Logger)

		sessions := api.Group("/verification/sessions")

		createHandlers := append([]gin.HandlerFunc{ownerMiddleware}, buildCreateMiddlewares(deps)...)
		createHandlers = append(createHandlers, verificationHandler.CreateSession)
		sessions.POST("", createHandlers...)

		sessions.GET("/active", ownerMiddleware, verificationHandler.GetActiveSession)
		sessions.GET("/:session_id", ownerMiddleware, verificationHandler.GetSession)
		sessions.GET("/:session_id/handoff", handoffMiddleware, verificationHandler.GetHandoffSession)

		stepHandlers := append([]gin.HandlerFunc{handoffMiddleware}, buildStepUploadMiddlewares(deps)...)
		stepHandlers = append(stepHandlers, verificationHandler.SubmitStep)
		sessions.POST("/:session_id/steps/:step", stepHandlers...)
	}

	return r
}

func buildCreateMiddlewares(deps Dependencies) []gin.HandlerFunc {
	if deps.RateLimiter == nil || deps.Config == nil {
		return nil
	}

	limit := deps.Config.RateLimit.CreateMaxAttempts
	if limit <= 0 {
		return nil
	}

	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}

	rules := []middleware.RateLimitRule{
		{
			Name:       "session_create_owner",
			Limit:      limit,
			Window:     window,
			Identifier: middleware.OwnerIdentifier(),
		},
		{
			Name:       "session_create_ip",
			Limit:      limit * 4,
			Window:     window,
			Identifier: middleware.ClientIPIdentifier(),
		},
	}

	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rules...)}
}

func buildStepUploadMiddlewares(deps Dependencies) []gin.HandlerFunc {
	if deps.RateLimiter == nil || deps.Config == nil {
		return nil
	}

	limit := deps.Config.RateLimit.StepUploadMaxAttempts
	if limit <= 0 {
		return nil
	}

	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}

	rule := middleware.RateLimitRule{
		Name:       "step_upload_session_ip",
		Limit:      limit,
		Window:     window,
		Identifier: middleware.SessionClientIdentifier(),
	}

	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule)}
}
