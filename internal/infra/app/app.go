package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/config"
	"github.com/arklim/social-platform-verification/internal/infra/database"
	"github.com/arklim/social-platform-verification/internal/infra/evaluator"
	kafkainfra "github.com/arklim/social-platform-verification/internal/infra/kafka"
	"github.com/arklim/social-platform-verification/internal/infra/logger"
	redisinfra "github.com/arklim/social-platform-verification/internal/infra/redis"
	"github.com/arklim/social-platform-verification/internal/infra/security"
	"github.com/arklim/social-platform-verification/internal/infra/storage"
	"github.com/arklim/social-platform-verification/internal/infra/telemetry"
	postgresrepo "github.com/arklim/social-platform-verification/internal/repository/postgres"
	redisrepo "github.com/arklim/social-platform-verification/internal/repository/redis"
	transportgrpc "github.com/arklim/social-platform-verification/internal/transport/grpc"
	grpcinterceptors "github.com/arklim/social-platform-verification/internal/transport/grpc/interceptors"
	"github.com/arklim/social-platform-verification/internal/transport/http/middleware"
	"github.com/arklim/social-platform-verification/internal/transport/http/routes"
	"github.com/arklim/social-platform-verification/internal/usecase"
)

const (
	shutdownTimeout         = 15 * time.Second
	dependencyProbeInterval = 10 * time.Second
)

type Application struct {
	cfg        *config.AppConfig
	handler    http.Handler
	logger     *zap.Logger
	pool       *pgxpool.Pool
	redis      *redisinfra.Client
	producer   *kafkainfra.Producer
	tracer     *telemetry.TracerProvider
	engine     *usecase.VerificationEngine
	sweeper    *usecase.Sweeper
	grpcServer *transportgrpc.Server
	grpcAddr   string
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{
		cfg:      cfg,
		logger:   log,
		grpcAddr: fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port),
	}
	if err := a.wire(ctx); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *Application) wire(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, cfg.App.Env, log)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		a.tracer = tp
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	a.redis = redisClient

	engineCfg := usecase.EngineConfig{
		Thresholds: domain.Thresholds{
			Verified:    cfg.Verification.VerifiedThreshold,
			RejectFloor: cfg.Verification.RejectFloor,
		},
		EvaluatorTimeout: cfg.Verification.EvaluatorTimeout(),
		ProcessingGrace:  cfg.Verification.ProcessingGrace,
	}

	var (
		store  port.VerificationSessionStore
		purger port.SessionPurger
		audit  port.SessionEventLog
	)
	switch cfg.Verification.StoreBackend {
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		a.pool = pool
		repos := postgresrepo.NewRepositories(pool, engineCfg.ProcessingBudget())
		store, purger, audit = repos.Sessions, repos.Sessions, repos.Events
	default:
		store = redisrepo.NewVerificationSessionRepository(redisClient.Client(), redisrepo.VerificationSessionConfig{
			KeyPrefix:        cfg.Redis.KeyPrefix,
			Retention:        cfg.Verification.Retention,
			ProcessingBudget: engineCfg.ProcessingBudget(),
		})
	}
	log.Info("verification session store selected", zap.String("backend", cfg.Verification.StoreBackend))

	scorer := a.newEvaluator()

	artifacts, err := a.newArtifactStorage(ctx)
	if err != nil {
		return err
	}

	events := a.newEventPublisher()

	metrics, err := telemetry.NewVerificationMetrics(telemetry.VerificationMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return fmt.Errorf("init verification metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}
	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return fmt.Errorf("init grpc metrics: %w", err)
	}

	keyProvider, err := security.NewKeyProvider(cfg.App.Env, cfg.JWT.KeyDirectory)
	if err != nil {
		return fmt.Errorf("init key provider: %w", err)
	}
	jwtManager := security.NewJWTManager(keyProvider, security.JWTManagerOptions{
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Leeway:   cfg.JWT.Leeway,
	})

	engine := usecase.NewVerificationEngine(store, scorer, events, engineCfg, log).WithMetrics(metrics)
	if audit != nil {
		engine.WithAuditLog(audit)
	}
	a.engine = engine

	handoff := usecase.NewHandoffService(store, engine, security.NewTokenGenerator(), usecase.HandoffConfig{
		SessionTTL:    cfg.Verification.SessionTTL(),
		MobileBaseURL: cfg.Verification.MobileBaseURL,
	}, log).WithMetrics(metrics)
	status := usecase.NewStatusService(engine, cfg.Verification.PollInterval)
	steps := usecase.NewStepRecorder(engine, artifacts, cfg.Verification.MaxArtifactBytes, log)

	a.sweeper = usecase.NewSweeper(store, purger, engine, usecase.SweeperConfig{
		Interval:  cfg.Verification.SweepInterval,
		BatchSize: cfg.Verification.SweepBatchSize,
		Retention: cfg.Verification.Retention,
	}, log).WithMetrics(metrics)

	rateLimitWindow := cfg.RateLimit.WindowDuration
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
		KeyPrefix: cfg.Redis.KeyPrefix + ":rate-limit",
		TTL:       rateLimitWindow * 2,
	})

	deps := routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: middleware.NewRateLimiter(rateLimitStore, log),
		Metrics:     httpMetrics,
		Owners:      security.NewJWTOwnerAuthenticator(jwtManager),
		Cache:       redisClient,
		Services: routes.ServiceSet{
			Handoff: handoff,
			Status:  status,
			Steps:   steps,
		},
	}
	checks := map[string]transportgrpc.DependencyCheck{"redis": redisClient.HealthCheck}
	if a.pool != nil {
		deps.Database = a.pool
		checks["database"] = a.pool.Ping
	}

	router := routes.Register(deps)
	a.handler = router

	grpcDeps := transportgrpc.ServerDependencies{
		Logger:  log,
		Metrics: grpcMetrics,
		Checks:  checks,
	}
	if a.tracer != nil {
		a.handler = otelhttp.NewHandler(router, cfg.App.Name)
		grpcDeps.TracerProvider = a.tracer.Provider()
		grpcDeps.Propagators = otel.GetTextMapPropagator()
	}
	a.grpcServer = transportgrpc.NewServer(grpcDeps)

	return nil
}

func (a *Application) newEvaluator() port.ResultEvaluator {
	cfg := a.cfg.Evaluator
	if cfg.Mode == "http" {
		a.logger.Info("using http evaluator", zap.String("endpoint", cfg.Endpoint))
		return evaluator.NewHTTPEvaluator(cfg.Endpoint, cfg.APIKey, a.logger)
	}
	a.logger.Warn("using stub evaluator", zap.Duration("delay", cfg.StubDelay))
	return evaluator.NewStubEvaluator(domain.EvaluationSignals{
		FaceMatch:     cfg.StubFaceMatch,
		Liveness:      cfg.StubLiveness,
		OCRConfidence: cfg.StubOCRConfidence,
	}, cfg.StubDelay, a.logger)
}

func (a *Application) newArtifactStorage(ctx context.Context) (port.ArtifactStorage, error) {
	if !a.cfg.Storage.Enabled {
		a.logger.Warn("artifact storage disabled, keeping uploads in memory")
		return storage.NewMemoryArtifactStorage(), nil
	}
	minio, err := storage.NewMinIOArtifactStorage(ctx, a.cfg.Storage, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	return minio, nil
}

func (a *Application) newEventPublisher() port.EventPublisher {
	cfg := a.cfg.Kafka
	if len(cfg.Brokers) == 0 {
		a.logger.Info("kafka brokers not configured, using stub publisher")
		return kafkainfra.NewStubPublisher(a.logger)
	}
	producer, err := kafkainfra.NewProducer(cfg, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	a.producer = producer
	a.logger.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Brokers))
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger)
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()

	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	workers.Add(2)
	go func() {
		defer workers.Done()
		a.sweeper.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		a.grpcServer.MonitorDependencies(workerCtx, dependencyProbeInterval)
	}()

	grpcErrCh := make(chan error, 1)
	lis, err := net.Listen("tcp", a.grpcAddr)
	if err != nil {
		stopWorkers()
		workers.Wait()
		a.closeResources(context.Background())
		return fmt.Errorf("listen grpc: %w", err)
	}
	a.logger.Info("starting gRPC server", zap.String("address", a.grpcAddr))
	go func() {
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("gRPC server error", zap.Error(err))
			grpcErrCh <- fmt.Errorf("run grpc server: %w", err)
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting verification API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-serverErrCh:
	case runErr = <-grpcErrCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.grpcServer.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown server: %w", err)
	}

	stopWorkers()
	workers.Wait()

	a.closeResources(shutdownCtx)
	return runErr
}

// closeResources drains in-flight evaluations before releasing the backends they write to.
func (a *Application) closeResources(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Wait(ctx); err != nil {
			a.logger.Warn("in-flight evaluations did not finish before shutdown", zap.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("failed to close kafka producer", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to shut down tracer provider", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
