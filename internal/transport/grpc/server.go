package transportgrpc

import (
	"context"
	"net"
	"sort"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcinterceptors "github.com/arklim/social-platform-verification/internal/transport/grpc/interceptors"
)

// VerificationServiceName is the health service name reported for the session orchestrator.
const VerificationServiceName = "verification.v1.SessionOrchestrator"

const defaultProbeTimeout = 2 * time.Second

// DependencyCheck probes a backend the service cannot serve without.
type DependencyCheck func(ctx context.Context) error

// ServerDependencies encapsulates what the gRPC server layer needs.
type ServerDependencies struct {
	Logger         *zap.Logger
	Metrics        *grpcinterceptors.GRPCMetrics
	TracerProvider trace.TracerProvider
	Propagators    propagation.TextMapPropagator
	Checks         map[string]DependencyCheck
}

// Server bundles the gRPC server with its health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	checks map[string]DependencyCheck
	logger *zap.Logger
}

// NewServer wires the standard health service and reflection with metrics and tracing instrumentation.
func NewServer(deps ServerDependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(deps.Metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(deps.Metrics.StreamServerInterceptor()),
	}
	if deps.TracerProvider != nil {
		opts = append(opts, grpcinterceptors.TracingServerOption(grpcinterceptors.TracingOptions{
			TracerProvider: deps.TracerProvider,
			Propagators:    deps.Propagators,
		}))
	}

	server := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	// Register reflection service for tools like Postman, grpcurl, etc.
	reflection.Register(server)

	s := &Server{
		grpc:   server,
		health: healthServer,
		checks: deps.Checks,
		logger: logger,
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve blocks serving on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GRPC exposes the underlying server for additional service registration.
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// MonitorDependencies flips the health status whenever a dependency check starts or stops failing.
func (s *Server) MonitorDependencies(ctx context.Context, interval time.Duration) {
	if len(s.checks) == 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) probe(ctx context.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	serving := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		err := s.checks[name](probeCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("dependency check failed", zap.String("dependency", name), zap.Error(err))
			serving = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.setStatus(serving)
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(VerificationServiceName, status)
}

// Shutdown reports NOT_SERVING to health watchers, then drains in-flight calls until ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("grpc graceful stop timed out, forcing stop")
		s.grpc.Stop()
	}
}
