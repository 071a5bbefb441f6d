package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/telemetry"
	"github.com/arklim/social-platform-verification/internal/repository"
)

const (
	defaultMaxRetries       = 5
	defaultEvaluatorTimeout = 45 * time.Second
	finalizeTimeout         = 10 * time.Second
)

// EngineConfig tunes the state machine engine.
type EngineConfig struct {
	Thresholds       domain.Thresholds
	EvaluatorTimeout time.Duration
	ProcessingGrace  time.Duration
	MaxRetries       int
}

// ProcessingBudget is how long a session may sit in PROCESSING before it is failed.
func (c EngineConfig) ProcessingBudget() time.Duration {
	return c.EvaluatorTimeout + c.ProcessingGrace
}

// VerificationEngine owns every state transition of a verification session. Writes go through
// compare-and-set so concurrent callers serialise on the session version.
type VerificationEngine struct {
	store     port.VerificationSessionStore
	evaluator port.ResultEvaluator
	events    port.EventPublisher
	audit     port.SessionEventLog
	metrics   *telemetry.VerificationMetrics
	logger    *zap.Logger
	cfg       EngineConfig
	now       func() time.Time

	inflight sync.WaitGroup
}

// NewVerificationEngine constructs the engine.
func NewVerificationEngine(store port.VerificationSessionStore, evaluator port.ResultEvaluator, events port.EventPublisher, cfg EngineConfig, logger *zap.Logger) *VerificationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.EvaluatorTimeout <= 0 {
		cfg.EvaluatorTimeout = defaultEvaluatorTimeout
	}
	return &VerificationEngine{
		store:     store,
		evaluator: evaluator,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (e *VerificationEngine) WithClock(clock func() time.Time) *VerificationEngine {
	if clock != nil {
		e.now = clock
	}
	return e
}

// WithAuditLog appends every lifecycle event to a durable log.
func (e *VerificationEngine) WithAuditLog(log port.SessionEventLog) *VerificationEngine {
	e.audit = log
	return e
}

// WithMetrics attaches Prometheus collectors.
func (e *VerificationEngine) WithMetrics(metrics *telemetry.VerificationMetrics) *VerificationEngine {
	e.metrics = metrics
	return e
}

// Config returns the engine settings.
func (e *VerificationEngine) Config() EngineConfig {
	return e.cfg
}

// Apply records a mobile step. Reaching LIVENESS_VERIFIED moves the session straight to
// PROCESSING and dispatches evaluation in the background.
func (e *VerificationEngine) Apply(ctx context.Context, sessionID string, event domain.StepEvent) (*domain.VerificationSession, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "verification.apply_step", trace.WithAttributes(
		attribute.String("verification.session_id", sessionID),
		attribute.String("verification.step", string(event.Step)),
	))
	defer span.End()

	if strings.TrimSpace(event.ArtifactRef) == "" {
		return nil, ErrArtifactRequired
	}

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		session, err := e.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		if session.State.IsTerminal() {
			return nil, e.reject(ctx, span, session, event.Step, terminalError(session.State))
		}
		settled, err := e.settle(ctx, session)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		if settled {
			return nil, e.reject(ctx, span, session, event.Step, terminalError(session.State))
		}

		expected := session.Version
		changed, err := session.RecordStep(event, e.now())
		if err != nil {
			return nil, e.reject(ctx, span, session, event.Step, err)
		}
		if !changed {
			span.SetAttributes(attribute.Bool("verification.replay", true))
			return session, nil
		}

		recordedState := session.State
		processing := false
		if session.State == domain.StateLivenessVerified {
			if err := session.BeginProcessing(e.now()); err != nil {
				return nil, err
			}
			processing = true
		}

		if err := e.store.Update(ctx, *session, expected); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				e.logger.Debug("step write lost race, reloading",
					zap.String("session_id", sessionID),
					zap.String("step", string(event.Step)),
					zap.Int("attempt", attempt+1),
				)
				continue
			}
			return nil, e.mapStoreError(err)
		}

		e.metrics.Transition(string(recordedState))
		e.emit(ctx, domain.EventStepRecorded, *session, map[string]any{
			"step":         string(event.Step),
			"artifact_ref": event.ArtifactRef,
		})

		if processing {
			e.metrics.Transition(string(domain.StateProcessing))
			e.emit(ctx, domain.EventProcessingStarted, *session, nil)
			e.dispatchEvaluation(ctx, *session)
		}

		span.SetAttributes(attribute.String("verification.state", string(session.State)))
		return session, nil
	}

	span.SetStatus(codes.Error, "retries exhausted")
	return nil, ErrConcurrentUpdate
}

// Refresh loads a session and persists any expiry or processing deadline that has passed.
func (e *VerificationEngine) Refresh(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	session, _, err := e.Settle(ctx, sessionID)
	return session, err
}

// Settle is Refresh that also reports whether this call moved the session to a terminal state,
// as opposed to finding it already settled by another writer.
func (e *VerificationEngine) Settle(ctx context.Context, sessionID string) (*domain.VerificationSession, bool, error) {
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		session, err := e.load(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		settled, err := e.settle(ctx, session)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, false, err
		}
		return session, settled, nil
	}
	return nil, false, ErrConcurrentUpdate
}

// Load reads a session without applying expiry or deadlines.
func (e *VerificationEngine) Load(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	return e.load(ctx, sessionID)
}

// Expire moves a session past its TTL to EXPIRED.
func (e *VerificationEngine) Expire(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	return e.Refresh(ctx, sessionID)
}

// Fail moves a non-terminal session to FAILED with the reason. A session already past its TTL
// is expired instead.
func (e *VerificationEngine) Fail(ctx context.Context, sessionID, reason string) (*domain.VerificationSession, error) {
	return e.transition(ctx, sessionID, func(session *domain.VerificationSession, now time.Time) (string, map[string]any, error) {
		if session.IsExpiredAt(now) {
			if err := session.Expire(now); err != nil {
				return "", nil, err
			}
			return domain.EventSessionExpired, nil, nil
		}
		if err := session.Fail(reason, now); err != nil {
			return "", nil, err
		}
		kind := domain.EventSessionFailed
		if reason == domain.FailureSuperseded {
			kind = domain.EventSessionSuperseded
		}
		return kind, map[string]any{"reason": reason}, nil
	})
}

// Wait blocks until in-flight evaluations finish or ctx is done.
func (e *VerificationEngine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mutation func(session *domain.VerificationSession, now time.Time) (kind string, details map[string]any, err error)

func (e *VerificationEngine) transition(ctx context.Context, sessionID string, mutate mutation) (*domain.VerificationSession, error) {
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		session, err := e.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		expected := session.Version
		kind, details, err := mutate(session, e.now())
		if err != nil {
			return nil, err
		}

		if err := e.store.Update(ctx, *session, expected); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, e.mapStoreError(err)
		}

		e.recordTerminal(ctx, kind, *session, details)
		return session, nil
	}
	return nil, ErrConcurrentUpdate
}

// settle applies lazy expiry and the processing deadline. It reports true when the session
// was moved to a terminal state by this call.
func (e *VerificationEngine) settle(ctx context.Context, session *domain.VerificationSession) (bool, error) {
	if session.State.IsTerminal() {
		return false, nil
	}

	now := e.now()
	expected := session.Version
	var (
		kind    string
		details map[string]any
	)

	switch {
	case session.IsExpiredAt(now):
		if err := session.Expire(now); err != nil {
			return false, err
		}
		kind = domain.EventSessionExpired
	case session.ProcessingOverdue(now, e.cfg.ProcessingBudget()):
		if err := session.Fail(domain.FailureEvaluatorTimeout, now); err != nil {
			return false, err
		}
		kind = domain.EventSessionFailed
		details = map[string]any{"reason": domain.FailureEvaluatorTimeout}
	default:
		return false, nil
	}

	if err := e.store.Update(ctx, *session, expected); err != nil {
		return false, e.mapStoreError(err)
	}
	e.recordTerminal(ctx, kind, *session, details)
	return true, nil
}

func (e *VerificationEngine) dispatchEvaluation(ctx context.Context, session domain.VerificationSession) {
	link := trace.LinkFromContext(ctx)
	refs := session.ArtifactRefs()

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		evalCtx, cancel := context.WithTimeout(context.Background(), e.evaluationBudget(session))
		defer cancel()

		evalCtx, span := telemetry.Tracer().Start(evalCtx, "verification.evaluate",
			trace.WithLinks(link),
			trace.WithAttributes(attribute.String("verification.session_id", session.ID)),
		)
		defer span.End()

		started := time.Now()
		signals, evalErr := e.evaluator.Evaluate(evalCtx, session.ID, refs)
		if evalErr == nil {
			evalErr = domain.ValidateSignals(signals)
		}
		if evalErr != nil && evalCtx.Err() != nil && errors.Is(evalCtx.Err(), context.DeadlineExceeded) && !errors.Is(evalErr, domain.ErrEvaluatorTimeout) {
			evalErr = fmt.Errorf("%w: %v", domain.ErrEvaluatorTimeout, evalErr)
		}
		elapsed := time.Since(started)

		if evalErr != nil {
			span.RecordError(evalErr)
			span.SetStatus(codes.Error, evalErr.Error())
		}

		finalizeCtx, cancelFinalize := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), finalizeTimeout)
		defer cancelFinalize()

		e.finishEvaluation(finalizeCtx, session.ID, signals, evalErr, elapsed)
	}()
}

// evaluationBudget is the evaluator timeout, capped at the time left before the session expires.
func (e *VerificationEngine) evaluationBudget(session domain.VerificationSession) time.Duration {
	budget := e.cfg.EvaluatorTimeout
	if remaining := session.ExpiresAt.Sub(e.now()); remaining < budget {
		budget = remaining
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

func (e *VerificationEngine) finishEvaluation(ctx context.Context, sessionID string, signals domain.EvaluationSignals, evalErr error, elapsed time.Duration) {
	outcome := telemetry.OutcomeVerdict
	session, err := e.transition(ctx, sessionID, func(session *domain.VerificationSession, now time.Time) (string, map[string]any, error) {
		if session.State != domain.StateProcessing {
			return "", nil, domain.ErrSessionAlreadyTerminal
		}
		if session.IsExpiredAt(now) {
			outcome = telemetry.OutcomeExpired
			if err := session.Expire(now); err != nil {
				return "", nil, err
			}
			return domain.EventSessionExpired, nil, nil
		}
		if evalErr != nil {
			reason := domain.FailureEvaluatorError
			outcome = telemetry.OutcomeError
			if errors.Is(evalErr, domain.ErrEvaluatorTimeout) {
				reason = domain.FailureEvaluatorTimeout
				outcome = telemetry.OutcomeTimeout
			}
			if err := session.Fail(reason, now); err != nil {
				return "", nil, err
			}
			return domain.EventSessionFailed, map[string]any{"reason": reason}, nil
		}
		if err := session.Complete(signals, e.cfg.Thresholds, now); err != nil {
			return "", nil, err
		}
		return domain.EventSessionCompleted, map[string]any{"overall_status": string(session.Result.OverallStatus)}, nil
	})

	e.metrics.ObserveEvaluation(outcome, elapsed)

	if err != nil {
		if errors.Is(err, domain.ErrSessionAlreadyTerminal) {
			e.logger.Info("evaluation finished after session left PROCESSING",
				zap.String("session_id", sessionID),
				zap.Duration("elapsed", elapsed),
			)
			return
		}
		e.logger.Error("failed to persist evaluation outcome",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("state", string(session.State)),
		zap.Duration("elapsed", elapsed),
	}
	if evalErr != nil {
		fields = append(fields, zap.Error(evalErr))
		e.logger.Warn("evaluation failed", fields...)
		return
	}
	if session.Result != nil {
		fields = append(fields, zap.String("overall_status", string(session.Result.OverallStatus)))
	}
	e.logger.Info("evaluation completed", fields...)
}

func (e *VerificationEngine) recordTerminal(ctx context.Context, kind string, session domain.VerificationSession, details map[string]any) {
	e.metrics.Transition(string(session.State))
	if session.State == domain.StateCompleted && session.Result != nil {
		e.metrics.Verdict(string(session.Result.OverallStatus))
	}
	e.emit(ctx, kind, session, details)
}

func (e *VerificationEngine) load(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionNotFound
	}
	session, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, e.mapStoreError(err)
	}
	return session, nil
}

// terminalError names why a step cannot be recorded on a session in a terminal state.
func terminalError(state domain.SessionState) error {
	if state == domain.StateExpired {
		return domain.ErrSessionExpired
	}
	return domain.ErrSessionAlreadyTerminal
}

func (e *VerificationEngine) mapStoreError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, repository.ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("session store: %w", err)
	}
}

func (e *VerificationEngine) reject(ctx context.Context, span trace.Span, session *domain.VerificationSession, step domain.Step, err error) error {
	span.RecordError(err)
	reason := rejectionReason(err)
	e.metrics.Rejection(reason)

	if errors.Is(err, domain.ErrOutOfOrderTransition) || errors.Is(err, domain.ErrStepAlreadyRecorded) {
		e.emit(ctx, domain.EventStepRejected, *session, map[string]any{
			"step":   string(step),
			"reason": reason,
		})
	}
	return err
}

func (e *VerificationEngine) emit(ctx context.Context, kind string, session domain.VerificationSession, details map[string]any) {
	if kind == "" {
		return
	}
	event := domain.NewSessionEvent(ulid.Make().String(), kind, session, e.now(), details)

	if e.audit != nil {
		if err := e.audit.AppendEvent(ctx, event); err != nil {
			e.logger.Warn("failed to append session event",
				zap.String("session_id", session.ID),
				zap.String("kind", kind),
				zap.Error(err),
			)
		}
	}
	if e.events != nil {
		if err := e.events.PublishSessionEvent(ctx, event); err != nil {
			e.logger.Warn("failed to publish session event",
				zap.String("session_id", session.ID),
				zap.String("kind", kind),
				zap.Error(err),
			)
		}
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrOutOfOrderTransition):
		return "out_of_order"
	case errors.Is(err, domain.ErrStepAlreadyRecorded):
		return "already_recorded"
	case errors.Is(err, domain.ErrSessionExpired):
		return "expired"
	case errors.Is(err, domain.ErrSessionAlreadyTerminal):
		return "terminal"
	case errors.Is(err, domain.ErrInvalidToken):
		return "invalid_token"
	default:
		return "other"
	}
}
