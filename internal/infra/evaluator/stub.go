package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
)

// StubEvaluator returns fixed signals after a delay. Useful for development environments.
type StubEvaluator struct {
	signals domain.EvaluationSignals
	delay   time.Duration
	logger  *zap.Logger
}

// NewStubEvaluator constructs a development evaluator.
func NewStubEvaluator(signals domain.EvaluationSignals, delay time.Duration, logger *zap.Logger) *StubEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubEvaluator{signals: signals, delay: delay, logger: logger}
}

// Evaluate waits for the configured delay, or until ctx is done.
func (s *StubEvaluator) Evaluate(ctx context.Context, sessionID string, artifacts map[domain.Step]string) (domain.EvaluationSignals, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return domain.EvaluationSignals{}, fmt.Errorf("%w: %v", domain.ErrEvaluatorTimeout, ctx.Err())
			}
			return domain.EvaluationSignals{}, ctx.Err()
		}
	}

	if err := domain.ValidateSignals(s.signals); err != nil {
		return domain.EvaluationSignals{}, err
	}

	s.logger.Info("Stub evaluation returned",
		zap.String("session_id", sessionID),
		zap.Int("artifacts", len(artifacts)),
		zap.Bool("face_match", s.signals.FaceMatch),
		zap.Bool("liveness", s.signals.Liveness),
		zap.Float64("ocr_confidence", s.signals.OCRConfidence),
	)
	return s.signals, nil
}

var _ port.ResultEvaluator = (*StubEvaluator)(nil)
