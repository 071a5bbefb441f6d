package domain

import (
	"fmt"
	"math"
	"time"
)

// StepEvent is a mobile claim that a step has been captured.
type StepEvent struct {
	Step        Step
	ArtifactRef string
}

// Thresholds holds the verdict cut-offs applied to evaluator signals.
type Thresholds struct {
	Verified    float64
	RejectFloor float64
}

// Validate ensures the cut-offs are usable.
func (t Thresholds) Validate() error {
	if t.Verified < 0 || t.Verified > 1 {
		return fmt.Errorf("verified threshold %v outside [0,1]", t.Verified)
	}
	if t.RejectFloor < 0 || t.RejectFloor > 1 {
		return fmt.Errorf("reject floor %v outside [0,1]", t.RejectFloor)
	}
	if t.RejectFloor > t.Verified {
		return fmt.Errorf("reject floor %v above verified threshold %v", t.RejectFloor, t.Verified)
	}
	return nil
}

// DeriveOverallStatus combines evaluator signals into a verdict.
func DeriveOverallStatus(signals EvaluationSignals, t Thresholds) OverallStatus {
	switch {
	case signals.FaceMatch && signals.Liveness && signals.OCRConfidence >= t.Verified:
		return OverallVerified
	case !signals.FaceMatch || signals.OCRConfidence < t.RejectFloor:
		return OverallRejected
	default:
		return OverallManualReview
	}
}

// ValidateSignals rejects scorer output the verdict rule cannot be applied to.
func ValidateSignals(signals EvaluationSignals) error {
	c := signals.OCRConfidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("ocr confidence %v outside [0,1]", c)
	}
	return nil
}

// RecordStep applies a step event. It returns changed=false for an idempotent replay.
func (s *VerificationSession) RecordStep(event StepEvent, now time.Time) (bool, error) {
	if s.State.IsTerminal() {
		return false, ErrSessionAlreadyTerminal
	}
	if s.IsExpiredAt(now) {
		return false, ErrSessionExpired
	}

	if existing, ok := s.Steps[event.Step]; ok {
		if existing.Ref == event.ArtifactRef {
			return false, nil
		}
		return false, ErrStepAlreadyRecorded
	}

	next, ok := s.NextStep()
	if !ok || next != event.Step || !s.acceptsSteps() {
		return false, ErrOutOfOrderTransition
	}

	if s.Steps == nil {
		s.Steps = make(map[Step]StepArtifact)
	}
	s.Steps[event.Step] = StepArtifact{Ref: event.ArtifactRef, RecordedAt: now.UTC()}
	s.State = stepStates[event.Step]
	s.touch(now)
	return true, nil
}

// BeginProcessing moves a fully captured session into PROCESSING.
func (s *VerificationSession) BeginProcessing(now time.Time) error {
	if s.State.IsTerminal() {
		return ErrSessionAlreadyTerminal
	}
	if s.State != StateLivenessVerified {
		return ErrOutOfOrderTransition
	}
	if _, pending := s.NextStep(); pending {
		return ErrOutOfOrderTransition
	}
	started := now.UTC()
	s.State = StateProcessing
	s.ProcessingStartedAt = &started
	s.touch(now)
	return nil
}

// Complete stores the verdict and moves PROCESSING to COMPLETED.
func (s *VerificationSession) Complete(signals EvaluationSignals, t Thresholds, now time.Time) error {
	if s.State.IsTerminal() {
		return ErrSessionAlreadyTerminal
	}
	if s.State != StateProcessing {
		return ErrOutOfOrderTransition
	}
	if s.IsExpiredAt(now) {
		return ErrSessionExpired
	}
	s.Result = &VerificationResult{
		FaceMatch:     signals.FaceMatch,
		Liveness:      signals.Liveness,
		OCRConfidence: signals.OCRConfidence,
		OverallStatus: DeriveOverallStatus(signals, t),
	}
	s.State = StateCompleted
	s.touch(now)
	return nil
}

// Fail moves any non-terminal session to FAILED.
func (s *VerificationSession) Fail(reason string, now time.Time) error {
	if s.State.IsTerminal() {
		return ErrSessionAlreadyTerminal
	}
	s.State = StateFailed
	s.FailureReason = reason
	s.touch(now)
	return nil
}

// Expire moves a non-terminal session whose TTL has passed to EXPIRED.
func (s *VerificationSession) Expire(now time.Time) error {
	if s.State.IsTerminal() {
		return ErrSessionAlreadyTerminal
	}
	if !s.IsExpiredAt(now) {
		return fmt.Errorf("session %s not yet expired", s.ID)
	}
	s.State = StateExpired
	s.touch(now)
	return nil
}

// ProcessingOverdue reports whether a PROCESSING session has outlived the evaluator budget.
func (s VerificationSession) ProcessingOverdue(now time.Time, budget time.Duration) bool {
	if s.State != StateProcessing || s.ProcessingStartedAt == nil {
		return false
	}
	return !now.Before(s.ProcessingStartedAt.Add(budget))
}

func (s *VerificationSession) acceptsSteps() bool {
	switch s.State {
	case StateProcessing, StateLivenessVerified:
		return false
	default:
		return true
	}
}

func (s *VerificationSession) touch(now time.Time) {
	s.LastUpdatedAt = now.UTC()
	s.Version++
}

// DeadlineAt is the moment the sweeper must act on a non-terminal session: its expiry, or the
// processing budget if that ends sooner.
func (s VerificationSession) DeadlineAt(processingBudget time.Duration) time.Time {
	deadline := s.ExpiresAt
	if s.State == StateProcessing && s.ProcessingStartedAt != nil && processingBudget > 0 {
		if overdue := s.ProcessingStartedAt.Add(processingBudget); overdue.Before(deadline) {
			deadline = overdue
		}
	}
	return deadline
}
