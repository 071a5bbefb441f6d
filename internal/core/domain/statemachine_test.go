package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

var testThresholds = Thresholds{Verified: 0.85, RejectFloor: 0.5}

func newTestSession(t *testing.T, doc DocumentType, now time.Time) VerificationSession {
	t.Helper()
	return NewVerificationSession("session-1", "user-1", "hash", doc, now, 10*time.Minute)
}

func TestRecordStep_OrderingRejectsSelfieFirst(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentIDCard, now)

	changed, err := session.RecordStep(StepEvent{Step: StepSelfie, ArtifactRef: "s1"}, now)
	if !errors.Is(err, ErrOutOfOrderTransition) {
		t.Fatalf("expected ErrOutOfOrderTransition, got %v", err)
	}
	if changed {
		t.Fatalf("expected no change")
	}
	if session.State != StatePendingConsent {
		t.Fatalf("expected PENDING_CONSENT, got %s", session.State)
	}
	if session.Version != 1 {
		t.Fatalf("expected version to stay 1, got %d", session.Version)
	}
}

func TestRecordStep_IdempotentReplay(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentIDCard, now)

	if _, err := session.RecordStep(StepEvent{Step: StepIDFront, ArtifactRef: "a1"}, now); err != nil {
		t.Fatalf("first record: %v", err)
	}
	version := session.Version

	changed, err := session.RecordStep(StepEvent{Step: StepIDFront, ArtifactRef: "a1"}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if changed {
		t.Fatalf("replay must not change the session")
	}
	if session.Version != version || session.State != StateIDFrontUploaded {
		t.Fatalf("replay mutated session: version=%d state=%s", session.Version, session.State)
	}
}

func TestRecordStep_WriteOnce(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentIDCard, now)

	if _, err := session.RecordStep(StepEvent{Step: StepIDFront, ArtifactRef: "a1"}, now); err != nil {
		t.Fatalf("first record: %v", err)
	}

	_, err := session.RecordStep(StepEvent{Step: StepIDFront, ArtifactRef: "a2"}, now)
	if !errors.Is(err, ErrStepAlreadyRecorded) {
		t.Fatalf("expected ErrStepAlreadyRecorded, got %v", err)
	}
	if got := session.Steps[StepIDFront].Ref; got != "a1" {
		t.Fatalf("expected original ref a1, got %s", got)
	}
}

func TestRecordStep_PassportSkipsBack(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentPassport, now)

	steps := []struct {
		step  Step
		ref   string
		state SessionState
	}{
		{StepIDFront, "a1", StateIDFrontUploaded},
		{StepSelfie, "s1", StateSelfieCaptured},
		{StepLiveness, "l1", StateLivenessVerified},
	}
	for _, tc := range steps {
		if _, err := session.RecordStep(StepEvent{Step: tc.step, ArtifactRef: tc.ref}, now); err != nil {
			t.Fatalf("record %s: %v", tc.step, err)
		}
		if session.State != tc.state {
			t.Fatalf("after %s expected %s, got %s", tc.step, tc.state, session.State)
		}
	}

	if _, pending := session.NextStep(); pending {
		t.Fatalf("expected no pending steps")
	}
}

func TestRecordStep_IDCardRequiresBack(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentIDCard, now)

	if _, err := session.RecordStep(StepEvent{Step: StepIDFront, ArtifactRef: "a1"}, now); err != nil {
		t.Fatalf("record front: %v", err)
	}
	if _, err := session.RecordStep(StepEvent{Step: StepSelfie, ArtifactRef: "s1"}, now); !errors.Is(err, ErrOutOfOrderTransition) {
		t.Fatalf("expected ErrOutOfOrderTransition, got %v", err)
	}
}

func TestRecordStep_RejectsAfterExpiry(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentIDCard, now)

	_, err := session.RecordStep(StepEvent{Step: StepIDFront, ArtifactRef: "a1"}, session.ExpiresAt)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired at expiresAt, got %v", err)
	}
}

func TestRecordStep_RejectsTerminal(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentIDCard, now)
	if err := session.Fail(FailureEvaluatorError, now); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, err := session.RecordStep(StepEvent{Step: StepIDFront, ArtifactRef: "a1"}, now)
	if !errors.Is(err, ErrSessionAlreadyTerminal) {
		t.Fatalf("expected ErrSessionAlreadyTerminal, got %v", err)
	}
}

func TestCompleteAfterProcessing(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentPassport, now)
	for _, ev := range []StepEvent{{StepIDFront, "a1"}, {StepSelfie, "s1"}, {StepLiveness, "l1"}} {
		if _, err := session.RecordStep(ev, now); err != nil {
			t.Fatalf("record %s: %v", ev.Step, err)
		}
	}

	if err := session.Complete(EvaluationSignals{FaceMatch: true}, testThresholds, now); !errors.Is(err, ErrOutOfOrderTransition) {
		t.Fatalf("expected complete before processing to fail, got %v", err)
	}
	if err := session.BeginProcessing(now); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	if session.ProcessingStartedAt == nil {
		t.Fatalf("expected processing start to be recorded")
	}
	if err := session.Complete(EvaluationSignals{FaceMatch: true, Liveness: true, OCRConfidence: 0.94}, testThresholds, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if session.State != StateCompleted || session.Result == nil || session.Result.OverallStatus != OverallVerified {
		t.Fatalf("unexpected completion: state=%s result=%+v", session.State, session.Result)
	}
}

func TestCompleteAfterExpiryRejected(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentPassport, now)
	session.State = StateProcessing

	err := session.Complete(EvaluationSignals{FaceMatch: true, Liveness: true, OCRConfidence: 1}, testThresholds, session.ExpiresAt.Add(time.Second))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestDeriveOverallStatus(t *testing.T) {
	cases := []struct {
		name    string
		signals EvaluationSignals
		want    OverallStatus
	}{
		{"all pass", EvaluationSignals{FaceMatch: true, Liveness: true, OCRConfidence: 0.94}, OverallVerified},
		{"exact threshold", EvaluationSignals{FaceMatch: true, Liveness: true, OCRConfidence: 0.85}, OverallVerified},
		{"face mismatch", EvaluationSignals{FaceMatch: false, Liveness: true, OCRConfidence: 0.99}, OverallRejected},
		{"low ocr", EvaluationSignals{FaceMatch: true, Liveness: true, OCRConfidence: 0.49}, OverallRejected},
		{"liveness failed", EvaluationSignals{FaceMatch: true, Liveness: false, OCRConfidence: 0.95}, OverallManualReview},
		{"between floor and threshold", EvaluationSignals{FaceMatch: true, Liveness: true, OCRConfidence: 0.6}, OverallManualReview},
		{"at floor", EvaluationSignals{FaceMatch: true, Liveness: true, OCRConfidence: 0.5}, OverallManualReview},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveOverallStatus(tc.signals, testThresholds); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestValidateSignals(t *testing.T) {
	for _, c := range []float64{-0.1, 1.01, math.NaN()} {
		if err := ValidateSignals(EvaluationSignals{OCRConfidence: c}); err == nil {
			t.Fatalf("expected error for confidence %v", c)
		}
	}
	if err := ValidateSignals(EvaluationSignals{OCRConfidence: 0.3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := (Thresholds{Verified: 0.4, RejectFloor: 0.5}).Validate(); err == nil {
		t.Fatalf("expected floor above threshold to be rejected")
	}
	if err := testThresholds.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestViewHidesResultUntilTerminal(t *testing.T) {
	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession(t, DocumentPassport, now)
	session.State = StateProcessing
	session.Result = &VerificationResult{OverallStatus: OverallVerified}

	if view := session.View(); view.Result != nil {
		t.Fatalf("expected result hidden while processing")
	}

	session.State = StateCompleted
	if view := session.View(); view.Result == nil {
		t.Fatalf("expected result once completed")
	}
}
