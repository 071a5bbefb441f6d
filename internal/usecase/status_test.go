package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/social-platform-verification/internal/core/domain"
)

func TestStatusService_OwnerOnly(t *testing.T) {
	f := newEngineFixture(t, fixedEvaluator(goodSignals), EngineConfig{})
	f.seed("s-1", domain.DocumentIDCard)
	svc := NewStatusService(f.engine, 0)

	view, err := svc.GetStatus(context.Background(), "owner-s-1", "s-1")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if view.State != domain.StatePendingConsent || view.PollAfterSeconds != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.NextStep == nil || *view.NextStep != domain.StepIDFront {
		t.Fatalf("expected idFront as next step, got %v", view.NextStep)
	}

	if _, err := svc.GetStatus(context.Background(), "intruder", "s-1"); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
	if _, err := svc.GetStatus(context.Background(), "owner-s-1", "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStatusService_OwnerMatchIsExact(t *testing.T) {
	f := newEngineFixture(t, fixedEvaluator(goodSignals), EngineConfig{})
	session := domain.NewVerificationSession("s-1", "Alice", "hash", domain.DocumentPassport, f.clock.Now(), 10*time.Minute)
	f.store.put(session)
	svc := NewStatusService(f.engine, 0)

	if _, err := svc.GetStatus(context.Background(), "alice", "s-1"); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden for a case-variant owner id, got %v", err)
	}
	if _, err := svc.GetStatus(context.Background(), "Alice", "s-1"); err != nil {
		t.Fatalf("GetStatus for the exact owner: %v", err)
	}
}

func TestStatusService_NonOwnerCannotTriggerExpiryWrite(t *testing.T) {
	f := newEngineFixture(t, fixedEvaluator(goodSignals), EngineConfig{})
	f.seed("s-1", domain.DocumentPassport)
	svc := NewStatusService(f.engine, 0)

	f.clock.Advance(time.Hour)
	if _, err := svc.GetStatus(context.Background(), "intruder", "s-1"); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
	if got := f.store.snapshot(t, "s-1").State; got != domain.StatePendingConsent {
		t.Fatalf("non-owner poll must not persist expiry, got %s", got)
	}

	view, err := svc.GetStatus(context.Background(), "owner-s-1", "s-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != domain.StateExpired {
		t.Fatalf("expected owner poll to observe EXPIRED, got %s", view.State)
	}
}

func TestStatusService_ResultOnlyWhenTerminal(t *testing.T) {
	f := newEngineFixture(t, fixedEvaluator(goodSignals), EngineConfig{})
	f.seed("s-1", domain.DocumentPassport)
	svc := NewStatusService(f.engine, 1500*time.Millisecond)

	captureAll(t, f, "s-1", domain.StepIDFront, domain.StepSelfie)
	view, err := svc.GetStatus(context.Background(), "owner-s-1", "s-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Result != nil || view.PollAfterSeconds != 2 {
		t.Fatalf("unexpected in-flight view %+v", view)
	}
	if len(view.CompletedSteps) != 2 {
		t.Fatalf("expected 2 completed steps, got %v", view.CompletedSteps)
	}

	f.apply(t, "s-1", domain.StepLiveness, "ref-live")
	f.waitEvaluations(t)

	view, err = svc.GetStatus(context.Background(), "owner-s-1", "s-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.State != domain.StateCompleted || view.Result == nil || view.Result.OverallStatus != domain.OverallVerified {
		t.Fatalf("expected completed verified view, got %+v", view)
	}
	if view.PollAfterSeconds != 0 || view.NextStep != nil {
		t.Fatalf("terminal view must not ask for more polling: %+v", view)
	}
}

func TestStatusService_ObservesExpiry(t *testing.T) {
	f := newEngineFixture(t, fixedEvaluator(goodSignals), EngineConfig{})
	f.seed("s-1", domain.DocumentPassport)
	svc := NewStatusService(f.engine, 0)

	f.clock.Advance(time.Hour)
	view, err := svc.GetHandoffStatus(context.Background(), SessionContext{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("GetHandoffStatus: %v", err)
	}
	if view.State != domain.StateExpired {
		t.Fatalf("expected EXPIRED, got %s", view.State)
	}
}
