package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/infra/telemetry"
)

func TestSweeper_SettlesDueSessions(t *testing.T) {
	f := newEngineFixture(t, blockingEvaluator(), EngineConfig{EvaluatorTimeout: time.Minute})

	f.seed("abandoned", domain.DocumentIDCard)

	stuck := domain.NewVerificationSession("stuck", "owner-stuck", "hash", domain.DocumentPassport, f.clock.Now(), time.Hour)
	for _, step := range []domain.Step{domain.StepIDFront, domain.StepSelfie, domain.StepLiveness} {
		if _, err := stuck.RecordStep(domain.StepEvent{Step: step, ArtifactRef: "ref"}, f.clock.Now()); err != nil {
			t.Fatalf("RecordStep: %v", err)
		}
	}
	if err := stuck.BeginProcessing(f.clock.Now()); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	f.store.put(stuck)

	fresh := domain.NewVerificationSession("fresh", "owner-fresh", "hash", domain.DocumentPassport, f.clock.Now().Add(5*time.Minute), 10*time.Minute)
	f.store.put(fresh)

	old := domain.NewVerificationSession("old", "owner-old", "hash", domain.DocumentPassport, f.clock.Now().Add(-48*time.Hour), 10*time.Minute)
	old.State = domain.StateCompleted
	f.store.put(old)

	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewVerificationMetrics(telemetry.VerificationMetricsOptions{Registerer: registry})
	if err != nil {
		t.Fatalf("NewVerificationMetrics: %v", err)
	}

	sweeper := NewSweeper(f.store, f.store, f.engine, SweeperConfig{Retention: 24 * time.Hour}, zaptest.NewLogger(t)).
		WithClock(f.clock.Now).
		WithMetrics(metrics)

	f.clock.Advance(11 * time.Minute)

	result, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if result.Expired != 1 || result.Failed != 1 || result.Purged != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	if got := f.store.snapshot(t, "abandoned").State; got != domain.StateExpired {
		t.Fatalf("expected abandoned session EXPIRED, got %s", got)
	}
	stuckNow := f.store.snapshot(t, "stuck")
	if stuckNow.State != domain.StateFailed || stuckNow.FailureReason != domain.FailureEvaluatorTimeout {
		t.Fatalf("expected stuck session FAILED/evaluator_timeout, got %s/%s", stuckNow.State, stuckNow.FailureReason)
	}
	if got := f.store.snapshot(t, "fresh").State; got != domain.StatePendingConsent {
		t.Fatalf("fresh session must be untouched, got %s", got)
	}
	if _, err := f.store.Get(context.Background(), "old"); err == nil {
		t.Fatalf("expected old terminal session purged")
	}

	if got := testutil.ToFloat64(metrics.SweeperActions.WithLabelValues("expire")); got != 1 {
		t.Fatalf("expected 1 expire action, got %f", got)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newEngineFixture(t, fixedEvaluator(goodSignals), EngineConfig{})
	sweeper := NewSweeper(f.store, nil, f.engine, SweeperConfig{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}

func TestSweeper_CountsOnlyItsOwnTransitionsAndDropsDanglingEntries(t *testing.T) {
	f := newEngineFixture(t, fixedEvaluator(goodSignals), EngineConfig{})

	f.seed("abandoned", domain.DocumentIDCard)
	settled := domain.NewVerificationSession("settled", "owner-settled", "hash", domain.DocumentPassport, f.clock.Now(), 10*time.Minute)
	settled.State = domain.StateFailed
	f.store.put(settled)
	f.store.extraDue = []string{"settled", "reclaimed"}

	sweeper := NewSweeper(f.store, nil, f.engine, SweeperConfig{}, zaptest.NewLogger(t)).WithClock(f.clock.Now)
	f.clock.Advance(11 * time.Minute)

	result, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if result.Expired != 1 || result.Failed != 0 {
		t.Fatalf("expected only the abandoned session counted, got %+v", result)
	}
	if len(f.store.extraDue) != 1 || f.store.extraDue[0] != "settled" {
		t.Fatalf("expected reclaimed due entry dropped, got %v", f.store.extraDue)
	}
}
