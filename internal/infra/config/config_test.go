package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	ver := cfg.Verification
	if ver.SessionTTL() != 10*time.Minute {
		t.Fatalf("expected 10m session ttl, got %s", ver.SessionTTL())
	}
	if ver.EvaluatorTimeout() != 45*time.Second {
		t.Fatalf("expected 45s evaluator timeout, got %s", ver.EvaluatorTimeout())
	}
	if ver.VerifiedThreshold != 0.85 || ver.RejectFloor != 0.5 {
		t.Fatalf("unexpected thresholds %v / %v", ver.VerifiedThreshold, ver.RejectFloor)
	}
	if ver.ProcessingBudget() != 60*time.Second {
		t.Fatalf("expected 60s processing budget, got %s", ver.ProcessingBudget())
	}
	if ver.StoreBackend != "redis" || cfg.Evaluator.Mode != "stub" {
		t.Fatalf("unexpected backends: store=%s evaluator=%s", ver.StoreBackend, cfg.Evaluator.Mode)
	}
}

func TestLoad_BareEnvironmentNames(t *testing.T) {
	t.Setenv("SESSION_TTL_SECONDS", "300")
	t.Setenv("EVALUATOR_TIMEOUT_SECONDS", "20")
	t.Setenv("VERIFIED_THRESHOLD", "0.9")
	t.Setenv("REJECT_FLOOR", "0.4")
	t.Setenv("VERIF_VERIFICATION_STORE_BACKEND", "postgres")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	ver := cfg.Verification
	if ver.SessionTTL() != 5*time.Minute || ver.EvaluatorTimeout() != 20*time.Second {
		t.Fatalf("env overrides not applied: ttl=%s timeout=%s", ver.SessionTTL(), ver.EvaluatorTimeout())
	}
	if ver.VerifiedThreshold != 0.9 || ver.RejectFloor != 0.4 {
		t.Fatalf("threshold overrides not applied: %v / %v", ver.VerifiedThreshold, ver.RejectFloor)
	}
	if ver.StoreBackend != "postgres" {
		t.Fatalf("expected postgres backend, got %s", ver.StoreBackend)
	}
}

func TestLoad_RejectsInvertedThresholds(t *testing.T) {
	t.Setenv("VERIFIED_THRESHOLD", "0.3")
	t.Setenv("REJECT_FLOOR", "0.6")

	if _, err := Load(); err == nil {
		t.Fatal("expected threshold below reject floor to be rejected")
	}
}

func TestLoad_RequiresEndpointForHTTPEvaluator(t *testing.T) {
	t.Setenv("VERIF_EVALUATOR_MODE", "http")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing evaluator endpoint to be rejected")
	}
}

func TestPostgresSettings_DSN(t *testing.T) {
	dsn := PostgresSettings{Host: "db", Port: 5432, User: "u", Password: "p@ss", Database: "verif", SSLMode: "disable"}.DSN()
	if dsn != "postgres://u:p%40ss@db:5432/verif?sslmode=disable" {
		t.Fatalf("unexpected dsn %s", dsn)
	}
}
