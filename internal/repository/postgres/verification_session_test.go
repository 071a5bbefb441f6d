package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/repository"
)

var sessionRowColumns = []string{
	"id", "owner_user_id", "handoff_token_hash", "document_type", "state", "steps", "result",
	"failure_reason", "created_at", "expires_at", "last_updated_at", "processing_started_at", "version",
}

func newMockRepo(t *testing.T) (*VerificationSessionRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewVerificationSessionRepository(mock, time.Minute), mock
}

func TestVerificationSessionRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := domain.NewVerificationSession("s-1", "owner-1", "hash", domain.DocumentPassport, now, 10*time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO verification\.verification_sessions`).
		WithArgs(
			"s-1", "owner-1", "hash", "passport", "PENDING_CONSENT",
			pgxmock.AnyArg(), pgxmock.AnyArg(), nil,
			now, session.ExpiresAt, now, nil, session.ExpiresAt, int64(1),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO verification\.verification_owner_slots .*ON CONFLICT \(owner_user_id\) DO UPDATE`).
		WithArgs("owner-1", "s-1", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := repo.Create(context.Background(), session, ""); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerificationSessionRepository_CreateSlotTaken(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := domain.NewVerificationSession("s-2", "owner-1", "hash", domain.DocumentIDCard, now, 10*time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO verification\.verification_sessions`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO verification\.verification_owner_slots`).
		WithArgs("owner-1", "s-2", "s-old").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), session, "s-old")
	if !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerificationSessionRepository_Get(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	started := now.Add(time.Minute)
	rows := pgxmock.NewRows(sessionRowColumns).AddRow(
		"s-1", "owner-1", "hash", "id_card", "COMPLETED",
		[]byte(`{"idFront":{"ref":"a1","recorded_at":"2025-11-01T10:00:00Z"}}`),
		[]byte(`{"face_match":true,"liveness":true,"ocr_confidence":0.94,"overall_status":"VERIFIED"}`),
		nil, now, now.Add(10*time.Minute), now.Add(2*time.Minute), started, int64(6),
	)

	mock.ExpectQuery(`SELECT .* FROM verification\.verification_sessions AS s WHERE s\.id = \$1`).
		WithArgs("s-1").
		WillReturnRows(rows)

	session, err := repo.Get(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if session.State != domain.StateCompleted || session.Version != 6 {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Steps[domain.StepIDFront].Ref != "a1" {
		t.Fatalf("expected idFront ref a1, got %+v", session.Steps)
	}
	if session.Result == nil || session.Result.OverallStatus != domain.OverallVerified {
		t.Fatalf("expected VERIFIED result, got %+v", session.Result)
	}
	if session.ProcessingStartedAt == nil || !session.ProcessingStartedAt.Equal(started) {
		t.Fatalf("expected processing start %s", started)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerificationSessionRepository_GetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .* FROM verification\.verification_sessions`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(sessionRowColumns))

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerificationSessionRepository_UpdateTerminalReleasesSlot(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := domain.NewVerificationSession("s-1", "owner-1", "hash", domain.DocumentIDCard, now, 10*time.Minute)
	if err := session.Fail(domain.FailureSuperseded, now); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE verification\.verification_sessions SET .* WHERE id = \$9 AND version = \$10`).
		WithArgs(
			"FAILED", pgxmock.AnyArg(), pgxmock.AnyArg(), "superseded", now, nil, nil, int64(2), "s-1", int64(1),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM verification\.verification_owner_slots`).
		WithArgs("owner-1", "s-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	if err := repo.Update(context.Background(), session, 1); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerificationSessionRepository_UpdateStaleVersion(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := domain.NewVerificationSession("s-1", "owner-1", "hash", domain.DocumentIDCard, now, 10*time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE verification\.verification_sessions`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("s-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	if err := repo.Update(context.Background(), session, 7); !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerificationSessionRepository_UpdateMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	session := domain.NewVerificationSession("ghost", "owner-1", "hash", domain.DocumentIDCard, now, 10*time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE verification\.verification_sessions`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	if err := repo.Update(context.Background(), session, 1); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerificationSessionRepository_ListDue(t *testing.T) {
	repo, mock := newMockRepo(t)

	cutoff := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id FROM verification\.verification_sessions WHERE due_at <= \$1 ORDER BY due_at ASC LIMIT 50`).
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s-1").AddRow("s-2"))

	ids, err := repo.ListDue(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("ListDue returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "s-1" || ids[1] != "s-2" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerificationSessionRepository_PurgeTerminal(t *testing.T) {
	repo, mock := newMockRepo(t)

	cutoff := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM verification\.verification_sessions WHERE id IN \(SELECT id FROM verification\.verification_sessions WHERE due_at IS NULL AND last_updated_at < \$1 LIMIT 20\)`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	purged, err := repo.PurgeTerminal(context.Background(), cutoff, 20)
	if err != nil {
		t.Fatalf("PurgeTerminal returned error: %v", err)
	}
	if purged != 3 {
		t.Fatalf("expected 3 purged, got %d", purged)
	}
}

func TestVerificationSessionRepository_DeleteMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`DELETE FROM verification\.verification_sessions WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := repo.Delete(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
