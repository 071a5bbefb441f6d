package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/social-platform-verification/internal/core/domain"
)

func TestSessionEventRepository_AppendAssignsULID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewSessionEventRepository(mock)
	at := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)

	var captured string
	mock.ExpectExec(`INSERT INTO verification\.verification_session_events .* ON CONFLICT DO NOTHING`).
		WithArgs(idCapture{dst: &captured}, "s-1", "owner-1", domain.EventStepRecorded, "ID_FRONT_UPLOADED", at, []byte(`{"step":"idFront"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	event := domain.SessionEvent{
		SessionID:   "s-1",
		OwnerUserID: "owner-1",
		Kind:        domain.EventStepRecorded,
		State:       domain.StateIDFrontUploaded,
		At:          at,
		Details:     map[string]any{"step": "idFront"},
	}
	if err := repo.AppendEvent(context.Background(), event); err != nil {
		t.Fatalf("AppendEvent returned error: %v", err)
	}

	parsed, err := ulid.Parse(captured)
	if err != nil {
		t.Fatalf("expected ULID id, got %q: %v", captured, err)
	}
	if ulid.Time(parsed.Time()).UnixMilli() != at.UnixMilli() {
		t.Fatalf("expected ULID timestamp to match event time")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionEventRepository_ListEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewSessionEventRepository(mock)
	at := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "session_id", "owner_user_id", "kind", "state", "occurred_at", "details"}).
		AddRow("01A", "s-1", "owner-1", domain.EventSessionCreated, "PENDING_CONSENT", at, []byte(`{}`)).
		AddRow("01B", "s-1", "owner-1", domain.EventSessionExpired, "EXPIRED", at.Add(10*time.Minute), []byte(`{"reason":"ttl"}`))

	mock.ExpectQuery(`SELECT .* FROM verification\.verification_session_events WHERE session_id = \$1 ORDER BY id ASC`).
		WithArgs("s-1").
		WillReturnRows(rows)

	events, err := repo.ListEvents(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].State != domain.StateExpired || events[1].Details["reason"] != "ttl" {
		t.Fatalf("unexpected event %+v", events[1])
	}
}

type idCapture struct {
	dst *string
}

func (c idCapture) Match(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	*c.dst = s
	return true
}
