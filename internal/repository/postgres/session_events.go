package postgres

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
)

// SessionEventRepository appends verification lifecycle events to the audit table.
// Event ids are ULIDs so lexical order follows insertion time.
type SessionEventRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSessionEventRepository constructs the audit log repository.
func NewSessionEventRepository(exec pgExecutor) *SessionEventRepository {
	return &SessionEventRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// AppendEvent stores the event, assigning a ULID when the caller left the id empty.
func (r *SessionEventRepository) AppendEvent(ctx context.Context, event domain.SessionEvent) error {
	if event.ID == "" {
		event.ID = r.newID(event)
	}

	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal session event details: %w", err)
	}

	stmt, args, err := r.builder.Insert(sessionEventsTbl).
		Columns("id", "session_id", "owner_user_id", "kind", "state", "occurred_at", "details").
		Values(event.ID, event.SessionID, event.OwnerUserID, event.Kind, string(event.State), event.At.UTC(), payload).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session event sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail of a session in insertion order.
func (r *SessionEventRepository) ListEvents(ctx context.Context, sessionID string) ([]domain.SessionEvent, error) {
	stmt, args, err := r.builder.
		Select("id", "session_id", "owner_user_id", "kind", "state", "occurred_at", "details").
		From(sessionEventsTbl).
		Where(squirrel.Eq{"session_id": sessionID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list session events sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.SessionEvent, 0)
	for rows.Next() {
		var (
			event   domain.SessionEvent
			state   string
			details []byte
		)
		if err := rows.Scan(&event.ID, &event.SessionID, &event.OwnerUserID, &event.Kind, &state, &event.At, &details); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		event.State = domain.SessionState(state)
		event.At = event.At.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("decode session event details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}

	return events, nil
}

func (r *SessionEventRepository) newID(event domain.SessionEvent) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(event.At), r.entropy).String()
}

var _ port.SessionEventLog = (*SessionEventRepository)(nil)
