package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/repository"
)

const (
	sessionsTable    = "verification.verification_sessions"
	ownerSlotsTable  = "verification.verification_owner_slots"
	sessionEventsTbl = "verification.verification_session_events"
)

var sessionColumns = []string{
	"s.id",
	"s.owner_user_id",
	"s.handoff_token_hash",
	"s.document_type",
	"s.state",
	"s.steps",
	"s.result",
	"s.failure_reason",
	"s.created_at",
	"s.expires_at",
	"s.last_updated_at",
	"s.processing_started_at",
	"s.version",
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// VerificationSessionRepository implements port.VerificationSessionStore backed by PostgreSQL.
// The owner slot table enforces a single active session per owner.
type VerificationSessionRepository struct {
	exec             pgExecutor
	builder          squirrel.StatementBuilderType
	processingBudget time.Duration
}

// NewVerificationSessionRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewVerificationSessionRepository(exec pgExecutor, processingBudget time.Duration) *VerificationSessionRepository {
	return &VerificationSessionRepository{
		exec:             exec,
		builder:          squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		processingBudget: processingBudget,
	}
}

// Create inserts the session and claims the owner slot inside one transaction.
func (r *VerificationSessionRepository) Create(ctx context.Context, session domain.VerificationSession, supersededID string) error {
	values, err := r.rowValues(session)
	if err != nil {
		return err
	}

	insertStmt, insertArgs, err := r.builder.Insert(sessionsTable).
		Columns(
			"id",
			"owner_user_id",
			"handoff_token_hash",
			"document_type",
			"state",
			"steps",
			"result",
			"failure_reason",
			"created_at",
			"expires_at",
			"last_updated_at",
			"processing_started_at",
			"due_at",
			"version",
		).
		Values(
			session.ID,
			session.OwnerUserID,
			session.HandoffTokenHash,
			string(session.DocumentType),
			string(session.State),
			values.steps,
			values.result,
			values.failureReason,
			session.CreatedAt.UTC(),
			session.ExpiresAt.UTC(),
			session.LastUpdatedAt.UTC(),
			values.processingStartedAt,
			values.dueAt,
			session.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert verification session sql: %w", err)
	}

	// The slot may be taken over only from the session the caller superseded.
	slotStmt, slotArgs, err := r.builder.Insert(ownerSlotsTable).
		Columns("owner_user_id", "session_id").
		Values(session.OwnerUserID, session.ID).
		Suffix("ON CONFLICT (owner_user_id) DO UPDATE SET session_id = EXCLUDED.session_id WHERE "+ownerSlotsTable+".session_id = ?", supersededID).
		ToSql()
	if err != nil {
		return fmt.Errorf("build claim owner slot sql: %w", err)
	}

	tx, err := r.exec.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create session tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertStmt, insertArgs...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("session %s already exists: %w", session.ID, repository.ErrVersionConflict)
		}
		return fmt.Errorf("insert verification session: %w", err)
	}

	tag, err := tx.Exec(ctx, slotStmt, slotArgs...)
	if err != nil {
		return fmt.Errorf("claim owner slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create session tx: %w", err)
	}
	return nil
}

// Get fetches a session by its identifier.
func (r *VerificationSessionRepository) Get(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From(sessionsTable + " AS s").
		Where(squirrel.Eq{"s.id": sessionID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select verification session sql: %w", err)
	}

	session, err := scanVerificationSession(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan verification session: %w", err)
	}
	return session, nil
}

// Update writes the session if the stored version still equals expectedVersion.
func (r *VerificationSessionRepository) Update(ctx context.Context, session domain.VerificationSession, expectedVersion int64) error {
	values, err := r.rowValues(session)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Update(sessionsTable).
		Set("state", string(session.State)).
		Set("steps", values.steps).
		Set("result", values.result).
		Set("failure_reason", values.failureReason).
		Set("last_updated_at", session.LastUpdatedAt.UTC()).
		Set("processing_started_at", values.processingStartedAt).
		Set("due_at", values.dueAt).
		Set("version", session.Version).
		Where(squirrel.Eq{"id": session.ID, "version": expectedVersion}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update verification session sql: %w", err)
	}

	tx, err := r.exec.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update session tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update verification session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+sessionsTable+" WHERE id = $1)", session.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check verification session exists: %w", err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrVersionConflict
	}

	if session.State.IsTerminal() {
		releaseStmt, releaseArgs, err := r.builder.Delete(ownerSlotsTable).
			Where(squirrel.Eq{"owner_user_id": session.OwnerUserID, "session_id": session.ID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build release owner slot sql: %w", err)
		}
		if _, err := tx.Exec(ctx, releaseStmt, releaseArgs...); err != nil {
			return fmt.Errorf("release owner slot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update session tx: %w", err)
	}
	return nil
}

// ActiveForOwner returns the session holding the owner's slot.
func (r *VerificationSessionRepository) ActiveForOwner(ctx context.Context, ownerUserID string) (*domain.VerificationSession, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From(ownerSlotsTable + " AS o").
		Join(sessionsTable + " AS s ON s.id = o.session_id").
		Where(squirrel.Eq{"o.owner_user_id": ownerUserID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select active session sql: %w", err)
	}

	session, err := scanVerificationSession(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan active session: %w", err)
	}
	return session, nil
}

// ListDue returns ids of non-terminal sessions whose deadline is at or before the cut-off.
func (r *VerificationSessionRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	stmt, args, err := r.builder.
		Select("id").
		From(sessionsTable).
		Where(squirrel.LtOrEq{"due_at": before.UTC()}).
		OrderBy("due_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list due sessions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query due sessions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due sessions: %w", err)
	}

	return ids, nil
}

// Delete removes a session; its owner slot goes with it through the foreign key.
func (r *VerificationSessionRepository) Delete(ctx context.Context, sessionID string) error {
	stmt, args, err := r.builder.Delete(sessionsTable).
		Where(squirrel.Eq{"id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete verification session sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete verification session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// PurgeTerminal deletes terminal sessions last touched before olderThan.
func (r *VerificationSessionRepository) PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	candidates := r.builder.
		Select("id").
		From(sessionsTable).
		Where(squirrel.Eq{"due_at": nil}).
		Where(squirrel.Lt{"last_updated_at": olderThan.UTC()}).
		Limit(uint64(limit))

	stmt, args, err := r.builder.Delete(sessionsTable).
		Where(squirrel.Expr("id IN (?)", candidates)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge sessions sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("purge verification sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type sessionRowValues struct {
	steps               []byte
	result              []byte
	failureReason       any
	processingStartedAt any
	dueAt               any
}

func (r *VerificationSessionRepository) rowValues(session domain.VerificationSession) (sessionRowValues, error) {
	steps := session.Steps
	if steps == nil {
		steps = map[domain.Step]domain.StepArtifact{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return sessionRowValues{}, fmt.Errorf("marshal session steps: %w", err)
	}

	values := sessionRowValues{
		steps:               stepsJSON,
		failureReason:       optionalString(session.FailureReason),
		processingStartedAt: optionalTime(session.ProcessingStartedAt),
	}
	if session.Result != nil {
		values.result, err = json.Marshal(session.Result)
		if err != nil {
			return sessionRowValues{}, fmt.Errorf("marshal session result: %w", err)
		}
	}
	if !session.State.IsTerminal() {
		values.dueAt = session.DeadlineAt(r.processingBudget).UTC()
	}
	return values, nil
}

func scanVerificationSession(row pgx.Row) (*domain.VerificationSession, error) {
	var (
		session       domain.VerificationSession
		documentType  string
		state         string
		steps         []byte
		result        []byte
		failureReason sql.NullString
		processingAt  sql.NullTime
	)

	if err := row.Scan(
		&session.ID,
		&session.OwnerUserID,
		&session.HandoffTokenHash,
		&documentType,
		&state,
		&steps,
		&result,
		&failureReason,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.LastUpdatedAt,
		&processingAt,
		&session.Version,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	session.DocumentType = domain.DocumentType(documentType)
	session.State = domain.SessionState(state)
	session.Steps = make(map[domain.Step]domain.StepArtifact)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &session.Steps); err != nil {
			return nil, fmt.Errorf("decode session steps: %w", err)
		}
	}
	if len(result) > 0 {
		var decoded domain.VerificationResult
		if err := json.Unmarshal(result, &decoded); err != nil {
			return nil, fmt.Errorf("decode session result: %w", err)
		}
		session.Result = &decoded
	}
	if failureReason.Valid {
		session.FailureReason = failureReason.String
	}
	if processingAt.Valid {
		started := processingAt.Time.UTC()
		session.ProcessingStartedAt = &started
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()
	session.LastUpdatedAt = session.LastUpdatedAt.UTC()

	return &session, nil
}

func optionalString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func optionalTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return (*value).UTC()
}

var (
	_ port.VerificationSessionStore = (*VerificationSessionRepository)(nil)
	_ port.SessionPurger            = (*VerificationSessionRepository)(nil)
)
