package port

import (
	"context"
	"time"

	"github.com/arklim/social-platform-verification/internal/core/domain"
)

// VerificationSessionStore persists verification sessions with compare-and-set semantics.
//
// Update only succeeds when the stored version equals expectedVersion; otherwise it returns
// repository.ErrVersionConflict and the caller must reload.
type VerificationSessionStore interface {
	// Create stores a new session and claims the owner's active slot. supersededID is the
	// session the caller observed in the slot ("" for none); a mismatch yields ErrVersionConflict.
	Create(ctx context.Context, session domain.VerificationSession, supersededID string) error
	Get(ctx context.Context, sessionID string) (*domain.VerificationSession, error)
	Update(ctx context.Context, session domain.VerificationSession, expectedVersion int64) error
	ActiveForOwner(ctx context.Context, ownerUserID string) (*domain.VerificationSession, error)
	// ListDue returns ids of non-terminal sessions whose deadline is at or before the cut-off.
	ListDue(ctx context.Context, before time.Time, limit int) ([]string, error)
	Delete(ctx context.Context, sessionID string) error
}

// SessionPurger reclaims terminal sessions older than the retention window. Stores that
// expire records on their own need not implement it.
type SessionPurger interface {
	PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int, error)
}
