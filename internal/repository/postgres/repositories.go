package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Sessions *VerificationSessionRepository
	Events   *SessionEventRepository
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool, processingBudget time.Duration) *Repositories {
	return &Repositories{
		Sessions: NewVerificationSessionRepository(pool, processingBudget),
		Events:   NewSessionEventRepository(pool),
	}
}
