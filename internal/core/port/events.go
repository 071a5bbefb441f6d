package port

import (
	"context"

	"github.com/arklim/social-platform-verification/internal/core/domain"
)

// EventPublisher publishes verification lifecycle events to the message bus.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event domain.SessionEvent) error
}

// SessionEventLog appends lifecycle events to a durable audit trail.
type SessionEventLog interface {
	AppendEvent(ctx context.Context, event domain.SessionEvent) error
	ListEvents(ctx context.Context, sessionID string) ([]domain.SessionEvent, error)
}
