package kafka

import (
	"context"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

// PublishSessionEvent logs the event.
func (p *StubPublisher) PublishSessionEvent(_ context.Context, event domain.SessionEvent) error {
	p.logger.Info("Stub event published",
		zap.String("event_type", event.Kind),
		zap.String("session_id", event.SessionID),
		zap.String("state", string(event.State)),
		zap.Time("timestamp", event.At.UTC()),
		zap.Any("details", event.Details),
	)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
