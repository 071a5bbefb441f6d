package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/config"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

type sessionEventPayload struct {
	SessionID string         `json:"session_id"`
	State     string         `json:"state"`
	At        time.Time      `json:"at"`
	Details   map[string]any `json:"details,omitempty"`
}

// PublishSessionEvent sends one lifecycle event keyed by session id.
func (p *EventPublisher) PublishSessionEvent(ctx context.Context, event domain.SessionEvent) error {
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: event.Kind,
		UserID:    event.OwnerUserID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload: sessionEventPayload{
			SessionID: event.SessionID,
			State:     string(event.State),
			At:        ts.UTC(),
			Details:   event.Details,
		},
		Metadata: metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(event.Kind),
		Key:   sarama.StringEncoder(event.SessionID),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ port.EventPublisher = (*EventPublisher)(nil)
