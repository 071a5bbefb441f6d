package domain

import "time"

// Lifecycle event types published for verification sessions.
const (
	EventSessionCreated    = "verification.session.created"
	EventSessionSuperseded = "verification.session.superseded"
	EventStepRecorded      = "verification.step.recorded"
	EventProcessingStarted = "verification.session.processing"
	EventSessionCompleted  = "verification.session.completed"
	EventSessionFailed     = "verification.session.failed"
	EventSessionExpired    = "verification.session.expired"
	EventStepRejected      = "verification.step.rejected"
)

// SessionEvent captures one lifecycle change of a verification session. It is
// persisted to the audit log and published to the message bus.
type SessionEvent struct {
	ID          string
	SessionID   string
	OwnerUserID string
	Kind        string
	State       SessionState
	At          time.Time
	Details     map[string]any
}

// NewSessionEvent builds an event snapshot of the session's current state.
func NewSessionEvent(id, kind string, session VerificationSession, at time.Time, details map[string]any) SessionEvent {
	return SessionEvent{
		ID:          id,
		SessionID:   session.ID,
		OwnerUserID: session.OwnerUserID,
		Kind:        kind,
		State:       session.State,
		At:          at.UTC(),
		Details:     details,
	}
}
