package domain

import (
	"strings"
	"time"
)

// SessionState is a node in the verification state machine.
type SessionState string

const (
	StatePendingConsent   SessionState = "PENDING_CONSENT"
	StateIDFrontUploaded  SessionState = "ID_FRONT_UPLOADED"
	StateIDBackUploaded   SessionState = "ID_BACK_UPLOADED"
	StateSelfieCaptured   SessionState = "SELFIE_CAPTURED"
	StateLivenessVerified SessionState = "LIVENESS_VERIFIED"
	StateProcessing       SessionState = "PROCESSING"
	StateCompleted        SessionState = "COMPLETED"
	StateExpired          SessionState = "EXPIRED"
	StateFailed           SessionState = "FAILED"
)

// IsTerminal reports whether no further transition is possible from the state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// Step names one piece of captured evidence.
type Step string

const (
	StepIDFront  Step = "idFront"
	StepIDBack   Step = "idBack"
	StepSelfie   Step = "selfie"
	StepLiveness Step = "liveness"
)

var stepStates = map[Step]SessionState{
	StepIDFront:  StateIDFrontUploaded,
	StepIDBack:   StateIDBackUploaded,
	StepSelfie:   StateSelfieCaptured,
	StepLiveness: StateLivenessVerified,
}

// ParseStep resolves a step name case-insensitively.
func ParseStep(raw string) (Step, bool) {
	trimmed := strings.TrimSpace(raw)
	for step := range stepStates {
		if strings.EqualFold(string(step), trimmed) {
			return step, true
		}
	}
	return "", false
}

// DocumentType selects which document sides must be captured.
type DocumentType string

const (
	DocumentPassport       DocumentType = "passport"
	DocumentIDCard         DocumentType = "id_card"
	DocumentDriversLicense DocumentType = "drivers_license"
)

// ParseDocumentType normalises a document type, defaulting to id_card when empty.
func ParseDocumentType(raw string) (DocumentType, bool) {
	switch DocumentType(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DocumentIDCard, true
	case DocumentPassport:
		return DocumentPassport, true
	case DocumentIDCard:
		return DocumentIDCard, true
	case DocumentDriversLicense:
		return DocumentDriversLicense, true
	default:
		return "", false
	}
}

// RequiredSteps returns the ordered capture sequence for the document type.
func (d DocumentType) RequiredSteps() []Step {
	if d == DocumentPassport {
		return []Step{StepIDFront, StepSelfie, StepLiveness}
	}
	return []Step{StepIDFront, StepIDBack, StepSelfie, StepLiveness}
}

// OverallStatus is the verdict sub-tag of a COMPLETED session.
type OverallStatus string

const (
	OverallVerified     OverallStatus = "VERIFIED"
	OverallManualReview OverallStatus = "MANUAL_REVIEW"
	OverallRejected     OverallStatus = "REJECTED"
)

// Failure reasons recorded on FAILED sessions.
const (
	FailureEvaluatorTimeout = "evaluator_timeout"
	FailureEvaluatorError   = "evaluator_error"
	FailureSuperseded       = "superseded"
)

// StepArtifact is the write-once reference stored for a recorded step.
type StepArtifact struct {
	Ref        string    `json:"ref"`
	RecordedAt time.Time `json:"recorded_at"`
}

// EvaluationSignals is the raw output of the external scorer.
type EvaluationSignals struct {
	FaceMatch     bool    `json:"face_match"`
	Liveness      bool    `json:"liveness"`
	OCRConfidence float64 `json:"ocr_confidence"`
}

// VerificationResult is the evaluated outcome attached to a COMPLETED session.
type VerificationResult struct {
	FaceMatch     bool          `json:"face_match"`
	Liveness      bool          `json:"liveness"`
	OCRConfidence float64       `json:"ocr_confidence"`
	OverallStatus OverallStatus `json:"overall_status"`
}

// VerificationSession is the shared record both devices rendezvous on.
type VerificationSession struct {
	ID                  string                `json:"id"`
	OwnerUserID         string                `json:"owner_user_id"`
	HandoffTokenHash    string                `json:"handoff_token_hash"`
	DocumentType        DocumentType          `json:"document_type"`
	State               SessionState          `json:"state"`
	Steps               map[Step]StepArtifact `json:"steps,omitempty"`
	Result              *VerificationResult   `json:"result,omitempty"`
	FailureReason       string                `json:"failure_reason,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	ExpiresAt           time.Time             `json:"expires_at"`
	LastUpdatedAt       time.Time             `json:"last_updated_at"`
	ProcessingStartedAt *time.Time            `json:"processing_started_at,omitempty"`
	Version             int64                 `json:"version"`
}

// NewVerificationSession builds a session in PENDING_CONSENT.
func NewVerificationSession(id, ownerUserID, tokenHash string, documentType DocumentType, now time.Time, ttl time.Duration) VerificationSession {
	now = now.UTC()
	return VerificationSession{
		ID:               id,
		OwnerUserID:      ownerUserID,
		HandoffTokenHash: tokenHash,
		DocumentType:     documentType,
		State:            StatePendingConsent,
		Steps:            make(map[Step]StepArtifact),
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		LastUpdatedAt:    now,
		Version:          1,
	}
}

// IsExpiredAt reports whether the TTL window has passed at the supplied moment.
func (s VerificationSession) IsExpiredAt(at time.Time) bool {
	return !at.Before(s.ExpiresAt)
}

// IsActive reports whether the session is neither terminal nor past its TTL.
func (s VerificationSession) IsActive(at time.Time) bool {
	return !s.State.IsTerminal() && !s.IsExpiredAt(at)
}

// NextStep returns the next required step, or false once every step is captured.
func (s VerificationSession) NextStep() (Step, bool) {
	for _, step := range s.DocumentType.RequiredSteps() {
		if _, done := s.Steps[step]; !done {
			return step, true
		}
	}
	return "", false
}

// CompletedSteps lists recorded steps in capture order.
func (s VerificationSession) CompletedSteps() []Step {
	completed := make([]Step, 0, len(s.Steps))
	for _, step := range s.DocumentType.RequiredSteps() {
		if _, done := s.Steps[step]; done {
			completed = append(completed, step)
		}
	}
	return completed
}

// ArtifactRefs returns a copy of the step → reference mapping handed to the evaluator.
func (s VerificationSession) ArtifactRefs() map[Step]string {
	refs := make(map[Step]string, len(s.Steps))
	for step, artifact := range s.Steps {
		refs[step] = artifact.Ref
	}
	return refs
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (s VerificationSession) Clone() VerificationSession {
	out := s
	out.Steps = make(map[Step]StepArtifact, len(s.Steps))
	for k, v := range s.Steps {
		out.Steps[k] = v
	}
	if s.Result != nil {
		result := *s.Result
		out.Result = &result
	}
	if s.ProcessingStartedAt != nil {
		started := *s.ProcessingStartedAt
		out.ProcessingStartedAt = &started
	}
	return out
}

// SessionView is the read projection returned to both clients.
type SessionView struct {
	SessionID      string              `json:"session_id"`
	State          SessionState        `json:"state"`
	DocumentType   DocumentType        `json:"document_type"`
	CompletedSteps []Step              `json:"completed_steps"`
	NextStep       *Step               `json:"next_step,omitempty"`
	Result         *VerificationResult `json:"result,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	ExpiresAt      time.Time           `json:"expires_at"`
	LastUpdatedAt  time.Time           `json:"last_updated_at"`
}

// View projects the session. The result is only exposed once the session is terminal.
func (s VerificationSession) View() SessionView {
	view := SessionView{
		SessionID:      s.ID,
		State:          s.State,
		DocumentType:   s.DocumentType,
		CompletedSteps: s.CompletedSteps(),
		FailureReason:  s.FailureReason,
		ExpiresAt:      s.ExpiresAt,
		LastUpdatedAt:  s.LastUpdatedAt,
	}
	if s.State.IsTerminal() && s.Result != nil {
		result := *s.Result
		view.Result = &result
	}
	if !s.State.IsTerminal() {
		if next, ok := s.NextStep(); ok {
			view.NextStep = &next
		}
	}
	return view
}
