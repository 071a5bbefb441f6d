package usecase

import (
	"context"
	"math"
	"time"

	"github.com/arklim/social-platform-verification/internal/core/domain"
)

const defaultPollInterval = 2 * time.Second

// StatusView is the poll response returned to both devices.
type StatusView struct {
	domain.SessionView
	PollAfterSeconds int `json:"poll_after_seconds,omitempty"`
}

// StatusService serves read-only status polls. It never waits on evaluation.
type StatusService struct {
	engine       *VerificationEngine
	pollInterval time.Duration
}

// NewStatusService constructs a StatusService.
func NewStatusService(engine *VerificationEngine, pollInterval time.Duration) *StatusService {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &StatusService{engine: engine, pollInterval: pollInterval}
}

// GetStatus returns the session view for its owner. Ownership is checked before any lazy
// expiry is persisted, so other callers cannot cause writes.
func (s *StatusService) GetStatus(ctx context.Context, ownerUserID, sessionID string) (*StatusView, error) {
	current, err := s.engine.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ownerUserID == "" || current.OwnerUserID != ownerUserID {
		return nil, ErrSessionForbidden
	}
	session, err := s.engine.Refresh(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.project(session), nil
}

// GetHandoffStatus returns the session view for an authenticated mobile device.
func (s *StatusService) GetHandoffStatus(ctx context.Context, sc SessionContext) (*StatusView, error) {
	session, err := s.engine.Refresh(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	return s.project(session), nil
}

// Project builds a status view of an already loaded session.
func (s *StatusService) Project(session *domain.VerificationSession) *StatusView {
	return s.project(session)
}

func (s *StatusService) project(session *domain.VerificationSession) *StatusView {
	view := &StatusView{SessionView: session.View()}
	if !session.State.IsTerminal() {
		view.PollAfterSeconds = int(math.Ceil(s.pollInterval.Seconds()))
	}
	return view
}
