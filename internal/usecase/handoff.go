package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/logger"
	"github.com/arklim/social-platform-verification/internal/infra/security"
	"github.com/arklim/social-platform-verification/internal/infra/telemetry"
	"github.com/arklim/social-platform-verification/internal/repository"
)

const (
	defaultQRSize     = 256
	maxCreateAttempts = 3
	mobileVerifyPath  = "/verify/mobile"
	qrDataURIPrefix   = "data:image/png;base64,"
)

// HandoffConfig tunes session creation.
type HandoffConfig struct {
	SessionTTL    time.Duration
	MobileBaseURL string
	QRSize        int
}

// HandoffPayload is returned to the desktop once. HandoffToken is never retrievable again.
type HandoffPayload struct {
	SessionID    string
	HandoffToken string
	MobileURL    string
	QRCode       string
	DocumentType domain.DocumentType
	ExpiresAt    time.Time
	Superseded   string
}

// SessionContext binds a mobile request to the session its handoff token opened.
type SessionContext struct {
	SessionID    string
	OwnerUserID  string
	DocumentType domain.DocumentType
	ExpiresAt    time.Time
}

// HandoffService creates sessions for owners and authenticates mobile devices against them.
type HandoffService struct {
	store   port.VerificationSessionStore
	engine  *VerificationEngine
	tokens  *security.TokenGenerator
	metrics *telemetry.VerificationMetrics
	logger  *zap.Logger
	cfg     HandoffConfig
	now     func() time.Time
}

// NewHandoffService constructs a HandoffService.
func NewHandoffService(store port.VerificationSessionStore, engine *VerificationEngine, tokens *security.TokenGenerator, cfg HandoffConfig, logger *zap.Logger) *HandoffService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokens == nil {
		tokens = security.NewTokenGenerator()
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = defaultQRSize
	}
	return &HandoffService{
		store:  store,
		engine: engine,
		tokens: tokens,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *HandoffService) WithClock(clock func() time.Time) *HandoffService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithMetrics attaches Prometheus collectors.
func (s *HandoffService) WithMetrics(metrics *telemetry.VerificationMetrics) *HandoffService {
	s.metrics = metrics
	return s
}

// CreateHandoff opens a new session for the owner. Any session the owner still has active is
// failed with reason "superseded" first, so its handoff link stops working.
func (s *HandoffService) CreateHandoff(ctx context.Context, ownerUserID, documentType string) (*HandoffPayload, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return nil, fmt.Errorf("owner user id is required")
	}
	docType, ok := domain.ParseDocumentType(documentType)
	if !ok {
		return nil, ErrUnsupportedDocument
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		supersededID, err := s.releaseActive(ctx, ownerUserID)
		if err != nil {
			return nil, err
		}

		sessionID, err := s.tokens.NewSessionID()
		if err != nil {
			return nil, err
		}
		token, err := s.tokens.NewHandoffToken()
		if err != nil {
			return nil, err
		}

		session := domain.NewVerificationSession(sessionID, ownerUserID, security.HashToken(token), docType, s.now(), s.cfg.SessionTTL)
		if err := s.store.Create(ctx, session, supersededID); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				s.logger.Debug("owner slot changed during create, retrying",
					zap.String("owner_user_id", logger.MaskString(ownerUserID)),
					zap.Int("attempt", attempt+1),
				)
				continue
			}
			return nil, fmt.Errorf("create verification session: %w", err)
		}

		s.metrics.SessionCreated(string(docType), supersededID != "")
		s.engine.emit(ctx, domain.EventSessionCreated, session, map[string]any{
			"document_type": string(docType),
			"superseded":    supersededID,
		})

		mobileURL, err := s.mobileURL(sessionID, token)
		if err != nil {
			return nil, err
		}
		qrCode, err := renderQRCode(mobileURL, s.cfg.QRSize)
		if err != nil {
			return nil, err
		}

		s.logger.Info("verification session created",
			zap.String("session_id", sessionID),
			zap.String("document_type", string(docType)),
			zap.Bool("superseded_previous", supersededID != ""),
		)

		return &HandoffPayload{
			SessionID:    sessionID,
			HandoffToken: token,
			MobileURL:    mobileURL,
			QRCode:       qrCode,
			DocumentType: docType,
			ExpiresAt:    session.ExpiresAt,
			Superseded:   supersededID,
		}, nil
	}

	return nil, ErrConcurrentUpdate
}

// releaseActive terminates the owner's current session, if any, and returns the id that held the slot.
func (s *HandoffService) releaseActive(ctx context.Context, ownerUserID string) (string, error) {
	active, err := s.store.ActiveForOwner(ctx, ownerUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("lookup active session: %w", err)
	}

	if _, err := s.engine.Fail(ctx, active.ID, domain.FailureSuperseded); err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionAlreadyTerminal), errors.Is(err, ErrSessionNotFound):
		default:
			return "", err
		}
	}
	return active.ID, nil
}

// ActiveSession returns the owner's current non-terminal session.
func (s *HandoffService) ActiveSession(ctx context.Context, ownerUserID string) (*domain.VerificationSession, error) {
	active, err := s.store.ActiveForOwner(ctx, ownerUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("lookup active session: %w", err)
	}

	session, err := s.engine.Refresh(ctx, active.ID)
	if err != nil {
		return nil, err
	}
	if session.State.IsTerminal() {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// AuthenticateHandoff checks a mobile handoff token against the session. Unknown sessions and
// wrong tokens are indistinguishable to the caller.
func (s *HandoffService) AuthenticateHandoff(ctx context.Context, sessionID, token string) (*SessionContext, error) {
	if strings.TrimSpace(sessionID) == "" || token == "" {
		return nil, domain.ErrInvalidToken
	}

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.Rejection("invalid_token")
			return nil, domain.ErrInvalidToken
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	if !security.TokenMatchesHash(token, session.HandoffTokenHash) {
		s.metrics.Rejection("invalid_token")
		return nil, domain.ErrInvalidToken
	}

	if session.IsExpiredAt(s.now()) {
		if _, err := s.engine.Refresh(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.logger.Warn("failed to persist lazy expiry", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, domain.ErrSessionExpired
	}

	return &SessionContext{
		SessionID:    session.ID,
		OwnerUserID:  session.OwnerUserID,
		DocumentType: session.DocumentType,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

func (s *HandoffService) mobileURL(sessionID, token string) (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.MobileBaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse mobile base url: %w", err)
	}
	base.Path += mobileVerifyPath
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("token", token)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func renderQRCode(content string, size int) (string, error) {
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	scaled, err := barcode.Scale(code, size, size)
	if err != nil {
		return "", fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return "", fmt.Errorf("encode qr png: %w", err)
	}
	return qrDataURIPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
