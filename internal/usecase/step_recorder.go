package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
)

const defaultMaxArtifactBytes int64 = 10 << 20

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
	"image/heic": {},
	"video/mp4":  {},
	"video/webm": {},
}

// StepRecorder accepts mobile captures for a handoff-authenticated session.
type StepRecorder struct {
	engine   *VerificationEngine
	storage  port.ArtifactStorage
	maxBytes int64
	logger   *zap.Logger
}

// NewStepRecorder constructs a StepRecorder. storage may be nil when only references are recorded.
func NewStepRecorder(engine *VerificationEngine, storage port.ArtifactStorage, maxBytes int64, logger *zap.Logger) *StepRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxArtifactBytes
	}
	return &StepRecorder{engine: engine, storage: storage, maxBytes: maxBytes, logger: logger}
}

// RecordStep records an artifact reference the mobile device obtained elsewhere.
func (r *StepRecorder) RecordStep(ctx context.Context, sc SessionContext, stepName, artifactRef string) (*domain.SessionView, error) {
	step, ok := domain.ParseStep(stepName)
	if !ok {
		return nil, ErrUnknownStep
	}
	if strings.TrimSpace(artifactRef) == "" {
		return nil, ErrArtifactRequired
	}

	session, err := r.engine.Apply(ctx, sc.SessionID, domain.StepEvent{Step: step, ArtifactRef: artifactRef})
	if err != nil {
		return nil, err
	}
	view := session.View()
	return &view, nil
}

// UploadStep stores the binary under a content-addressed key and records it. A retried identical
// upload resolves to the same key and is accepted as a replay.
func (r *StepRecorder) UploadStep(ctx context.Context, sc SessionContext, stepName string, body io.Reader, size int64, contentType string) (*domain.SessionView, error) {
	step, ok := domain.ParseStep(stepName)
	if !ok {
		return nil, ErrUnknownStep
	}
	if r.storage == nil {
		return nil, fmt.Errorf("artifact storage not configured")
	}

	mediaType, err := normalizeContentType(contentType)
	if err != nil {
		return nil, err
	}
	if size > r.maxBytes {
		return nil, ErrArtifactTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, ErrArtifactTooLarge
	}
	if len(data) == 0 {
		return nil, ErrArtifactRequired
	}

	key := ArtifactKey(sc.SessionID, step, data)
	if err := r.storage.Put(ctx, port.ArtifactObject{
		Key:         key,
		ContentType: mediaType,
		Size:        int64(len(data)),
		Body:        bytes.NewReader(data),
	}); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	session, err := r.engine.Apply(ctx, sc.SessionID, domain.StepEvent{Step: step, ArtifactRef: key})
	if err != nil {
		r.discardOrphan(ctx, sc.SessionID, step, key)
		return nil, err
	}
	view := session.View()
	return &view, nil
}

// discardOrphan removes a stored object unless the session references it.
func (r *StepRecorder) discardOrphan(ctx context.Context, sessionID string, step domain.Step, key string) {
	if current, err := r.engine.store.Get(ctx, sessionID); err == nil {
		if recorded, ok := current.Steps[step]; ok && recorded.Ref == key {
			return
		}
	}
	if err := r.storage.Delete(ctx, key); err != nil {
		r.logger.Warn("failed to remove orphaned artifact",
			zap.String("session_id", sessionID),
			zap.String("step", string(step)),
			zap.Error(err),
		)
	}
}

// ArtifactKey is the content-addressed object key for a captured step.
func ArtifactKey(sessionID string, step domain.Step, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("sessions/%s/%s/%s", sessionID, step, hex.EncodeToString(sum[:]))
}

func normalizeContentType(raw string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", ErrUnsupportedContentType
	}
	mediaType = strings.ToLower(mediaType)
	if _, ok := allowedContentTypes[mediaType]; !ok {
		return "", ErrUnsupportedContentType
	}
	return mediaType, nil
}

// IsRejection reports whether err is a state machine refusal worth flagging for abuse monitoring.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrOutOfOrderTransition) ||
		errors.Is(err, domain.ErrStepAlreadyRecorded) ||
		errors.Is(err, domain.ErrInvalidToken)
}
