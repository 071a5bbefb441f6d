package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
)

// ErrEvaluatorUnavailable indicates the scoring service answered with a non-success status.
var ErrEvaluatorUnavailable = errors.New("evaluator unavailable")

const maxResponseBytes = 64 << 10

// HTTPEvaluator calls an external scoring service over HTTP.
type HTTPEvaluator struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPEvaluator builds a client for the scoring endpoint. Deadlines come from the caller's context.
func NewHTTPEvaluator(endpoint, apiKey string, logger *zap.Logger) *HTTPEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPEvaluator{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type evaluateRequest struct {
	SessionID string            `json:"session_id"`
	Artifacts map[string]string `json:"artifacts"`
}

type evaluateResponse struct {
	FaceMatch     *bool    `json:"face_match"`
	Liveness      *bool    `json:"liveness"`
	OCRConfidence *float64 `json:"ocr_confidence"`
}

// Evaluate posts the artifact references and decodes the returned signals.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, sessionID string, artifacts map[domain.Step]string) (domain.EvaluationSignals, error) {
	body := evaluateRequest{SessionID: sessionID, Artifacts: make(map[string]string, len(artifacts))}
	for step, ref := range artifacts {
		body.Artifacts[string(step)] = ref
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.EvaluationSignals{}, fmt.Errorf("marshal evaluation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/evaluations", bytes.NewReader(payload))
	if err != nil {
		return domain.EvaluationSignals{}, fmt.Errorf("create evaluation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return domain.EvaluationSignals{}, fmt.Errorf("%w: %v", domain.ErrEvaluatorTimeout, err)
		}
		return domain.EvaluationSignals{}, fmt.Errorf("send evaluation request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.EvaluationSignals{}, fmt.Errorf("%w: %v", domain.ErrEvaluatorTimeout, err)
		}
		return domain.EvaluationSignals{}, fmt.Errorf("read evaluation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("evaluator returned non-OK status",
			zap.String("session_id", sessionID),
			zap.Int("status", resp.StatusCode),
		)
		return domain.EvaluationSignals{}, fmt.Errorf("%w: status %d", ErrEvaluatorUnavailable, resp.StatusCode)
	}

	var decoded evaluateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.EvaluationSignals{}, fmt.Errorf("decode evaluation response: %w", err)
	}
	if decoded.FaceMatch == nil || decoded.Liveness == nil || decoded.OCRConfidence == nil {
		return domain.EvaluationSignals{}, fmt.Errorf("evaluation response missing signals")
	}

	signals := domain.EvaluationSignals{
		FaceMatch:     *decoded.FaceMatch,
		Liveness:      *decoded.Liveness,
		OCRConfidence: *decoded.OCRConfidence,
	}
	if err := domain.ValidateSignals(signals); err != nil {
		return domain.EvaluationSignals{}, err
	}
	return signals, nil
}

var _ port.ResultEvaluator = (*HTTPEvaluator)(nil)
