package port

import (
	"context"

	"github.com/arklim/social-platform-verification/internal/core/domain"
)

// ResultEvaluator scores captured artifacts. Implementations must honour ctx cancellation.
type ResultEvaluator interface {
	Evaluate(ctx context.Context, sessionID string, artifacts map[domain.Step]string) (domain.EvaluationSignals, error)
}
