package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Evaluation outcomes recorded on the evaluator metrics.
const (
	OutcomeVerdict = "verdict"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
	OutcomeExpired = "expired"
)

// VerificationMetricsOptions configures the verification collectors.
type VerificationMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// VerificationMetrics exposes Prometheus collectors for the session lifecycle.
// All record methods are safe on a nil receiver.
type VerificationMetrics struct {
	SessionsCreated   *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	Verdicts          *prometheus.CounterVec
	EvaluatorDuration *prometheus.HistogramVec
	SweeperActions    *prometheus.CounterVec
}

// NewVerificationMetrics constructs and registers the collectors.
func NewVerificationMetrics(opts VerificationMetricsOptions) (*VerificationMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "verification"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	sessionsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Verification sessions created, partitioned by document type and whether an older session was superseded.",
	}, []string{"document_type", "superseded"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Session state transitions partitioned by target state.",
	}, []string{"state"})

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_rejections_total",
		Help:      "Rejected mobile requests partitioned by reason.",
	}, []string{"reason"})

	verdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdicts_total",
		Help:      "Completed sessions partitioned by overall status.",
	}, []string{"overall_status"})

	evaluatorDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluator_duration_seconds",
		Help:      "Evaluator call latency partitioned by outcome.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
	}, []string{"outcome"})

	sweeperActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_actions_total",
		Help:      "Sessions touched by the background sweeper partitioned by action.",
	}, []string{"action"})

	m := &VerificationMetrics{}
	var err error
	if m.SessionsCreated, err = registerCounterVec(reg, sessionsCreated); err != nil {
		return nil, err
	}
	if m.Transitions, err = registerCounterVec(reg, transitions); err != nil {
		return nil, err
	}
	if m.Rejections, err = registerCounterVec(reg, rejections); err != nil {
		return nil, err
	}
	if m.Verdicts, err = registerCounterVec(reg, verdicts); err != nil {
		return nil, err
	}
	if m.SweeperActions, err = registerCounterVec(reg, sweeperActions); err != nil {
		return nil, err
	}

	if err := reg.Register(evaluatorDuration); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register evaluator duration collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("existing evaluator duration collector has unexpected type %T", already.ExistingCollector)
		}
		evaluatorDuration = existing
	}
	m.EvaluatorDuration = evaluatorDuration

	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return vec, nil
}

// SessionCreated counts a new session.
func (m *VerificationMetrics) SessionCreated(documentType string, superseded bool) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(documentType, fmt.Sprintf("%t", superseded)).Inc()
}

// Transition counts a state change.
func (m *VerificationMetrics) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

// Rejection counts a refused step or token.
func (m *VerificationMetrics) Rejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// Verdict counts a COMPLETED session by its overall status.
func (m *VerificationMetrics) Verdict(status string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(status).Inc()
}

// ObserveEvaluation records evaluator latency.
func (m *VerificationMetrics) ObserveEvaluation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EvaluatorDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SweeperAction counts a sweeper action such as expire, fail or purge.
func (m *VerificationMetrics) SweeperAction(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweeperActions.WithLabelValues(action).Add(float64(n))
}
