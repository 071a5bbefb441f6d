package domain

import "errors"

var (
	// ErrEntropySourceUnavailable indicates the secure random source could not be read.
	ErrEntropySourceUnavailable = errors.New("entropy source unavailable")
	// ErrInvalidToken indicates the handoff token does not match the session.
	ErrInvalidToken = errors.New("invalid handoff token")
	// ErrSessionExpired indicates the session TTL has passed.
	ErrSessionExpired = errors.New("verification session expired")
	// ErrOutOfOrderTransition indicates a step was submitted before its predecessors.
	ErrOutOfOrderTransition = errors.New("out of order transition")
	// ErrStepAlreadyRecorded indicates a different artifact was already stored for the step.
	ErrStepAlreadyRecorded = errors.New("step already recorded")
	// ErrSessionAlreadyTerminal indicates the session reached COMPLETED, EXPIRED or FAILED.
	ErrSessionAlreadyTerminal = errors.New("verification session already terminal")
	// ErrEvaluatorTimeout indicates the scorer did not answer within its budget.
	ErrEvaluatorTimeout = errors.New("evaluator timeout")
)
