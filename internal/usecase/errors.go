package usecase

import "errors"

var (
	// ErrSessionNotFound indicates that the requested verification session does not exist.
	ErrSessionNotFound = errors.New("verification session not found")
	// ErrSessionForbidden indicates that the session is not owned by the caller.
	ErrSessionForbidden = errors.New("verification session not owned by user")
	// ErrUnknownStep indicates the step name is not part of the capture flow.
	ErrUnknownStep = errors.New("unknown verification step")
	// ErrUnsupportedDocument indicates the document type is not accepted.
	ErrUnsupportedDocument = errors.New("unsupported document type")
	// ErrArtifactTooLarge indicates an upload exceeded the configured size limit.
	ErrArtifactTooLarge = errors.New("artifact too large")
	// ErrUnsupportedContentType indicates an upload used a media type that is not accepted.
	ErrUnsupportedContentType = errors.New("unsupported artifact content type")
	// ErrArtifactRequired indicates a blank artifact reference or an empty upload.
	ErrArtifactRequired = errors.New("artifact is required")
	// ErrConcurrentUpdate indicates the session kept changing underneath the caller.
	ErrConcurrentUpdate = errors.New("verification session concurrently modified")
)
