package audit

import "errors"

// Validation errors for inbound records.
var (
	ErrMissingAction = errors.New("audit: action is required")
	ErrMissingActor  = errors.New("audit: actor is required")
	ErrInvalidTrust  = errors.New("audit: invalid trust level")
	ErrPayloadShape  = errors.New("audit: malformed ingestion payload")
)

// Lifecycle and configuration errors. Integrity violations are never
// errors; the Verifier returns them as structured reports.
var (
	ErrAppenderClosed    = errors.New("audit: appender is closed")
	ErrCheckpointsClosed = errors.New("audit: checkpoint manager is closed")
	ErrMissingSecret     = errors.New("audit: checkpoint signing secret is required")
	ErrWeakSecret        = errors.New("audit: checkpoint signing secret is too short")
	ErrBridgeAttached    = errors.New("audit: bridge is already attached")
)
