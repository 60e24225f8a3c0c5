package bus

import "errors"

// Common errors returned by dispatcher operations.
var (
	ErrClosed      = errors.New("bus: dispatcher is closed")
	ErrEmptyName   = errors.New("bus: empty event name")
	ErrNilHandler  = errors.New("bus: nil handler")
	ErrPayloadType = errors.New("bus: payload type mismatch")
)
