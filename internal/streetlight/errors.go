package streetlight

import "errors"

var (
	// ErrInvalidPayload is returned by handlers for a message that is not
	// valid JSON or fails validation.
	ErrInvalidPayload = errors.New("streetlight: invalid payload")

	// ErrIDMismatch is returned when the payload names a different lamp
	// than the topic it arrived on.
	ErrIDMismatch = errors.New("streetlight: payload id does not match topic")

	// ErrUnknownLamp is returned for lookups of a lamp never seen.
	ErrUnknownLamp = errors.New("streetlight: unknown lamp")

	// ErrMissingHandler is returned when an inbound binding has no handler.
	ErrMissingHandler = errors.New("streetlight: no handler for inbound binding")
)
