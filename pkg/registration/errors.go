package registration

import "errors"

var (
	// ErrConfiguration reports malformed or inconsistent session parameters.
	// The session must be reinitialized.
	ErrConfiguration = errors.New("configuration error")

	// ErrNumeric reports a degenerate division during z estimation.
	// The lateral part of the result may still be valid.
	ErrNumeric = errors.New("numeric error")

	// ErrNotInitialized is returned when a session is used before Init or after Close
	ErrNotInitialized = errors.New("registration session not initialized")
)
