package parser

import "errors"

var (
	// ErrInvalidFormat is returned when a dump is malformed or has an unknown version.
	ErrInvalidFormat = errors.New("invalid dump format")

	// ErrUnsupportedFormat is returned when no adapter recognizes a dump.
	ErrUnsupportedFormat = errors.New("unsupported dump format")

	// ErrSessionConsumed is returned when a session is iterated twice.
	ErrSessionConsumed = errors.New("session already consumed")

	// ErrUnknownStackTrace is returned when a stack trace id is not in the dump.
	ErrUnknownStackTrace = errors.New("unknown stack trace")

	// ErrResource is returned when the dump cannot be read.
	ErrResource = errors.New("dump not readable")
)
