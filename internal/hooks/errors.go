package hooks

import "errors"

var (
	// ErrUnknownEvent indicates a payload names an event this package does not handle.
	ErrUnknownEvent = errors.New("unknown hook event")

	// ErrEmptyInput indicates the hook was invoked without a payload.
	ErrEmptyInput = errors.New("empty hook input")

	// ErrInvalidMatcher indicates a matcher is not a valid regular expression.
	ErrInvalidMatcher = errors.New("invalid matcher")
)
