package usage

import "errors"

var (
	// ErrLimitExceeded is an expected business outcome, not a system fault:
	// the period counter has reached its snapshot limit.
	ErrLimitExceeded = errors.New("usage limit exceeded")

	ErrRecordNotFound   = errors.New("usage record not found")
	ErrStoreUnavailable = errors.New("usage store unavailable")
	ErrUnknownResource  = errors.New("unknown usage resource")
)
