package payment

import "errors"

var (
	// ErrInvalidConfiguration indicates missing or invalid adapter setup.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidSignature indicates the webhook signature did not verify.
	// The payload is never parsed or acted upon in this case.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload indicates the event body could not be decoded.
	ErrInvalidPayload = errors.New("invalid event payload")
	// ErrInvalidProration indicates a proration computation that would
	// produce a negative charge. Downgrades use the scheduling path.
	ErrInvalidProration = errors.New("invalid proration")
	// ErrDuplicateEvent indicates an event with an already-recorded
	// provider payment id. Duplicates are safely ignored.
	ErrDuplicateEvent = errors.New("duplicate payment event")
	// ErrEventNotFound indicates no recorded event for the given id.
	ErrEventNotFound = errors.New("payment event not found")
	// ErrChargeFailed indicates the provider rejected a charge after all
	// retry attempts.
	ErrChargeFailed = errors.New("charge failed")
)
