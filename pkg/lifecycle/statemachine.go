package lifecycle

import "fmt"

// Event is a trigger that moves a subscription between statuses.
type Event string

const (
	// EventActivate fires on payment capture confirmation.
	EventActivate Event = "activate"
	// EventCancel fires on explicit user cancellation. Access continues
	// until the end date; only auto-renew is disabled.
	EventCancel Event = "cancel"
	// EventExpire fires when the end date is reached without a renewal.
	EventExpire Event = "expire"
	// EventSupersede fires when a new record replaces this one
	// (upgrade, renewal, or scheduled downgrade execution).
	EventSupersede Event = "supersede"
	// EventPaymentFailed fires when the provider reports a failed capture.
	EventPaymentFailed Event = "payment_failed"
	// EventRefund fires when the provider reports a refund; access is
	// revoked immediately.
	EventRefund Event = "refund"
)

// transitions is the full lifecycle table. A missing entry means the
// event is not legal in that status.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventActivate:      StatusActive,
		EventPaymentFailed: StatusExpired,
	},
	StatusActive: {
		EventCancel:    StatusCancelled,
		EventExpire:    StatusExpired,
		EventSupersede: StatusExpired,
		EventRefund:    StatusExpired,
	},
	StatusCancelled: {
		// Cancellation does not bypass the expiry rule; it only disables
		// auto-renew, so a cancelled record still expires at its end date.
		EventExpire:    StatusExpired,
		EventRefund:    StatusExpired,
		EventSupersede: StatusExpired,
	},
	StatusExpired: {},
}

// ErrIllegalTransition reports an event fired in a status that does not
// permit it.
type ErrIllegalTransition struct {
	From  Status
	Event Event
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("subscription in status %q cannot handle event %q", e.From, e.Event)
}

// nextStatus returns the status reached by firing event from the given
// status, or ErrIllegalTransition.
func nextStatus(from Status, event Event) (Status, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return "", &ErrIllegalTransition{From: from, Event: event}
}
