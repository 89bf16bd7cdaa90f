package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/lifecycle"
)

// Provider event types the adapter understands. Anything else is safely
// ignored with a noop command.
const (
	EventPaymentCaptured       = "payment.captured"
	EventPaymentFailed         = "payment.failed"
	EventPaymentRenewed        = "payment.renewed"
	EventRefundProcessed       = "refund.processed"
	EventSubscriptionCancelled = "subscription.cancelled"
)

// Event is the decoded webhook payload from the payment provider.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       EventData `json:"data"`
}

// EventData carries the provider references the lifecycle commands act on.
type EventData struct {
	PaymentID       string    `json:"payment_id"`
	SubscriptionRef string    `json:"subscription_ref"`
	UserID          uuid.UUID `json:"user_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
}

// Record is the append-only audit trail entry for a received provider
// event, keyed by the provider's payment id.
type Record struct {
	ProviderPaymentID string
	EventType         string
	SubscriptionRef   string
	UserID            uuid.UUID
	Amount            int64
	Currency          string
	Payload           json.RawMessage
	ReceivedAt        time.Time
}

// Lifecycle is the slice of the subscription manager the adapter's
// commands drive. Keeping it narrow decouples event validation from the
// state change it implies.
type Lifecycle interface {
	ActivateByProviderRef(ctx context.Context, ref string) (*lifecycle.Subscription, error)
	RenewByProviderRef(ctx context.Context, ref string) (*lifecycle.Subscription, error)
	MarkPaymentFailed(ctx context.Context, ref string) (*lifecycle.Subscription, error)
	Refund(ctx context.Context, ref string) (*lifecycle.Subscription, error)
	CancelByProviderRef(ctx context.Context, ref string) (*lifecycle.Subscription, error)
}

// CommandKind names the lifecycle transition a verified event implies.
type CommandKind string

const (
	CommandActivate   CommandKind = "activate"
	CommandRenew      CommandKind = "renew"
	CommandMarkFailed CommandKind = "mark_failed"
	CommandRefund     CommandKind = "refund"
	CommandCancel     CommandKind = "cancel"
	CommandNoop       CommandKind = "noop"
)

// Command is an explicit, applyable state change derived from a verified
// provider event. ProcessEvent returns a command instead of mutating state
// so validation and application stay independently testable.
type Command struct {
	Kind CommandKind
	Ref  string // provider subscription reference
}

// Noop returns the command that changes nothing. Unverified or unknown
// events map to it.
func Noop() Command {
	return Command{Kind: CommandNoop}
}

// IsNoop reports whether applying the command changes any state.
func (c Command) IsNoop() bool {
	return c.Kind == CommandNoop
}

// Apply forwards the command to the lifecycle manager.
func (c Command) Apply(ctx context.Context, lc Lifecycle) error {
	var err error
	switch c.Kind {
	case CommandActivate:
		_, err = lc.ActivateByProviderRef(ctx, c.Ref)
	case CommandRenew:
		_, err = lc.RenewByProviderRef(ctx, c.Ref)
	case CommandMarkFailed:
		_, err = lc.MarkPaymentFailed(ctx, c.Ref)
	case CommandRefund:
		_, err = lc.Refund(ctx, c.Ref)
	case CommandCancel:
		_, err = lc.CancelByProviderRef(ctx, c.Ref)
	}
	return err
}
