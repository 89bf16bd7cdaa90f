package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store persists the append-only payment event audit trail, keyed by the
// provider's payment id.
type Store interface {
	// Append records an event. Returns ErrDuplicateEvent when the provider
	// payment id was seen before.
	Append(ctx context.Context, rec *Record) error
	// GetByPaymentID returns a recorded event or ErrEventNotFound.
	GetByPaymentID(ctx context.Context, paymentID string) (*Record, error)
}

// Adapter verifies inbound provider events and translates them into
// lifecycle commands. It never mutates subscription state itself.
type Adapter struct {
	secret string
	events Store
	now    func() time.Time
	log    *slog.Logger
	maxAge time.Duration
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithEventStore enables the append-only audit trail and duplicate
// detection. Without a store every event is treated as first delivery.
func WithEventStore(s Store) AdapterOption {
	return func(a *Adapter) { a.events = s }
}

// WithMaxEventAge sets the accepted signature timestamp window.
func WithMaxEventAge(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.maxAge = d
		}
	}
}

// WithAdapterClock overrides the time source, useful in tests.
func WithAdapterClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAdapterLogger sets the logger for security events.
func WithAdapterLogger(log *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAdapter creates a payment gateway adapter.
// Panics if the webhook secret is empty to fail fast during initialization.
func NewAdapter(secret string, opts ...AdapterOption) *Adapter {
	if secret == "" {
		panic("payment: webhook secret is required")
	}

	a := &Adapter{
		secret: secret,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
		maxAge: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ProcessEvent verifies the signature, records the event, and maps its type
// to a lifecycle command. On signature failure it emits a security log
// entry and returns a noop alongside ErrInvalidSignature so the HTTP layer
// can respond unauthorized; the payload is never parsed in that case.
// Duplicate deliveries and unknown event types return a noop with no error:
// both are safely ignored and the provider must not retry them.
func (a *Adapter) ProcessEvent(ctx context.Context, payload []byte, signature string, timestamp int64) (Command, error) {
	if err := VerifySignature(a.secret, payload, signature, timestamp, a.maxAge); err != nil {
		a.log.WarnContext(ctx, "rejected payment event with invalid signature",
			slog.Int("payload_bytes", len(payload)),
			slog.Any("error", err))
		return Noop(), err
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Noop(), fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if event.Data.SubscriptionRef == "" {
		return Noop(), fmt.Errorf("%w: missing subscription reference", ErrInvalidPayload)
	}

	if a.events != nil && event.Data.PaymentID != "" {
		rec := &Record{
			ProviderPaymentID: event.Data.PaymentID,
			EventType:         event.Type,
			SubscriptionRef:   event.Data.SubscriptionRef,
			UserID:            event.Data.UserID,
			Amount:            event.Data.Amount,
			Currency:          event.Data.Currency,
			Payload:           json.RawMessage(payload),
			ReceivedAt:        a.now(),
		}
		if err := a.events.Append(ctx, rec); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				a.log.InfoContext(ctx, "ignoring duplicate payment event",
					slog.String("payment_id", event.Data.PaymentID),
					slog.String("event_type", event.Type))
				return Noop(), nil
			}
			return Noop(), fmt.Errorf("record payment event: %w", err)
		}
	}

	return a.commandFor(ctx, event), nil
}

func (a *Adapter) commandFor(ctx context.Context, event Event) Command {
	ref := event.Data.SubscriptionRef
	switch event.Type {
	case EventPaymentCaptured:
		return Command{Kind: CommandActivate, Ref: ref}
	case EventPaymentRenewed:
		return Command{Kind: CommandRenew, Ref: ref}
	case EventPaymentFailed:
		return Command{Kind: CommandMarkFailed, Ref: ref}
	case EventRefundProcessed:
		return Command{Kind: CommandRefund, Ref: ref}
	case EventSubscriptionCancelled:
		return Command{Kind: CommandCancel, Ref: ref}
	default:
		a.log.InfoContext(ctx, "ignoring unhandled payment event type",
			slog.String("event_type", event.Type))
		return Noop()
	}
}
