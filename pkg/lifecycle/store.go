package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines subscription persistence. Implementations must enforce the
// one-active-record-per-user invariant (Save returns ErrDuplicateActive when
// it would be violated) and must never delete records: history is preserved
// by status flips and superseding inserts.
type Store interface {
	// GetActiveByUser returns the user's active subscription, or ErrNotFound.
	GetActiveByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetCurrentByUser returns the user's active or cancelled (still within
	// its validity window) subscription, or ErrNotFound.
	GetCurrentByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetByID returns the subscription with the given ID, or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetByProviderRef returns the subscription linked to the payment
	// provider's reference, or ErrNotFound.
	GetByProviderRef(ctx context.Context, ref string) (*Subscription, error)

	// Save inserts or updates the record keyed by ID.
	Save(ctx context.Context, sub *Subscription) error

	// ListDueForExpiry returns active and cancelled subscriptions whose end
	// date is at or before now.
	ListDueForExpiry(ctx context.Context, now time.Time) ([]*Subscription, error)

	// ListRenewalsDue returns active auto-renew subscriptions ending at or
	// before windowEnd that have not been reminded for this window yet.
	ListRenewalsDue(ctx context.Context, windowEnd time.Time) ([]*Subscription, error)
}
