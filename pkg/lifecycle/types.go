package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/tier"
)

// Status represents the current state of a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Subscription is one active-or-historical record of a user's entitlement to
// a tier over a validity window. Records are superseded, never deleted, so
// tier history is preserved. At most one subscription per user is active at
// any instant; the store enforces this.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Tier   tier.Tier
	Status Status

	StartsAt time.Time
	EndsAt   time.Time // exclusive; always after StartsAt

	AutoRenew   bool
	CancelledAt *time.Time // set only when cancelled

	// Scheduled downgrades take effect at the end of the current validity
	// window instead of immediately. ScheduledTier, when set, is always a
	// strictly lower tier than Tier; upgrades are never scheduled.
	ScheduledTier     *tier.Tier
	ScheduledChangeAt *time.Time

	// ProviderRef is the payment provider's subscription reference,
	// empty for free-tier records.
	ProviderRef string

	// RenewalRemindedAt tracks the last renewal reminder sent for this
	// record so the 7-day-out scan does not repeat itself.
	RenewalRemindedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// IsPaid reports whether the record is for a paid tier.
func (s *Subscription) IsPaid() bool {
	return s.Tier != tier.TierFree
}

// HasScheduledChange reports whether a downgrade is scheduled.
func (s *Subscription) HasScheduledChange() bool {
	return s.ScheduledTier != nil
}

// DaysRemainingAt returns the number of whole days left in the validity
// window at the given instant, never negative.
func (s *Subscription) DaysRemainingAt(now time.Time) int {
	if !now.Before(s.EndsAt) {
		return 0
	}
	return int(s.EndsAt.Sub(now).Hours() / 24)
}

// freeTierHorizon is how far in the future synthetic free-tier records end.
// Free access never expires; the horizon only exists so EndsAt > StartsAt
// holds for every record.
const freeTierHorizon = 100 * 365 * 24 * time.Hour

// FreeSubscription returns the implicit always-on free-tier record for a
// user with no persisted subscription. It is synthetic and never stored:
// ID is uuid.Nil.
func FreeSubscription(userID uuid.UUID, now time.Time) *Subscription {
	return &Subscription{
		ID:        uuid.Nil,
		UserID:    userID,
		Tier:      tier.TierFree,
		Status:    StatusActive,
		StartsAt:  now,
		EndsAt:    now.Add(freeTierHorizon),
		AutoRenew: false,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
