package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/tier"
)

// CounterInitializer is notified after every tier change so usage counters
// start the new record's period with the new tier's full quota.
type CounterInitializer interface {
	InitCounters(ctx context.Context, userID uuid.UUID) error
}

// RenewalCharger attempts to collect the renewal charge for a subscription
// that reached its end date with auto-renew enabled. A successful charge
// short-circuits expiry.
type RenewalCharger interface {
	ChargeRenewal(ctx context.Context, sub *Subscription) error
}

// ReminderSender delivers the 7-day-out renewal reminder.
type ReminderSender interface {
	SendRenewalReminder(ctx context.Context, sub *Subscription) error
}

// Manager owns the authoritative state of every subscription and is the only
// component allowed to mutate it. Transitions are serialized per user and
// independent across users; no cross-user locking is taken.
type Manager struct {
	store    Store
	tiers    *tier.Registry
	counters CounterInitializer
	charger  RenewalCharger
	reminder ReminderSender
	now      func() time.Time
	log      *slog.Logger

	locks sync.Map // uuid.UUID -> *sync.Mutex

	// alertFailureRate mirrors the batch jobs' operational alert threshold.
	alertFailureRate float64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source, useful in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger for batch jobs and isolated failures.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithCounterInitializer wires the usage ledger for post-transition resets.
func WithCounterInitializer(c CounterInitializer) ManagerOption {
	return func(m *Manager) { m.counters = c }
}

// WithRenewalCharger enables automatic renewal at the expiry sweep.
// Without a charger, auto-renew subscriptions simply expire.
func WithRenewalCharger(c RenewalCharger) ManagerOption {
	return func(m *Manager) { m.charger = c }
}

// WithReminderSender enables the renewal reminder scan.
func WithReminderSender(r ReminderSender) ManagerOption {
	return func(m *Manager) { m.reminder = r }
}

// NewManager creates a lifecycle manager.
// Panics if store or tiers is nil to fail fast during initialization.
func NewManager(store Store, tiers *tier.Registry, opts ...ManagerOption) *Manager {
	if store == nil {
		panic("lifecycle: Store is required")
	}
	if tiers == nil {
		panic("lifecycle: tier registry is required")
	}

	m := &Manager{
		store:            store,
		tiers:            tiers,
		now:              func() time.Time { return time.Now().UTC() },
		log:              slog.Default(),
		alertFailureRate: 0.01,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lockUser serializes transitions for one user. Returns the unlock func.
func (m *Manager) lockUser(userID uuid.UUID) func() {
	mu, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// ActiveSubscription returns the subscription currently granting the user
// access. It never fails by returning nothing: a user with no record, or
// whose record has passed its end date before the sweep ran, is treated as
// an implicit free-tier active subscription.
func (m *Manager) ActiveSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	now := m.now()

	sub, err := m.store.GetCurrentByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return FreeSubscription(userID, now), nil
	}
	if err != nil {
		return nil, err
	}

	// A cancelled record keeps granting access until its end date; past the
	// end date the user is on free regardless of sweep timing.
	if !now.Before(sub.EndsAt) {
		return FreeSubscription(userID, now), nil
	}
	return sub, nil
}

// Create creates a new subscription record. Paid tiers start in pending
// until the payment capture is confirmed via Activate; the free tier
// activates immediately (the zero-cost registration record).
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, t tier.Tier, durationDays int, providerRef string) (*Subscription, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	if !t.Known() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, t)
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("%w: duration %d days", ErrInvalidWindow, durationDays)
	}

	current, err := m.store.GetCurrentByUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if current != nil && current.IsPaid() && current.IsActive() {
		return nil, fmt.Errorf("%w: user %s is on tier %q; cancel or upgrade instead",
			ErrDuplicateActive, userID, current.Tier)
	}

	now := m.now()
	sub := &Subscription{
		ID:          uuid.New(),
		UserID:      userID,
		Tier:        t,
		Status:      StatusPending,
		StartsAt:    now,
		EndsAt:      now.AddDate(0, 0, durationDays),
		AutoRenew:   true,
		ProviderRef: providerRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if t == tier.TierFree {
		sub.Status = StatusActive
		sub.AutoRenew = false
		sub.EndsAt = now.Add(freeTierHorizon)
	}

	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

// Activate confirms payment capture for a pending subscription, superseding
// any persisted free-tier record, and initializes usage counters for the
// new tier.
func (m *Manager) Activate(ctx context.Context, subID uuid.UUID) (*Subscription, error) {
	sub, err := m.store.GetByID(ctx, subID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(sub.UserID)
	defer unlock()

	next, err := nextStatus(sub.Status, EventActivate)
	if err != nil {
		return nil, err
	}

	// A persisted free registration record gives way to the paid one.
	if current, err := m.store.GetCurrentByUser(ctx, sub.UserID); err == nil && !current.IsPaid() {
		if to, err := nextStatus(current.Status, EventSupersede); err == nil {
			current.Status = to
			current.UpdatedAt = m.now()
			if err := m.store.Save(ctx, current); err != nil {
				return nil, fmt.Errorf("supersede free record: %w", err)
			}
		}
	}

	sub.Status = next
	sub.UpdatedAt = m.now()
	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}

	m.initCounters(ctx, sub.UserID)
	return sub, nil
}

// ActivateByProviderRef is Activate keyed by the payment provider's
// subscription reference, as delivered in webhook events.
func (m *Manager) ActivateByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	sub, err := m.store.GetByProviderRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.Activate(ctx, sub.ID)
}

// Cancel disables auto-renew and marks the subscription cancelled. The end
// date is untouched: access continues until the window closes. Cancelling an
// already-cancelled subscription is a no-op returning the same record.
func (m *Manager) Cancel(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	sub, err := m.store.GetCurrentByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.IsCancelled() {
		return sub, nil
	}

	next, err := nextStatus(sub.Status, EventCancel)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sub.Status = next
	sub.AutoRenew = false
	sub.CancelledAt = &now
	sub.UpdatedAt = now
	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	return sub, nil
}

// Upgrade immediately replaces the current subscription with a higher tier.
// The new end date is computed from the remaining paid days of the prior
// tier scaled by the price ratio, and is clamped to a full billing cycle of
// the new tier whenever the scaled window would close at or before now.
// Any previously scheduled downgrade is cleared by the replacement record.
func (m *Manager) Upgrade(ctx context.Context, userID uuid.UUID, newTier tier.Tier, providerRef string) (*Subscription, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	newDef, err := m.tiers.Definition(newTier)
	if err != nil {
		return nil, errors.Join(ErrInvalidTier, err)
	}

	now := m.now()
	current, err := m.store.GetCurrentByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		current = FreeSubscription(userID, now)
	} else if err != nil {
		return nil, err
	}

	if !current.Tier.Less(newTier) {
		return nil, fmt.Errorf("%w: %q -> %q", ErrNotAnUpgrade, current.Tier, newTier)
	}

	endsAt := now.Add(newDef.CycleDuration())
	if current.IsPaid() && current.EndsAt.After(now) {
		curDef, err := m.tiers.Definition(current.Tier)
		if err != nil {
			return nil, err
		}
		if scaled := scaleRemaining(current.EndsAt.Sub(now), curDef.DailyPrice(), newDef.DailyPrice()); scaled > 0 {
			endsAt = now.Add(scaled)
		}
	}

	refToCarry := providerRef
	if refToCarry == "" {
		refToCarry = current.ProviderRef
	}

	// Supersede the persisted current record, preserving history.
	if current.ID != uuid.Nil {
		to, err := nextStatus(current.Status, EventSupersede)
		if err != nil {
			return nil, err
		}
		current.Status = to
		current.UpdatedAt = now
		if err := m.store.Save(ctx, current); err != nil {
			return nil, fmt.Errorf("supersede subscription: %w", err)
		}
	}

	sub := &Subscription{
		ID:          uuid.New(),
		UserID:      userID,
		Tier:        newTier,
		Status:      StatusActive,
		StartsAt:    now,
		EndsAt:      endsAt,
		AutoRenew:   true,
		ProviderRef: refToCarry,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save upgraded subscription: %w", err)
	}

	m.initCounters(ctx, userID)
	return sub, nil
}

// ScheduleDowngrade records a tier change that takes effect at the end of
// the current validity window. The target must be strictly lower than the
// current tier; upgrades never use the scheduling path.
func (m *Manager) ScheduleDowngrade(ctx context.Context, userID uuid.UUID, target tier.Tier) (*Subscription, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	if !target.Known() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, target)
	}

	sub, err := m.store.GetCurrentByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive() {
		return nil, fmt.Errorf("%w: subscription is %s", ErrNotFound, sub.Status)
	}
	if !target.Less(sub.Tier) {
		return nil, fmt.Errorf("%w: %q -> %q", ErrNotADowngrade, sub.Tier, target)
	}

	changeAt := sub.EndsAt
	sub.ScheduledTier = &target
	sub.ScheduledChangeAt = &changeAt
	sub.UpdatedAt = m.now()
	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("schedule downgrade: %w", err)
	}
	return sub, nil
}

// RenewByProviderRef starts a fresh full-cycle record for an active
// subscription after the provider confirmed a renewal payment. The old
// record is superseded; the new window starts where the old one ended.
func (m *Manager) RenewByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	sub, err := m.store.GetByProviderRef(ctx, ref)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(sub.UserID)
	defer unlock()

	sub, err = m.store.GetByID(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrRenewalFailed, &ErrIllegalTransition{From: sub.Status, Event: EventSupersede})
	}

	now := m.now()
	if err := m.renew(ctx, sub, now); err != nil {
		return nil, err
	}
	return m.store.GetActiveByUser(ctx, sub.UserID)
}

// CancelByProviderRef is Cancel keyed by the payment provider's
// subscription reference, as delivered in webhook events.
func (m *Manager) CancelByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	sub, err := m.store.GetByProviderRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.Cancel(ctx, sub.UserID)
}

// MarkPaymentFailed transitions a pending subscription to expired after the
// provider reported a failed capture.
func (m *Manager) MarkPaymentFailed(ctx context.Context, providerRef string) (*Subscription, error) {
	sub, err := m.store.GetByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(sub.UserID)
	defer unlock()

	next, err := nextStatus(sub.Status, EventPaymentFailed)
	if err != nil {
		return nil, err
	}
	sub.Status = next
	sub.UpdatedAt = m.now()
	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("mark payment failed: %w", err)
	}
	return sub, nil
}

// Refund revokes access immediately: the subscription expires now instead of
// at its end date.
func (m *Manager) Refund(ctx context.Context, providerRef string) (*Subscription, error) {
	sub, err := m.store.GetByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}

	unlock := m.lockUser(sub.UserID)
	defer unlock()

	next, err := nextStatus(sub.Status, EventRefund)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sub.Status = next
	sub.AutoRenew = false
	sub.EndsAt = now
	sub.CancelledAt = &now
	sub.UpdatedAt = now
	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("refund subscription: %w", err)
	}
	return sub, nil
}

// CheckAndExpire scans all active and cancelled subscriptions whose end date
// has passed and transitions each to expired. Auto-renew subscriptions are
// charged first; a successful charge short-circuits expiry with a fresh
// active record. A scheduled downgrade creates the lower-tier record at the
// instant the window closed. Users are processed independently: one user's
// failure never aborts the scan. Returns the number processed.
func (m *Manager) CheckAndExpire(ctx context.Context, now time.Time) (int, error) {
	due, err := m.store.ListDueForExpiry(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due subscriptions: %w", err)
	}

	processed := 0
	failed := 0
	for _, sub := range due {
		if err := m.expireOne(ctx, sub, now); err != nil {
			failed++
			m.log.ErrorContext(ctx, "expiry sweep failed for user",
				slog.String("user_id", sub.UserID.String()),
				slog.String("subscription_id", sub.ID.String()),
				slog.Any("error", err))
			continue
		}
		processed++
	}

	if total := len(due); total > 0 && float64(failed)/float64(total) > m.alertFailureRate {
		m.log.ErrorContext(ctx, "expiry sweep failure rate above alert threshold",
			slog.Int("failed", failed),
			slog.Int("total", total))
	}
	return processed, nil
}

func (m *Manager) expireOne(ctx context.Context, sub *Subscription, now time.Time) error {
	unlock := m.lockUser(sub.UserID)
	defer unlock()

	// Re-read under the lock: a concurrent upgrade may already have
	// superseded the listed record.
	sub, err := m.store.GetByID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if sub.Status != StatusActive && sub.Status != StatusCancelled {
		return nil
	}
	if sub.EndsAt.After(now) {
		return nil
	}

	// Renewal short-circuits expiry.
	if sub.IsActive() && sub.AutoRenew && m.charger != nil {
		chargeErr := m.charger.ChargeRenewal(ctx, sub)
		if chargeErr == nil {
			return m.renew(ctx, sub, now)
		}
		m.log.WarnContext(ctx, "renewal charge failed; subscription will expire",
			slog.String("user_id", sub.UserID.String()),
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", chargeErr))
	}

	next, err := nextStatus(sub.Status, EventExpire)
	if err != nil {
		return err
	}
	sub.Status = next
	sub.UpdatedAt = now
	if err := m.store.Save(ctx, sub); err != nil {
		return fmt.Errorf("expire subscription: %w", err)
	}

	// A scheduled downgrade to a paid tier creates the lower-tier record
	// starting the instant the old window closed, with full quotas. A
	// downgrade to free, like plain expiry, falls back to the implicit
	// free-tier record.
	if sub.HasScheduledChange() && *sub.ScheduledTier != tier.TierFree {
		def, err := m.tiers.Definition(*sub.ScheduledTier)
		if err != nil {
			return err
		}
		replacement := &Subscription{
			ID:          uuid.New(),
			UserID:      sub.UserID,
			Tier:        *sub.ScheduledTier,
			Status:      StatusActive,
			StartsAt:    sub.EndsAt,
			EndsAt:      sub.EndsAt.Add(def.CycleDuration()),
			AutoRenew:   true,
			ProviderRef: sub.ProviderRef,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := m.store.Save(ctx, replacement); err != nil {
			return fmt.Errorf("apply scheduled downgrade: %w", err)
		}
	}

	m.initCounters(ctx, sub.UserID)
	return nil
}

// renew supersedes sub with a fresh full-cycle record at the same tier.
func (m *Manager) renew(ctx context.Context, sub *Subscription, now time.Time) error {
	def, err := m.tiers.Definition(sub.Tier)
	if err != nil {
		return err
	}

	next, err := nextStatus(sub.Status, EventSupersede)
	if err != nil {
		return err
	}
	sub.Status = next
	sub.UpdatedAt = now
	if err := m.store.Save(ctx, sub); err != nil {
		return fmt.Errorf("supersede renewed subscription: %w", err)
	}

	replacement := &Subscription{
		ID:          uuid.New(),
		UserID:      sub.UserID,
		Tier:        sub.Tier,
		Status:      StatusActive,
		StartsAt:    sub.EndsAt,
		EndsAt:      sub.EndsAt.Add(def.CycleDuration()),
		AutoRenew:   true,
		ProviderRef: sub.ProviderRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Save(ctx, replacement); err != nil {
		return fmt.Errorf("save renewed subscription: %w", err)
	}

	m.initCounters(ctx, sub.UserID)
	return nil
}

// SendRenewalReminders notifies users whose auto-renew subscription ends
// within the given window (typically 7 days). Each record is reminded at
// most once. Returns the number of reminders sent.
func (m *Manager) SendRenewalReminders(ctx context.Context, now time.Time, within time.Duration) (int, error) {
	if m.reminder == nil {
		return 0, nil
	}

	due, err := m.store.ListRenewalsDue(ctx, now.Add(within))
	if err != nil {
		return 0, fmt.Errorf("list renewals due: %w", err)
	}

	sent := 0
	for _, sub := range due {
		if sub.RenewalRemindedAt != nil {
			continue
		}
		if err := m.reminder.SendRenewalReminder(ctx, sub); err != nil {
			m.log.WarnContext(ctx, "renewal reminder failed",
				slog.String("user_id", sub.UserID.String()),
				slog.Any("error", err))
			continue
		}
		remindedAt := now
		sub.RenewalRemindedAt = &remindedAt
		sub.UpdatedAt = now
		if err := m.store.Save(ctx, sub); err != nil {
			m.log.WarnContext(ctx, "failed to mark reminder sent",
				slog.String("user_id", sub.UserID.String()),
				slog.Any("error", err))
			continue
		}
		sent++
	}
	return sent, nil
}

// initCounters is best-effort: a counter reset failure must not roll back a
// completed subscription transition. The next period reset converges.
func (m *Manager) initCounters(ctx context.Context, userID uuid.UUID) {
	if m.counters == nil {
		return
	}
	if err := m.counters.InitCounters(ctx, userID); err != nil {
		m.log.WarnContext(ctx, "failed to initialize usage counters",
			slog.String("user_id", userID.String()),
			slog.Any("error", err))
	}
}

// scaleRemaining converts the remaining window at the old daily price into
// the equivalent window at the new daily price.
func scaleRemaining(remaining time.Duration, oldDaily, newDaily int64) time.Duration {
	if remaining <= 0 || oldDaily <= 0 || newDaily <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) * float64(oldDaily) / float64(newDaily))
}
