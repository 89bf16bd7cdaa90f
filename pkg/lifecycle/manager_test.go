package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/tier"
)

func newTestManager(t *testing.T, now time.Time, opts ...lifecycle.ManagerOption) (*lifecycle.Manager, *lifecycle.MemoryStore) {
	t.Helper()

	registry, err := tier.NewRegistry(context.Background(),
		tier.NewInMemSource(tier.DefaultDefinitions()...))
	require.NoError(t, err)

	store := lifecycle.NewMemoryStore()
	opts = append([]lifecycle.ManagerOption{
		lifecycle.WithClock(func() time.Time { return now }),
	}, opts...)
	return lifecycle.NewManager(store, registry, opts...), store
}

func TestManager_ActiveSubscription_NewUserDefaultsToFree(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mgr, _ := newTestManager(t, now)

	sub, err := mgr.ActiveSubscription(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, tier.TierFree, sub.Tier)
	assert.Equal(t, lifecycle.StatusActive, sub.Status)
	assert.Equal(t, uuid.Nil, sub.ID, "implicit free record is never persisted")
}

func TestManager_Create(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("paid tier starts pending", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusPending, sub.Status)
		assert.True(t, sub.AutoRenew)
		assert.Equal(t, now.AddDate(0, 0, 30), sub.EndsAt)

		// Pending records do not grant access yet.
		active, err := mgr.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierFree, active.Tier)
	})

	t.Run("free tier activates immediately", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)

		sub, err := mgr.Create(ctx, uuid.New(), tier.TierFree, 30, "")
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusActive, sub.Status)
		assert.False(t, sub.AutoRenew)
	})

	t.Run("rejects unknown tier", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)

		_, err := mgr.Create(ctx, uuid.New(), tier.Tier("platinum"), 30, "")
		require.ErrorIs(t, err, lifecycle.ErrInvalidTier)
	})

	t.Run("rejects second paid subscription", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierStarter, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		_, err = mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_2")
		require.ErrorIs(t, err, lifecycle.ErrDuplicateActive)
	})
}

func TestManager_Activate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("pending becomes active and grants access", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)

		activated, err := mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusActive, activated.Status)

		current, err := mgr.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierPremium, current.Tier)
	})

	t.Run("by provider ref", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		_, err := mgr.Create(ctx, userID, tier.TierStarter, 30, "pay_ref_42")
		require.NoError(t, err)

		activated, err := mgr.ActivateByProviderRef(ctx, "pay_ref_42")
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusActive, activated.Status)
	})

	t.Run("unknown provider ref", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)

		_, err := mgr.ActivateByProviderRef(ctx, "pay_missing")
		require.ErrorIs(t, err, lifecycle.ErrNotFound)
	})

	t.Run("supersedes persisted free record", func(t *testing.T) {
		t.Parallel()

		mgr, store := newTestManager(t, now)
		userID := uuid.New()

		free, err := mgr.Create(ctx, userID, tier.TierFree, 30, "")
		require.NoError(t, err)

		paid, err := mgr.Create(ctx, userID, tier.TierUltimate, 30, "pay_9")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, paid.ID)
		require.NoError(t, err)

		superseded, err := store.GetByID(ctx, free.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusExpired, superseded.Status, "free record gives way but is not deleted")
	})
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	mgr, _ := newTestManager(t, now)
	userID := uuid.New()

	sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, sub.ID)
	require.NoError(t, err)

	cancelled, err := mgr.Cancel(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.AutoRenew)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, sub.EndsAt, cancelled.EndsAt, "end date untouched on cancel")

	// Access continues until the window closes.
	current, err := mgr.ActiveSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, tier.TierPremium, current.Tier)

	// Cancelling again is a no-op.
	again, err := mgr.Cancel(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.ID, again.ID)
	assert.Equal(t, cancelled.CancelledAt, again.CancelledAt)
}

func TestManager_Upgrade(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("prorates remaining window by price ratio", func(t *testing.T) {
		t.Parallel()

		mgr, store := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierStarter, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		upgraded, err := mgr.Upgrade(ctx, userID, tier.TierPremium, "pay_2")
		require.NoError(t, err)

		// 30 days remaining at 330/day converts to 30*9900/29900 days at
		// 996.67/day, roughly 9.93 days.
		remaining := 30 * 24 * time.Hour
		want := now.Add(time.Duration(float64(remaining) * 9900.0 / 29900.0))
		assert.WithinDuration(t, want, upgraded.EndsAt, time.Second)
		assert.Equal(t, tier.TierPremium, upgraded.Tier)
		assert.Equal(t, lifecycle.StatusActive, upgraded.Status)

		old, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusExpired, old.Status, "superseded record kept for history")
	})

	t.Run("free to paid gets a full cycle", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		upgraded, err := mgr.Upgrade(ctx, userID, tier.TierStarter, "pay_1")
		require.NoError(t, err)

		assert.Equal(t, now.Add(30*24*time.Hour), upgraded.EndsAt)
	})

	t.Run("rejects same or lower tier", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		_, err = mgr.Upgrade(ctx, userID, tier.TierPremium, "pay_2")
		require.ErrorIs(t, err, lifecycle.ErrNotAnUpgrade)

		_, err = mgr.Upgrade(ctx, userID, tier.TierStarter, "pay_2")
		require.ErrorIs(t, err, lifecycle.ErrNotAnUpgrade)
	})

	t.Run("clears scheduled downgrade", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)
		_, err = mgr.ScheduleDowngrade(ctx, userID, tier.TierStarter)
		require.NoError(t, err)

		upgraded, err := mgr.Upgrade(ctx, userID, tier.TierUltimate, "pay_2")
		require.NoError(t, err)
		assert.False(t, upgraded.HasScheduledChange())
	})
}

func TestManager_ScheduleDowngrade(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("keeps current tier until end of window", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		scheduled, err := mgr.ScheduleDowngrade(ctx, userID, tier.TierStarter)
		require.NoError(t, err)

		require.NotNil(t, scheduled.ScheduledTier)
		assert.Equal(t, tier.TierStarter, *scheduled.ScheduledTier)
		require.NotNil(t, scheduled.ScheduledChangeAt)
		assert.Equal(t, sub.EndsAt, *scheduled.ScheduledChangeAt)

		current, err := mgr.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierPremium, current.Tier)
	})

	t.Run("rejects same or higher tier", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierStarter, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		_, err = mgr.ScheduleDowngrade(ctx, userID, tier.TierPremium)
		require.ErrorIs(t, err, lifecycle.ErrNotADowngrade)
	})
}

func TestManager_CheckAndExpire(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("expires past-due cancelled subscription", func(t *testing.T) {
		t.Parallel()

		mgr, store := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)
		_, err = mgr.Cancel(ctx, userID)
		require.NoError(t, err)

		later := now.AddDate(0, 0, 31)
		n, err := mgr.CheckAndExpire(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		expired, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusExpired, expired.Status)

		current, err := mgr.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierFree, current.Tier)
	})

	t.Run("leaves in-window subscriptions alone", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		n, err := mgr.CheckAndExpire(ctx, now.AddDate(0, 0, 15))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("successful renewal charge short-circuits expiry", func(t *testing.T) {
		t.Parallel()

		charger := &stubCharger{}
		mgr, store := newTestManager(t, now, lifecycle.WithRenewalCharger(charger))
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		later := now.AddDate(0, 0, 31)
		_, err = mgr.CheckAndExpire(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, charger.calls)

		current, err := mgr.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierPremium, current.Tier)
		assert.Equal(t, sub.EndsAt, current.StartsAt, "renewal window starts where the old one ended")
		assert.Equal(t, sub.EndsAt.Add(30*24*time.Hour), current.EndsAt)

		old, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusExpired, old.Status)
	})

	t.Run("failed renewal charge expires the subscription", func(t *testing.T) {
		t.Parallel()

		charger := &stubCharger{err: errors.New("card declined")}
		mgr, _ := newTestManager(t, now, lifecycle.WithRenewalCharger(charger))
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)

		_, err = mgr.CheckAndExpire(ctx, now.AddDate(0, 0, 31))
		require.NoError(t, err)

		current, err := mgr.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierFree, current.Tier)
	})

	t.Run("applies scheduled downgrade at window close", func(t *testing.T) {
		t.Parallel()

		mgr, _ := newTestManager(t, now)
		userID := uuid.New()

		sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, sub.ID)
		require.NoError(t, err)
		_, err = mgr.ScheduleDowngrade(ctx, userID, tier.TierStarter)
		require.NoError(t, err)
		_, err = mgr.Cancel(ctx, userID)
		require.NoError(t, err)

		_, err = mgr.CheckAndExpire(ctx, now.AddDate(0, 0, 31))
		require.NoError(t, err)

		current, err := mgr.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierStarter, current.Tier)
		assert.Equal(t, sub.EndsAt, current.StartsAt, "downgrade starts the instant the old window closed")
	})

	t.Run("one failing user does not abort the sweep", func(t *testing.T) {
		t.Parallel()

		mgr, store := newTestManager(t, now)
		good := uuid.New()
		bad := uuid.New()

		goodSub, err := mgr.Create(ctx, good, tier.TierStarter, 30, "pay_g")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, goodSub.ID)
		require.NoError(t, err)

		badSub, err := mgr.Create(ctx, bad, tier.TierStarter, 30, "pay_b")
		require.NoError(t, err)
		_, err = mgr.Activate(ctx, badSub.ID)
		require.NoError(t, err)

		failing := &failOnUserStore{Store: store, failUser: bad}
		registry, err := tier.NewRegistry(ctx, tier.NewInMemSource(tier.DefaultDefinitions()...))
		require.NoError(t, err)
		sweeper := lifecycle.NewManager(failing, registry,
			lifecycle.WithClock(func() time.Time { return now }))

		n, err := sweeper.CheckAndExpire(ctx, now.AddDate(0, 0, 31))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		expired, err := store.GetByID(ctx, goodSub.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusExpired, expired.Status)

		untouched, err := store.GetByID(ctx, badSub.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusActive, untouched.Status)
	})
}

func TestManager_Refund(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	mgr, _ := newTestManager(t, now)
	userID := uuid.New()

	sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, sub.ID)
	require.NoError(t, err)

	refunded, err := mgr.Refund(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusExpired, refunded.Status)
	assert.Equal(t, now, refunded.EndsAt, "refund revokes access immediately")

	current, err := mgr.ActiveSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, tier.TierFree, current.Tier)
}

func TestManager_MarkPaymentFailed(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	mgr, _ := newTestManager(t, now)
	userID := uuid.New()

	_, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_1")
	require.NoError(t, err)

	failed, err := mgr.MarkPaymentFailed(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusExpired, failed.Status)

	current, err := mgr.ActiveSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, tier.TierFree, current.Tier)
}

func TestManager_SendRenewalReminders(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	sender := &stubReminder{}
	mgr, _ := newTestManager(t, now, lifecycle.WithReminderSender(sender))

	soonUser := uuid.New()
	soon, err := mgr.Create(ctx, soonUser, tier.TierPremium, 5, "pay_soon")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, soon.ID)
	require.NoError(t, err)

	farUser := uuid.New()
	far, err := mgr.Create(ctx, farUser, tier.TierPremium, 30, "pay_far")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, far.ID)
	require.NoError(t, err)

	sent, err := mgr.SendRenewalReminders(ctx, now, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, sender.reminded, 1)
	assert.Equal(t, soonUser, sender.reminded[0])

	// A second scan does not remind the same record again.
	sent, err = mgr.SendRenewalReminders(ctx, now, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestManager_ConcurrentTransitionsSerialized(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	mgr, _ := newTestManager(t, now)
	userID := uuid.New()

	sub, err := mgr.Create(ctx, userID, tier.TierStarter, 30, "pay_1")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, sub.ID)
	require.NoError(t, err)

	// Concurrent upgrades for the same user: exactly one wins, the rest see
	// ErrNotAnUpgrade because the winner already holds the higher tier.
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Upgrade(ctx, userID, tier.TierPremium, "pay_2"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)

	current, err := mgr.ActiveSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, tier.TierPremium, current.Tier)
}

type stubCharger struct {
	calls int
	err   error
}

func (c *stubCharger) ChargeRenewal(ctx context.Context, sub *lifecycle.Subscription) error {
	c.calls++
	return c.err
}

type stubReminder struct {
	reminded []uuid.UUID
}

func (r *stubReminder) SendRenewalReminder(ctx context.Context, sub *lifecycle.Subscription) error {
	r.reminded = append(r.reminded, sub.UserID)
	return nil
}

// failOnUserStore wraps a Store and fails saves for one user.
type failOnUserStore struct {
	lifecycle.Store
	failUser uuid.UUID
}

func (s *failOnUserStore) Save(ctx context.Context, sub *lifecycle.Subscription) error {
	if sub.UserID == s.failUser {
		return errors.New("storage unavailable")
	}
	return s.Store.Save(ctx, sub)
}
