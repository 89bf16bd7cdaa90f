package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store defines the persistence contract for usage records.
// ConsumeOne and RaiseWarning must be atomic with respect to concurrent
// callers for the same (user, resource, period) key: two simultaneous
// requests at the limit boundary must never both succeed when only one
// slot remains.
type Store interface {
	// ConsumeOne atomically increments the period counter by one when
	// count < limit, creating the record with the given snapshot limit if it
	// does not exist yet. Returns the record after the attempt.
	// Returns ErrLimitExceeded when the counter is already at its limit.
	ConsumeOne(ctx context.Context, userID uuid.UUID, res Resource, periodKey string, snapshotLimit int64) (*Record, error)

	// Get returns the record for the key, or ErrRecordNotFound.
	Get(ctx context.Context, userID uuid.UUID, res Resource, periodKey string) (*Record, error)

	// Reset (re)creates a fresh zero-count record with the given snapshot
	// limit, superseding any existing record for the key.
	Reset(ctx context.Context, userID uuid.UUID, res Resource, periodKey string, snapshotLimit int64) error

	// RaiseWarning sets the one-shot warning flag for the key.
	// Returns true only for the call that actually flipped the flag.
	RaiseWarning(ctx context.Context, userID uuid.UUID, res Resource, periodKey string) (bool, error)

	// TallyFeature bumps the analytics tally for a feature on the user's
	// daily record. Never consulted for enforcement.
	TallyFeature(ctx context.Context, userID uuid.UUID, periodKey, feature string) error
}

// QuotaResolver returns the quota currently in force for a user and resource,
// i.e. the quota of the user's current tier. Used to snapshot limits when a
// period record is first created.
type QuotaResolver func(ctx context.Context, userID uuid.UUID, res Resource) (int64, error)

// UserSource enumerates the users whose counters the scheduled reset jobs
// must (re)initialize.
type UserSource interface {
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Ledger tracks per-user, per-period usage counters.
type Ledger struct {
	store Store
	quota QuotaResolver
	users UserSource
	now   func() time.Time
	log   *slog.Logger

	// alertFailureRate is the fraction of per-user failures in a batch reset
	// above which an operational alert is logged. The batch still completes.
	alertFailureRate float64
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides the time source, useful in tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for batch jobs and fail-open decisions.
func WithLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithUserSource sets the user enumeration used by ResetPeriod.
func WithUserSource(users UserSource) LedgerOption {
	return func(l *Ledger) {
		l.users = users
	}
}

// NewLedger creates a usage ledger over the given store.
// Panics if store or quota is nil to fail fast during initialization.
func NewLedger(store Store, quota QuotaResolver, opts ...LedgerOption) *Ledger {
	if store == nil {
		panic("usage: Store is required")
	}
	if quota == nil {
		panic("usage: QuotaResolver is required")
	}

	l := &Ledger{
		store:            store,
		quota:            quota,
		now:              func() time.Time { return time.Now().UTC() },
		log:              slog.Default(),
		alertFailureRate: 0.01,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryConsume atomically takes one slot of the resource's period quota.
// Returns nil when allowed, ErrLimitExceeded when the quota is exhausted,
// ErrUnknownResource for a resource kind the ledger does not meter, or a
// store error. An unlimited quota is always allowed and is not tracked as
// a depleting counter.
func (l *Ledger) TryConsume(ctx context.Context, userID uuid.UUID, res Resource) error {
	if !res.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownResource, res)
	}

	limit, err := l.quota(ctx, userID, res)
	if err != nil {
		return fmt.Errorf("resolve quota for user %s: %w", userID, err)
	}

	if limit == Unlimited {
		return nil
	}

	_, err = l.store.ConsumeOne(ctx, userID, res, PeriodKey(res, l.now()), limit)
	return err
}

// Remaining returns the number of slots left in the current period, or the
// Unlimited sentinel. A user with no record yet has their full quota left.
func (l *Ledger) Remaining(ctx context.Context, userID uuid.UUID, res Resource) (int64, error) {
	limit, err := l.quota(ctx, userID, res)
	if err != nil {
		return 0, fmt.Errorf("resolve quota for user %s: %w", userID, err)
	}
	if limit == Unlimited {
		return Unlimited, nil
	}

	rec, err := l.store.Get(ctx, userID, res, PeriodKey(res, l.now()))
	if errors.Is(err, ErrRecordNotFound) {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Remaining(), nil
}

// WarningThresholdCrossed reports whether the user's usage has just crossed
// 80% of the period quota. It returns true exactly once per period: the
// ledger persists the warning flag so repeated calls after the crossing
// return false.
func (l *Ledger) WarningThresholdCrossed(ctx context.Context, userID uuid.UUID, res Resource) (bool, error) {
	rec, err := l.store.Get(ctx, userID, res, PeriodKey(res, l.now()))
	if errors.Is(err, ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if rec.Limit == Unlimited || rec.Limit == 0 {
		return false, nil
	}
	if float64(rec.Count)/float64(rec.Limit) < warningThreshold {
		return false, nil
	}
	if rec.WarningRaised {
		return false, nil
	}

	return l.store.RaiseWarning(ctx, userID, res, rec.PeriodKey)
}

// RecordFeatureUse bumps the free-form analytics tally for a feature on the
// user's daily record. Failures are logged, not returned: analytics must
// never block a granted request.
func (l *Ledger) RecordFeatureUse(ctx context.Context, userID uuid.UUID, feature string) {
	key := PeriodKey(ResourceDailyQueries, l.now())
	if err := l.store.TallyFeature(ctx, userID, key, feature); err != nil {
		l.log.WarnContext(ctx, "failed to tally feature use",
			slog.String("user_id", userID.String()),
			slog.String("feature", feature),
			slog.Any("error", err))
	}
}

// ResetPeriod (re)creates fresh records for every known user for the period
// containing at, snapshotting each user's current tier quota. Users are
// processed independently: a failed user is retried once within the run and
// then logged, never aborting the batch. Returns the number of users whose
// records were reset.
func (l *Ledger) ResetPeriod(ctx context.Context, res Resource, at time.Time) (int, error) {
	if !res.Known() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, res)
	}
	if l.users == nil {
		return 0, errors.New("usage: no user source configured for period reset")
	}

	ids, err := l.users.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users for %s reset: %w", res, err)
	}

	key := PeriodKey(res, at)
	processed := 0
	var failed []uuid.UUID

	for _, id := range ids {
		if err := l.resetUser(ctx, id, res, key); err != nil {
			// One immediate retry; the next scheduled run picks up the rest.
			if err := l.resetUser(ctx, id, res, key); err != nil {
				l.log.ErrorContext(ctx, "usage reset failed for user",
					slog.String("user_id", id.String()),
					slog.String("resource", string(res)),
					slog.String("period_key", key),
					slog.Any("error", err))
				failed = append(failed, id)
				continue
			}
		}
		processed++
	}

	if total := len(ids); total > 0 && float64(len(failed))/float64(total) > l.alertFailureRate {
		l.log.ErrorContext(ctx, "usage reset failure rate above alert threshold",
			slog.String("resource", string(res)),
			slog.String("period_key", key),
			slog.Int("failed", len(failed)),
			slog.Int("total", total))
	}

	return processed, nil
}

func (l *Ledger) resetUser(ctx context.Context, userID uuid.UUID, res Resource, key string) error {
	limit, err := l.quota(ctx, userID, res)
	if err != nil {
		return fmt.Errorf("resolve quota: %w", err)
	}
	return l.store.Reset(ctx, userID, res, key, limit)
}

// InitCounters eagerly creates fresh records for both resources at a user's
// current tier quotas. Called by the lifecycle manager after a tier change so
// the new period starts with the new tier's full quota.
func (l *Ledger) InitCounters(ctx context.Context, userID uuid.UUID) error {
	now := l.now()
	for _, res := range []Resource{ResourceDailyQueries, ResourceMonthlyPredictions} {
		limit, err := l.quota(ctx, userID, res)
		if err != nil {
			return fmt.Errorf("resolve quota for %s: %w", res, err)
		}
		if err := l.store.Reset(ctx, userID, res, PeriodKey(res, now), limit); err != nil {
			return fmt.Errorf("reset %s: %w", res, err)
		}
	}
	return nil
}

// Summary returns the current-period usage of both resources for dashboards.
func (l *Ledger) Summary(ctx context.Context, userID uuid.UUID) ([]UsageInfo, error) {
	now := l.now()
	infos := make([]UsageInfo, 0, 2)

	for _, res := range []Resource{ResourceDailyQueries, ResourceMonthlyPredictions} {
		limit, err := l.quota(ctx, userID, res)
		if err != nil {
			return nil, fmt.Errorf("resolve quota for %s: %w", res, err)
		}

		key := PeriodKey(res, now)
		info := UsageInfo{Resource: res, PeriodKey: key, Limit: limit, Remaining: limit}

		rec, err := l.store.Get(ctx, userID, res, key)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			// no usage yet this period
		case err != nil:
			return nil, err
		default:
			info.Count = rec.Count
			info.Limit = rec.Limit
			info.Remaining = rec.Remaining()
		}
		if info.Limit == Unlimited {
			info.Remaining = Unlimited
		}
		infos = append(infos, info)
	}

	return infos, nil
}
