package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store implementation. The
// one-active-per-user invariant is enforced by a partial unique index on
// (user_id) WHERE status = 'active' (see migrations), so the guarantee
// holds across concurrent service instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a subscription store over the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("lifecycle: pgx pool is required")
	}
	return &PostgresStore{pool: pool}
}

const subscriptionColumns = `
	id, user_id, tier, status, starts_at, ends_at, auto_renew, cancelled_at,
	scheduled_tier, scheduled_change_at, provider_ref, renewal_reminded_at,
	created_at, updated_at`

func (s *PostgresStore) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'`,
		userID)
	return scanSubscription(row)
}

func (s *PostgresStore) GetCurrentByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	// The active record wins; otherwise the most recently created cancelled
	// record still within scope of the expiry sweep.
	row := s.pool.QueryRow(ctx, `
		SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'cancelled')
		ORDER BY (status = 'active') DESC, created_at DESC
		LIMIT 1`,
		userID)
	return scanSubscription(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE id = $1`,
		id)
	return scanSubscription(row)
}

func (s *PostgresStore) GetByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE provider_ref = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		ref)
	return scanSubscription(row)
}

func (s *PostgresStore) Save(ctx context.Context, sub *Subscription) error {
	if !sub.EndsAt.After(sub.StartsAt) {
		return ErrInvalidWindow
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			tier                = EXCLUDED.tier,
			status              = EXCLUDED.status,
			starts_at           = EXCLUDED.starts_at,
			ends_at             = EXCLUDED.ends_at,
			auto_renew          = EXCLUDED.auto_renew,
			cancelled_at        = EXCLUDED.cancelled_at,
			scheduled_tier      = EXCLUDED.scheduled_tier,
			scheduled_change_at = EXCLUDED.scheduled_change_at,
			provider_ref        = EXCLUDED.provider_ref,
			renewal_reminded_at = EXCLUDED.renewal_reminded_at,
			updated_at          = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.Tier, sub.Status, sub.StartsAt, sub.EndsAt,
		sub.AutoRenew, sub.CancelledAt, sub.ScheduledTier, sub.ScheduledChangeAt,
		nullableString(sub.ProviderRef), sub.RenewalRemindedAt,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateActive
		}
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueForExpiry(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN ('active', 'cancelled') AND ends_at <= $1`,
		now)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *PostgresStore) ListRenewalsDue(ctx context.Context, windowEnd time.Time) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active'
		  AND auto_renew
		  AND tier <> 'free'
		  AND ends_at <= $1
		  AND renewal_reminded_at IS NULL`,
		windowEnd)
	if err != nil {
		return nil, fmt.Errorf("list renewals due: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListUserIDs returns the distinct users with a subscription record. Used by
// the scheduled usage resets to enumerate whose counters to reinitialize.
func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var providerRef *string
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Tier, &sub.Status, &sub.StartsAt, &sub.EndsAt,
		&sub.AutoRenew, &sub.CancelledAt, &sub.ScheduledTier, &sub.ScheduledChangeAt,
		&providerRef, &sub.RenewalRemindedAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if providerRef != nil {
		sub.ProviderRef = *providerRef
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
