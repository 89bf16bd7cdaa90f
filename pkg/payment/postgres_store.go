package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists payment events in an append-only table. The
// primary key on provider_payment_id makes duplicate webhook deliveries
// detectable across service instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("payment: pgx pool is required")
	}
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	if rec.ProviderPaymentID == "" {
		return fmt.Errorf("%w: missing provider payment id", ErrInvalidPayload)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_events (
			provider_payment_id, event_type, subscription_ref, user_id,
			amount, currency, payload, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ProviderPaymentID, rec.EventType, rec.SubscriptionRef, rec.UserID,
		rec.Amount, rec.Currency, rec.Payload, rec.ReceivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("append payment event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT provider_payment_id, event_type, subscription_ref, user_id,
		       amount, currency, payload, received_at
		FROM payment_events
		WHERE provider_payment_id = $1`,
		paymentID).Scan(
		&rec.ProviderPaymentID, &rec.EventType, &rec.SubscriptionRef, &rec.UserID,
		&rec.Amount, &rec.Currency, &rec.Payload, &rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment event: %w", err)
	}
	return &rec, nil
}
