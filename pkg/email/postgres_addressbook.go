package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAddressNotFound means no email is on record for the user, typically
// because they never went through checkout on this system.
var ErrAddressNotFound = errors.New("no email address on record")

// PostgresAddressBook persists the user to email mapping captured at checkout
// and resolves recipients for renewal reminders.
type PostgresAddressBook struct {
	pool *pgxpool.Pool
}

func NewPostgresAddressBook(pool *pgxpool.Pool) *PostgresAddressBook {
	if pool == nil {
		panic("email: pgx pool is required")
	}
	return &PostgresAddressBook{pool: pool}
}

// SaveEmail records or replaces the user's address. Later saves win: the
// address supplied at the most recent checkout is the one reminders use.
func (b *PostgresAddressBook) SaveEmail(ctx context.Context, userID uuid.UUID, addr string) error {
	if !emailRegex.MatchString(addr) {
		return fmt.Errorf("%w: %q is not a valid email address", ErrInvalidParams, addr)
	}

	_, err := b.pool.Exec(ctx, `
		INSERT INTO user_emails (user_id, email, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			email      = EXCLUDED.email,
			updated_at = now()`,
		userID, addr)
	if err != nil {
		return fmt.Errorf("save email: %w", err)
	}
	return nil
}

func (b *PostgresAddressBook) EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error) {
	var addr string
	err := b.pool.QueryRow(ctx,
		`SELECT email FROM user_emails WHERE user_id = $1`, userID).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAddressNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup email: %w", err)
	}
	return addr, nil
}
