package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/tier"
)

// ChargeProvider executes an off-session renewal charge with the payment
// provider. Implementations must be safe for concurrent use.
type ChargeProvider interface {
	Charge(ctx context.Context, providerRef string, t tier.Tier, amount tier.Money) error
}

// Charger collects renewal charges on behalf of the expiry sweep. Each
// attempt is bounded by a timeout and transient failures are retried with
// exponential backoff before the subscription is allowed to expire.
type Charger struct {
	provider ChargeProvider
	tiers    *tier.Registry
	log      *slog.Logger

	attemptTimeout time.Duration
	maxRetries     int
	backoff        ExponentialBackoff
}

// ChargerOption configures a Charger.
type ChargerOption func(*Charger)

// WithAttemptTimeout bounds each individual charge attempt.
func WithAttemptTimeout(d time.Duration) ChargerOption {
	return func(c *Charger) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) ChargerOption {
	return func(c *Charger) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff overrides the retry backoff strategy.
func WithBackoff(b ExponentialBackoff) ChargerOption {
	return func(c *Charger) { c.backoff = b }
}

// WithChargerLogger sets the logger for retry warnings.
func WithChargerLogger(log *slog.Logger) ChargerOption {
	return func(c *Charger) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCharger creates a renewal charger.
// Panics if provider or tiers is nil to fail fast during initialization.
func NewCharger(provider ChargeProvider, tiers *tier.Registry, opts ...ChargerOption) *Charger {
	if provider == nil {
		panic("payment: ChargeProvider is required")
	}
	if tiers == nil {
		panic("payment: tier registry is required")
	}

	c := &Charger{
		provider:       provider,
		tiers:          tiers,
		log:            slog.Default(),
		attemptTimeout: 30 * time.Second,
		maxRetries:     3,
		backoff:        ExponentialBackoff{InitialInterval: time.Second, MaxInterval: 30 * time.Second, Multiplier: 2},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChargeRenewal charges the subscription's tier price against its provider
// reference. Returns ErrChargeFailed once all attempts are exhausted.
func (c *Charger) ChargeRenewal(ctx context.Context, sub *lifecycle.Subscription) error {
	if sub.ProviderRef == "" {
		return fmt.Errorf("%w: subscription has no provider reference", ErrChargeFailed)
	}

	def, err := c.tiers.Definition(sub.Tier)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ErrChargeFailed, ctx.Err(), lastErr)
			case <-time.After(c.backoff.NextInterval(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		lastErr = c.provider.Charge(attemptCtx, sub.ProviderRef, sub.Tier, def.MonthlyPrice)
		cancel()
		if lastErr == nil {
			return nil
		}

		c.log.WarnContext(ctx, "renewal charge attempt failed",
			slog.String("provider_ref", sub.ProviderRef),
			slog.Int("attempt", attempt+1),
			slog.Any("error", lastErr))
	}
	return errors.Join(ErrChargeFailed, lastErr)
}
