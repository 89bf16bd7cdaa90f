package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/tier"
	"github.com/prepstack/entitlements/pkg/usage"
)

// Reason explains a gate decision to the caller in renderable form.
type Reason string

const (
	ReasonGranted           Reason = "granted"
	ReasonNotInTier         Reason = "capability_not_in_tier"
	ReasonLimitExceeded     Reason = "limit_exceeded"
	ReasonUnknownCapability Reason = "unknown_capability"
	ReasonUnavailable       Reason = "subscription_state_unavailable"
)

// Decision is the structured outcome of a capability check. Calling code
// renders it as a normal response or an upgrade prompt; it never carries
// internal errors.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Capability tier.Capability
	Tier       tier.Tier

	// UpgradeHint names a real higher tier that would allow the denied
	// operation. Nil when no tier helps or the request was allowed.
	UpgradeHint *tier.Tier
}

// SubscriptionSource resolves the subscription currently granting a user
// access. lifecycle.Manager satisfies it.
type SubscriptionSource interface {
	ActiveSubscription(ctx context.Context, userID uuid.UUID) (*lifecycle.Subscription, error)
}

// UsageLedger is the metering slice the gate consumes.
type UsageLedger interface {
	TryConsume(ctx context.Context, userID uuid.UUID, res usage.Resource) error
	RecordFeatureUse(ctx context.Context, userID uuid.UUID, feature string)
}

// meteredResources maps capabilities with a per-period quota to the ledger
// resource backing them. Capabilities not listed are gated by tier
// membership alone.
var meteredResources = map[tier.Capability]usage.Resource{
	tier.CapabilitySubmitQuery:        usage.ResourceDailyQueries,
	tier.CapabilityGeneratePrediction: usage.ResourceMonthlyPredictions,
}

// Gate is the single decision point consulted before any gated operation.
// It composes tier membership, subscription state and usage metering into
// one allow/deny answer; callers must not perform their own limit checks.
type Gate struct {
	tiers  *tier.Registry
	subs   SubscriptionSource
	ledger UsageLedger
	log    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger for fail-open events.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

// New creates a feature gate.
// Panics if any dependency is nil to fail fast during initialization.
func New(tiers *tier.Registry, subs SubscriptionSource, ledger UsageLedger, opts ...Option) *Gate {
	if tiers == nil {
		panic("gate: tier registry is required")
	}
	if subs == nil {
		panic("gate: subscription source is required")
	}
	if ledger == nil {
		panic("gate: usage ledger is required")
	}

	g := &Gate{
		tiers:  tiers,
		subs:   subs,
		ledger: ledger,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CanAccess decides whether the user may perform the capability right now,
// consuming one quota slot for metered capabilities when allowed.
//
// Tier membership is authoritative state, so failures resolving it deny the
// request. Usage counters are a race-prone convenience, so an unavailable
// usage store allows the request and logs the error instead.
func (g *Gate) CanAccess(ctx context.Context, userID uuid.UUID, cap tier.Capability) (Decision, error) {
	if !cap.Known() {
		return Decision{
			Allowed:    false,
			Reason:     ReasonUnknownCapability,
			Capability: cap,
		}, fmt.Errorf("%w: %q", tier.ErrUnknownCapability, cap)
	}

	sub, err := g.subs.ActiveSubscription(ctx, userID)
	if err != nil {
		return Decision{
			Allowed:    false,
			Reason:     ReasonUnavailable,
			Capability: cap,
		}, fmt.Errorf("resolve subscription for user %s: %w", userID, err)
	}

	if !g.tiers.Grants(sub.Tier, cap) {
		return Decision{
			Allowed:     false,
			Reason:      ReasonNotInTier,
			Capability:  cap,
			Tier:        sub.Tier,
			UpgradeHint: g.tierGranting(cap, sub.Tier),
		}, nil
	}

	if res, metered := meteredResources[cap]; metered {
		switch err := g.ledger.TryConsume(ctx, userID, res); {
		case errors.Is(err, usage.ErrLimitExceeded):
			return Decision{
				Allowed:     false,
				Reason:      ReasonLimitExceeded,
				Capability:  cap,
				Tier:        sub.Tier,
				UpgradeHint: g.tierWithLargerQuota(ctx, userID, res, sub.Tier),
			}, nil
		case errors.Is(err, usage.ErrStoreUnavailable):
			g.log.ErrorContext(ctx, "usage store unavailable; allowing request",
				slog.String("user_id", userID.String()),
				slog.String("resource", string(res)),
				slog.Any("error", err))
		case err != nil:
			g.log.ErrorContext(ctx, "usage check failed; allowing request",
				slog.String("user_id", userID.String()),
				slog.String("resource", string(res)),
				slog.Any("error", err))
		}
	}

	g.ledger.RecordFeatureUse(ctx, userID, string(cap))
	return Decision{
		Allowed:    true,
		Reason:     ReasonGranted,
		Capability: cap,
		Tier:       sub.Tier,
	}, nil
}

// tierGranting returns the cheapest tier above current that includes the
// capability.
func (g *Gate) tierGranting(cap tier.Capability, current tier.Tier) *tier.Tier {
	for _, t := range tier.AllTiers() {
		if !current.Less(t) {
			continue
		}
		if g.tiers.Grants(t, cap) {
			return &t
		}
	}
	return nil
}

// tierWithLargerQuota returns the cheapest tier above current with a larger
// period quota for the resource.
func (g *Gate) tierWithLargerQuota(ctx context.Context, userID uuid.UUID, res usage.Resource, current tier.Tier) *tier.Tier {
	currentDef, err := g.tiers.Definition(current)
	if err != nil {
		return nil
	}
	currentQuota := quotaFor(currentDef, res)

	for _, t := range tier.AllTiers() {
		if !current.Less(t) {
			continue
		}
		def, err := g.tiers.Definition(t)
		if err != nil {
			continue
		}
		if quota := quotaFor(def, res); quota == tier.Unlimited || (currentQuota != tier.Unlimited && quota > currentQuota) {
			return &t
		}
	}
	return nil
}

func quotaFor(def tier.Definition, res usage.Resource) int64 {
	switch res {
	case usage.ResourceMonthlyPredictions:
		return def.MonthlyPredictions
	default:
		return def.DailyQueries
	}
}
