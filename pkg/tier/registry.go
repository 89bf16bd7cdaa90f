package tier

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Source defines how tier definitions are loaded into the registry.
type Source interface {
	Load(ctx context.Context) (map[Tier]Definition, error)
}

// Registry is the static lookup table for tier definitions.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	defs map[Tier]Definition
}

// NewRegistry loads definitions from src and validates them.
// All four tiers must be present, prices must strictly increase with rank,
// and every tier's capability set must be a superset of each lower tier's set.
func NewRegistry(ctx context.Context, src Source) (*Registry, error) {
	defs, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadTiers, err)
	}

	if err := validateDefinitions(defs); err != nil {
		return nil, err
	}

	return &Registry{defs: defs}, nil
}

// Definition returns the definition for t.
func (r *Registry) Definition(t Tier) (Definition, error) {
	def, ok := r.defs[t]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	return def, nil
}

// Grants reports whether tier t grants cap. Unknown tiers grant nothing.
func (r *Registry) Grants(t Tier, cap Capability) bool {
	def, ok := r.defs[t]
	if !ok {
		return false
	}
	return def.Grants(cap)
}

// MinimumTierFor returns the lowest tier (by price) whose capability set
// contains cap. This is a pure function of the configuration, independent of
// any user, and is what upgrade prompts should display.
func (r *Registry) MinimumTierFor(cap Capability) (Tier, error) {
	for _, t := range AllTiers() {
		if def, ok := r.defs[t]; ok && def.Grants(cap) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNoGrantingTier, cap)
}

// validateDefinitions enforces the configuration invariants at load time.
func validateDefinitions(defs map[Tier]Definition) error {
	ordered := AllTiers()

	for _, t := range ordered {
		def, ok := defs[t]
		if !ok {
			return fmt.Errorf("%w: missing definition for tier %q", ErrInvalidConfiguration, t)
		}
		if def.ID != t {
			return fmt.Errorf("%w: map key %q != definition ID %q", ErrInvalidConfiguration, t, def.ID)
		}
		if def.BillingCycleDays <= 0 {
			return fmt.Errorf("%w: tier %q has non-positive billing cycle", ErrInvalidConfiguration, t)
		}
		if err := validateQuota(t, "daily_queries", def.DailyQueries); err != nil {
			return err
		}
		if err := validateQuota(t, "monthly_predictions", def.MonthlyPredictions); err != nil {
			return err
		}
	}
	for t := range defs {
		if !t.Known() {
			return fmt.Errorf("%w: %q", ErrUnknownTier, t)
		}
	}

	// Prices strictly increase with rank so "lowest tier granting a capability"
	// and "upgrade" are well defined.
	for i := 1; i < len(ordered); i++ {
		lower, higher := defs[ordered[i-1]], defs[ordered[i]]
		if higher.MonthlyPrice.Amount <= lower.MonthlyPrice.Amount {
			return fmt.Errorf("%w: tier %q price must exceed tier %q price",
				ErrInvalidConfiguration, higher.ID, lower.ID)
		}

		// Higher tiers grant everything lower tiers grant, by construction.
		for _, cap := range lower.Capabilities {
			if !slices.Contains(higher.Capabilities, cap) {
				return fmt.Errorf("%w: tier %q lacks capability %q granted by lower tier %q",
					ErrInvalidConfiguration, higher.ID, cap, lower.ID)
			}
		}

		if quotaShrinks(lower.DailyQueries, higher.DailyQueries) {
			return fmt.Errorf("%w: tier %q daily query quota below tier %q",
				ErrInvalidConfiguration, higher.ID, lower.ID)
		}
		if quotaShrinks(lower.MonthlyPredictions, higher.MonthlyPredictions) {
			return fmt.Errorf("%w: tier %q prediction quota below tier %q",
				ErrInvalidConfiguration, higher.ID, lower.ID)
		}
	}

	return nil
}

func validateQuota(t Tier, name string, quota int64) error {
	if quota < 0 && quota != Unlimited {
		return fmt.Errorf("%w: tier %q has invalid %s quota %d", ErrInvalidConfiguration, t, name, quota)
	}
	return nil
}

// quotaShrinks reports whether higher is a smaller quota than lower,
// treating the unlimited sentinel as larger than any finite value.
func quotaShrinks(lower, higher int64) bool {
	if higher == Unlimited {
		return false
	}
	if lower == Unlimited {
		return true
	}
	return higher < lower
}
