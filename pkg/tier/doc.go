// Package tier provides the static registry of subscription tiers:
// prices, period quotas, and capability sets for the four product levels.
//
// The registry is pure configuration with no mutable state. Definitions are
// loaded once at startup from a Source (in-memory or YAML) and validated so
// that misconfiguration fails fast instead of producing wrong gate decisions
// at runtime:
//
//   - all four tiers must be defined
//   - prices strictly increase with tier rank
//   - every tier's capability set is a superset of each lower tier's set
//   - quotas never shrink as tiers increase; -1 means unlimited
//
// Basic usage:
//
//	reg, err := tier.NewRegistry(ctx, tier.NewInMemSource(tier.DefaultDefinitions()...))
//	if err != nil {
//	    // configuration is broken, refuse to start
//	}
//
//	if reg.Grants(tier.TierStarter, tier.CapabilityDiagrams) {
//	    // render the diagram
//	}
//
//	hint, _ := reg.MinimumTierFor(tier.CapabilityMockTests) // tier.TierPremium
package tier
