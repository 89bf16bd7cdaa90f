package gate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/tier"
	"github.com/prepstack/entitlements/pkg/usage"
)

// QuotaResolver builds the usage ledger's quota lookup from the tier
// registry and subscription state: a user's quota for a resource is
// whatever their currently granting tier defines.
func QuotaResolver(tiers *tier.Registry, subs SubscriptionSource) usage.QuotaResolver {
	return func(ctx context.Context, userID uuid.UUID, res usage.Resource) (int64, error) {
		sub, err := subs.ActiveSubscription(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("resolve subscription for user %s: %w", userID, err)
		}
		def, err := tiers.Definition(sub.Tier)
		if err != nil {
			return 0, err
		}
		return quotaFor(def, res), nil
	}
}
