// Package lifecycle owns subscription state for the entitlement system.
//
// Every user has exactly one subscription granting access at any moment.
// Users without a persisted record, or whose record has run out, hold an
// implicit free-tier subscription that is synthesized on read and never
// stored. Paid subscriptions move through a small state machine
// (pending -> active -> cancelled/expired) driven by payment confirmations,
// user actions and the scheduled expiry sweep; superseded records are kept
// for history, never deleted.
//
// The Manager serializes transitions per user and is the only component
// allowed to mutate subscription state. Two Store implementations are
// provided: MemoryStore for tests and single-process setups, and
// PostgresStore for production, where a partial unique index enforces the
// one-active-record invariant across instances.
//
// Usage:
//
//	registry, err := tier.NewRegistry(ctx, tier.NewInMemSource(tier.DefaultDefinitions()...))
//	if err != nil {
//		return err
//	}
//	mgr := lifecycle.NewManager(lifecycle.NewMemoryStore(), registry,
//		lifecycle.WithCounterInitializer(ledger),
//	)
//
//	sub, err := mgr.Create(ctx, userID, tier.TierPremium, 30, "pay_123")
//	// ... payment captured, webhook arrives ...
//	sub, err = mgr.ActivateByProviderRef(ctx, "pay_123")
package lifecycle
