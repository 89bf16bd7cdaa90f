// Package payment verifies inbound payment-provider events and translates
// them into subscription lifecycle commands.
//
// Webhook payloads are authenticated with an HMAC-SHA256 signature bound to
// a timestamp; a payload that fails verification is never parsed. Verified
// events are recorded in an append-only audit trail keyed by the provider's
// payment id, which makes duplicate deliveries detectable, and are then
// mapped to an explicit Command that the caller applies to the lifecycle
// manager. Keeping validation and application separate means each can be
// tested on its own.
//
// The package also computes upgrade proration, collects renewal charges
// with bounded retries, and integrates Paddle for hosted checkout and
// customer portal sessions.
//
// Usage:
//
//	adapter := payment.NewAdapter(secret, payment.WithEventStore(store))
//
//	cmd, err := adapter.ProcessEvent(ctx, body, signature, timestamp)
//	if errors.Is(err, payment.ErrInvalidSignature) {
//		// respond 401; the provider will not retry
//	}
//	if err := cmd.Apply(ctx, manager); err != nil {
//		// respond 500 so the provider retries
//	}
package payment
