// Package usage implements the per-user, per-period usage ledger: daily
// query counters and monthly prediction counters with atomic consumption,
// snapshot limits, one-shot warning flags, and scheduled resets.
//
// Each record snapshots the quota in force when it was created, so a later
// downgrade never retroactively shrinks a period that was already granted.
// The consume path is a single atomic read-modify-write per
// (user, resource, period) key: concurrent requests at the limit boundary
// never drive a counter past its limit, and counters never go negative.
//
// Two Store implementations are provided: MemoryStore for tests and
// single-process use, and RedisStore, whose consume path runs as a Lua
// script so correctness holds across multiple service instances.
//
//	store := usage.NewMemoryStore()
//	ledger := usage.NewLedger(store, quotaResolver)
//
//	switch err := ledger.TryConsume(ctx, userID, usage.ResourceDailyQueries); {
//	case err == nil:
//	    // proceed with the query
//	case errors.Is(err, usage.ErrLimitExceeded):
//	    // show the upgrade prompt
//	default:
//	    // store failure
//	}
package usage
