// Package schedule runs the entitlement system's batch jobs: the daily
// usage reset, the hourly expiry sweep, the monthly prediction reset and
// the renewal reminder scan. Schedules are fixed UTC times so period
// boundaries agree with the usage ledger's period keys. Every registered
// job can also be triggered synchronously via RunNow for operational
// recovery.
package schedule
