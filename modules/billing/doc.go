// Package billing mounts the entitlement system's HTTP surface: the
// payment webhook receiver, subscription management endpoints, usage
// summaries, capability checks, hosted checkout links and the batch jobs'
// run-now triggers.
//
// The webhook route honors the provider's retry contract exactly: 200 for
// any processed or safely-ignored event, 401 for signature failures, 5xx
// only for failures a redelivery could fix.
package billing
