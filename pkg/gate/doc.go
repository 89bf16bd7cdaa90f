// Package gate is the single decision point consulted before any gated
// operation. It composes the tier registry, subscription lifecycle and
// usage ledger into one allow/deny answer with a renderable reason and,
// when denied, an upgrade hint naming a real higher tier.
//
// Tier membership is authoritative, so it is checked fail-closed; usage
// counters are checked fail-open so a metering outage degrades to
// unsophisticated allowance instead of a product outage.
package gate
