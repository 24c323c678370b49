// Package quota is the single place where traffic quota is decided and
// enforced.
//
// # Decision Engine
//
// Engine.Decide answers one question: may this user keep transferring? A
// user is disallowed exactly when they are not an admin, have a positive
// quota, and have used at least that many bytes. The answer carries a usage
// level for dashboards:
//
//   - normal: below 80%
//   - caution: 80% to 89%
//   - warning: 90% to 99%
//   - exceeded: 100% and above (not allowed)
//
// Decisions are memoized per user for a short window so bursts of limiter
// and auth callbacks collapse to one computation, and concurrent misses for
// the same user share one store lookup via singleflight. DecideForce
// bypasses both the memo and the cache.
//
// Every other component calls through the Engine. Nothing else computes
// allow or deny, and nothing schedules its own decision loop.
//
// # Reconciler
//
// Reconciler compares decisions with persisted rule state. A rule whose
// owner is over quota is tagged with provenance quota_exceeded; when the
// owner is back under quota the tag is cleared. Rules disabled by an
// operator, or for expiry or port range, are never touched by the quota
// path. Any change requests a forced config sync with trigger
// "quota:<userID>".
//
// ReconcileAll additionally sweeps the expired and out_of_range provenances
// for non-admin owners.
package quota
