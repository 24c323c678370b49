// Package coordinator ties the per-worker caches together.
//
// The Coordinator fans targeted invalidations out to every layer that can
// hold a stale view of a user or a port: the process-local cache, the
// shared snapshot, the quota decision memo and the observer's counter
// tracker. It also owns the operator actions that change enforcement
// inputs (traffic reset, quota update) and the two backstop jobs:
//
//   - resync: refresh and read the snapshot, reconcile every user, then
//     request a non-forced config sync
//   - health: detect a stale, diverged or empty local cache and repair it
//     with a forced refresh and sync
//
// Both jobs run on cron schedules from the coordinator config. Admin
// exposes the operator actions over HTTP under /internal.
package coordinator
