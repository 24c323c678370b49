// Package snapshot keeps the process-local caches of every worker on a host
// in agreement.
//
// One worker at a time holds a lease lock in the shared snapshot directory,
// loads users and rules from the store, derives which rules are active and
// writes the result atomically as a single snapshot file. Every worker reads
// that file into its own cache, either when the file watcher sees a new
// snapshot renamed into place or on a periodic backstop timer.
//
// Rule activity is never persisted. ComputeActive derives it from the owner's
// status, expiry, port range and quota each time a snapshot is built.
//
// # Files
//
// The snapshot directory contains:
//
//	snapshot.json   the latest snapshot, replaced by rename
//	refresh.lock    the lease lock, JSON with owner and acquisition time
//	invalidated     a timestamp written by Invalidate
//
// The lease lock assumes all workers share one filesystem. Locker allows a
// store-backed lease to be dropped in for multi-host deployments.
package snapshot
