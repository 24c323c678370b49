// Package cache holds the per-process view of user quota state and the
// port-to-user mapping that the proxy callbacks consult on every connection.
//
// Entries are installed wholesale from a shared snapshot (Replace) or one at a
// time after a direct store lookup (Put). User entries expire TTL after they
// were last refreshed, independently of the snapshot cycle, so a worker that
// stops receiving snapshots falls back to the store instead of serving stale
// quota state forever. Port mappings only contain rules that were active when
// the snapshot was taken.
//
// All methods are safe for concurrent use.
package cache
