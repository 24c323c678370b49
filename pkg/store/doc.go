// Package store provides access to the shared state that every control plane
// worker process reads: users and their forwarding rules.
//
// # Overview
//
// The store is the sole source of truth. Caches in other packages may lag it
// by one refresh cycle, but enforcement decisions always trace back to rows
// read through this package. Two implementations are provided:
//
//   - GormStore: SQLite (pure Go, github.com/glebarez/sqlite) or PostgreSQL
//     (gorm.io/driver/postgres) through GORM
//   - MemoryStore: an in-process implementation for tests and dry runs
//
// Retrying wraps any Store so transient failures (busy database, dropped
// connection) are retried with exponential backoff before the caller sees
// them.
//
// # Usage
//
//	st, err := store.Open(store.Config{Driver: "sqlite", DSN: "porthaul.db"})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	rs := store.NewRetrying(st, store.RetryConfig{MaxTries: 4})
//	rule, err := rs.FindRule(ctx, 10001)
//
// # Derived state
//
// Whether a rule is currently active is never stored. The rule row carries
// the operator's switch and the reason it was last disabled; activity is
// recomputed from the owner's facts every time a snapshot is built.
package store
