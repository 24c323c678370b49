// Package configsync renders the proxy engine's declarative config from the
// current rules and applies it.
//
// Every sync renders the whole config, hashes the canonical YAML with
// SHA-256 and skips the apply when the hash matches the last applied one,
// unless the request is forced. A Syncer runs at most one sync at a time;
// requests that arrive meanwhile wait in a small queue keyed by trigger, so
// repeated requests for the same trigger collapse into one. The queue drains
// by priority, then age.
//
// Non-forced requests are throttled to one apply per minimum interval. A
// throttled request reports skipped with reason "throttled" and is retried
// once the interval has passed. Apply failures are reported to the caller
// and never retried automatically.
package configsync
