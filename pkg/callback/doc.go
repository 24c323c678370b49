// Package callback implements the HTTP endpoints the proxy engine calls
// while it forwards traffic.
//
// The engine names every forwarding service "forward-<proto>-<port>" and
// consults three plugins:
//
//   - POST /auth admits a new connection. It resolves the port to its owner
//     through the process-local cache and fails closed on any doubt.
//   - POST /limiter returns the byte rate for an admitted client. It asks the
//     quota engine and fails open on infrastructure errors.
//   - POST /observer reports cumulative traffic counters per service. The
//     handler turns them into deltas, charges the owner and the rule, and
//     reconciles the owner immediately when the delta is large enough.
//
// Within a connection the engine moves from unauthenticated to identified
// (after /auth) to policy-applied (after /limiter, repeatable). /observer runs
// outside connection scope on a periodic batch.
package callback
