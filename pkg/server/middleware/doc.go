// Package middleware provides the HTTP middleware shared by the callback,
// admin and telemetry routes.
//
// # Chain
//
// The server wraps every route, outermost first:
//  1. Recovery: turns a handler panic into a 500 JSON error
//  2. Logging: logs method, path, status and latency
//  3. RequestID: reads or generates X-Request-ID
//
// Route groups add their own guard on top:
//
//	mux.Handle("POST /auth", middleware.BearerToken(cfg.Callback.Token, "callback")(h))
//
// # Request IDs
//
// IDs are random UUIDs unless the caller sends X-Request-ID. Handlers read
// the id with GetRequestID.
package middleware
