// Package server runs the control plane's HTTP listener.
//
// New wraps the application mux in the shared middleware (request IDs,
// access logging, panic recovery, body size limits) and Start serves it
// until the context is cancelled:
//
//	srv := server.New(cfg.Server, mux)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//
// Signal handling lives in the cli package; the server only watches ctx.
package server
