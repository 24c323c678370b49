// Porthaul is the control plane for a fleet of port-forwarding workers.
//
// Every worker process shares one database of users and forwarding rules.
// The control plane answers the forwarding engine's auth and traffic
// callbacks, enforces per-user traffic quotas, keeps a shared snapshot of
// the port mapping on disk and renders the engine configuration.
//
// Usage:
//
//	# Start a worker
//	porthaul run --config /etc/porthaul/config.yaml
//
//	# Check a configuration file
//	porthaul validate --config config.yaml
//
//	# Rebuild the shared snapshot now
//	porthaul refresh
//
//	# Push the rendered configuration to the engine
//	porthaul sync --force
//
//	# Re-evaluate quota for every user
//	porthaul reconcile
package main

import (
	"os"

	"porthaul/controlplane/pkg/cli"
)

func main() {
	os.Exit(cli.ExitCode(Execute()))
}
