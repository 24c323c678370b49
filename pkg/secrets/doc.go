// Package secrets resolves ${secret:name} references in configuration.
//
// Tokens, the engine password and the database DSN may name a secret instead
// of carrying its value:
//
//	callback:
//	  token: ${secret:callback-token}
//	database:
//	  dsn: postgres://porthaul:${secret:db-password}@db/porthaul
//
// A Manager tries its providers in order. The file provider reads one file
// per secret from a directory, the way Kubernetes mounts secrets, and
// refuses files readable by group or others. The environment provider
// reads PORTHAUL_SECRET_<NAME> with hyphens turned into underscores.
package secrets
