// Package config loads the worker configuration.
//
// Each worker process reads the same YAML file, applies PORTHAUL_* overrides
// (PORTHAUL_DATABASE_DSN, PORTHAUL_SYNC_MODE, PORTHAUL_SNAPSHOT_DIR and so
// on, one per leaf key) and fills unset fields from defaults.go. Validate
// then reports every bad field at once as a ValidationError, keyed by its
// dotted YAML path. There is no package-level instance; callers pass *Config
// down explicitly.
//
// Secret references such as ${secret:db-password} survive loading untouched
// and are resolved later by package secrets.
//
// A minimal file:
//
//	database:
//	  dsn: data/porthaul.db
//	snapshot:
//	  dir: data/snapshot
//	sync:
//	  mode: file
//	  output_path: /etc/gost/gost.yaml
//	  reload_url: http://127.0.0.1:18080/config/reload
package config
