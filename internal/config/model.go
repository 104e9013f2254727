// internal/config/model.go
//
// Typed configuration model for the wiki farm control plane.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `.env`                         – dotenv values,
//   • `conf/global.yaml`                      – primary static file,
//   • `FARM_`-prefixed environment overrides  – highest precedence.
//
// Any value whose string begins with the prefix `vault:` is resolved
// through the Vault client *after* unmarshalling, so credentials never
// live in flat files or git history.
//
// Validation happens immediately after unmarshal; the process fails fast
// if required fields are missing.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`; Koanf ignores `yaml` tags
//     unless configured otherwise.
//   • The `Paths` block is filled at runtime; YAML must not try to set it.
//   • Oxford commas, two spaces after periods.  No em-dash.

package config

//
// Registry section
//

// Registry holds the control-plane database coordinates.  The DSN is the
// full go-sql-driver string; its password portion may be a `vault:` URI.
type Registry struct {
	DSN string `koanf:"dsn" validate:"required"`
}

//
// Cluster section
//

// Cluster names one database shard new wikis may be placed on.  The DSN
// points at the shard's server with no schema selected, so the provisioner
// can issue CREATE DATABASE against it.
type Cluster struct {
	Name string `koanf:"name" validate:"required"`
	DSN  string `koanf:"dsn"  validate:"required"`
}

//
// Farm section
//

// Farm carries the tenant-lifecycle tunables.  Day counts gate the
// deletion grace period and the inactivity sweep thresholds.
type Farm struct {
	Suffix            string `koanf:"suffix" validate:"required"` // required dbname suffix, e.g. "wiki"
	DeletionGraceDays int    `koanf:"deletion_grace_days"`
	InactiveDays      int    `koanf:"inactive_days"`
	CloseDays         int    `koanf:"close_days"`
	RemovedDays       int    `koanf:"removed_days"`
	AutoReview        bool   `koanf:"auto_review"` // enqueue automated review of new requests
}

//
// Cache section
//

// Cache configures the materialized snapshot layer.  When RedisAddr is
// empty the process falls back to an in-memory counter store, which is
// only correct for a single operator process.
type Cache struct {
	Dir       string `koanf:"dir" validate:"required"`
	RedisAddr string `koanf:"redis_addr"`
}

//
// HTTP section
//

// HTTP holds the admin/metrics listener tunables for `farmctl serve`.
type HTTP struct {
	ListenAddr string `koanf:"listen_addr"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime, never set in YAML or env.  The loader
// discovers `Root` (repo root or FARM_ROOT override) so later code can
// build absolute file paths.
type Paths struct {
	Root string // FARM_ROOT or discovered parent
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the process lifetime.
type Config struct {
	Registry Registry  `koanf:"registry"`
	Clusters []Cluster `koanf:"clusters"`
	Farm     Farm      `koanf:"farm"`
	Cache    Cache     `koanf:"cache"`
	HTTP     HTTP      `koanf:"http"`
	Paths    Paths     `koanf:"-"` // not loaded from config files
}
