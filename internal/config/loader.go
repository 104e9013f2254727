// internal/config/loader.go
//
// Configuration loader.
//
/*
Context
--------
`Load()` builds one immutable `Config` struct from three layers (highest
precedence last):

  1. Optional `.env` file – `<root>/conf/.env`.
  2. `conf/global.yaml`.
  3. Environment variables prefixed `FARM_`, where `__` maps to “.”
     (e.g., `FARM_REGISTRY__DSN → registry.dsn`).

After merging, the tree is unmarshalled into strongly-typed structs,
validated, enriched with the runtime root path, and cached in an
`atomic.Pointer` for lock-free reads.  Any string value carrying the
`vault:` prefix is passed through the secret resolver installed by main
before business logic sees it.

Instrumentation
---------------
  • DEBUG spans – root discovery, YAML read, env overlay.
  • ERROR spans – YAML parse, env overlay, unmarshal, validation failures.
  • INFO  span  – final “config loaded” with key highlights.
  • Logs use the global *sugared* logger (`zap.S()`) so early boot issues
    surface even before the file logger is installed (bootstrap console).

Notes
-----
  • `rootDir()` climbs the cwd tree until it finds `conf/global.yaml`;
    this lets `go run ./cmd/farmctl` work from any sub-directory.
  • Oxford commas, two spaces after periods.
*/
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

var current atomic.Pointer[Config]

// SecretResolver turns a `vault:mount/path#key` URI into its plaintext
// value.  Installed by main after the Vault client is up; nil means
// `vault:` values pass through untouched (dev setups).
type SecretResolver func(uri string) (string, error)

var resolver atomic.Pointer[SecretResolver]

// SetSecretResolver installs fn for use by the next Load call.
func SetSecretResolver(fn SecretResolver) { resolver.Store(&fn) }

/*──────────────────────────── root discovery ───────────────────────────────*/

// rootDir resolves FARM_ROOT or climbs directories until conf/global.yaml
// is found.  Falls back to executable heuristic for production layout.
func rootDir() string {
	if r := os.Getenv("FARM_ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "conf", "global.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached filesystem root
			break
		}
		dir = parent
	}

	exe, _ := os.Executable()
	if filepath.Base(filepath.Dir(exe)) == "bin" {
		return filepath.Dir(filepath.Dir(exe))
	}
	return wd
}

/*─────────────────────────────── loader ───────────────────────────────────*/

// Load reads .env, YAML, env overrides, resolves secrets, validates, and
// caches Config.
func Load() (*Config, error) {
	root := rootDir()
	zap.S().Debugw("config root resolved", "root", root)

	// .env (optional, no error if missing)
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")

	yamlPath := filepath.Join(root, "conf", "global.yaml")
	if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
		zap.S().Errorw("config yaml load failed", "file", yamlPath, "err", err)
		return nil, err
	}
	zap.S().Debugw("config yaml loaded", "file", yamlPath)

	// Env overrides: FARM_REGISTRY__DSN → registry.dsn
	if err := k.Load(env.Provider("FARM_", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "__", "."))
	}), nil); err != nil {
		zap.S().Errorw("config env overlay failed", "err", err)
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		zap.S().Errorw("config unmarshal failed", "err", err)
		return nil, err
	}

	if err := resolveSecrets(&cfg); err != nil {
		zap.S().Errorw("config secret resolution failed", "err", err)
		return nil, err
	}

	cfg.Paths.Root = root
	if err := validateStruct(&cfg); err != nil {
		zap.S().Errorw("config validation failed", "err", err)
		return nil, err
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"clusters", len(cfg.Clusters),
		"suffix", cfg.Farm.Suffix,
		"cache_dir", cfg.Cache.Dir,
		"root", cfg.Paths.Root,
	)
	return &cfg, nil
}

// resolveSecrets rewrites every `vault:` value in place.  Only DSN fields
// may carry secrets today.
func resolveSecrets(cfg *Config) error {
	fn := resolver.Load()
	if fn == nil || *fn == nil {
		return nil
	}
	resolve := func(s string) (string, error) {
		if !strings.HasPrefix(s, "vault:") {
			return s, nil
		}
		return (*fn)(s)
	}

	var err error
	if cfg.Registry.DSN, err = resolve(cfg.Registry.DSN); err != nil {
		return err
	}
	for i := range cfg.Clusters {
		if cfg.Clusters[i].DSN, err = resolve(cfg.Clusters[i].DSN); err != nil {
			return err
		}
	}
	return nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

func Get() *Config  { return current.Load() }
func Reload() error { _, err := Load(); return err }
