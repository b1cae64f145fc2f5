package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"TrustLinks/internal/group"
	"TrustLinks/internal/storage"
	"TrustLinks/internal/store"
	"TrustLinks/internal/trust"
)

// Store backends.
const (
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
	BackendRelay    = "relay"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `yaml:"http"`

	// LogLevel is the minimum level printed.
	LogLevel string `yaml:"log_level"`

	Storage StorageConfig `yaml:"storage"`
	Store   StoreConfig   `yaml:"store"`
	Group   group.Config  `yaml:"group"`
	Trust   TrustConfig   `yaml:"trust"`
	Proof   ProofConfig   `yaml:"proof"`
}

// StorageConfig tunes the local Pebble database.
type StorageConfig struct {
	CacheSize    int64         `yaml:"cache_size"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// StoreConfig selects where attestation records live.
type StoreConfig struct {
	Backend  string               `yaml:"backend"`
	Postgres store.PostgresConfig `yaml:"postgres"`
	Relays   []string             `yaml:"relays"`
}

// TrustConfig tunes aggregation.
type TrustConfig struct {
	MaxDepth      int           `yaml:"max_depth"`
	SubjectLimit  int           `yaml:"subject_limit"`
	LevelLimit    int           `yaml:"level_limit"`
	BulkLimit     int           `yaml:"bulk_limit"`
	GivenLimit    int           `yaml:"given_limit"`
	SingleTimeout time.Duration `yaml:"single_timeout"`
	LevelTimeout  time.Duration `yaml:"level_timeout"`
	BulkTimeout   time.Duration `yaml:"bulk_timeout"`

	// VerifyOnRead drops anonymous attestations whose proof fails at read time.
	VerifyOnRead bool `yaml:"verify_on_read"`
}

// ProofConfig configures the proving backend.
type ProofConfig struct {
	// Enabled loads the circuit and keys at startup.
	Enabled bool `yaml:"enabled"`

	// KeyDir caches proving and verifying keys; defaults to <data>/keys.
	KeyDir string `yaml:"key_dir"`

	Workers int `yaml:"workers"`

	// VerifyOnPublish checks anonymous records before accepting them.
	VerifyOnPublish bool `yaml:"verify_on_publish"`

	// Replay refuses a second record with the same nullifier and target.
	Replay bool `yaml:"replay"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() *Config {
	d := trust.DefaultOptions()

	return &Config{
		DataPath:    "./data",
		HTTPAddress: ":8080",
		LogLevel:    "info",
		Storage: StorageConfig{
			CacheSize:    32 << 20,
			SyncInterval: 100 * time.Millisecond,
		},
		Store: StoreConfig{
			Backend:  BackendPebble,
			Postgres: store.PostgresConfig{Host: "localhost", Port: 5432, Database: "trustlinks"},
		},
		Group: group.DefaultConfig(),
		Trust: TrustConfig{
			MaxDepth:      d.MaxDepth,
			SubjectLimit:  d.SubjectLimit,
			LevelLimit:    d.LevelLimit,
			BulkLimit:     d.BulkLimit,
			GivenLimit:    d.GivenLimit,
			SingleTimeout: d.SingleTimeout,
			LevelTimeout:  d.LevelTimeout,
			BulkTimeout:   d.BulkTimeout,
		},
		Proof: ProofConfig{
			Enabled:         true,
			Workers:         2,
			VerifyOnPublish: true,
			Replay:          true,
		},
	}
}

// parseFlags builds the config from defaults, the optional YAML file named
// by -config, then the flags explicitly set on the command line.
func parseFlags(args []string) (*Config, error) {
	cfg := defaultConfig()

	var configPath string
	if err := bindFlags(cfg, &configPath).parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		cfg = defaultConfig()
		if err := loadYAML(configPath, cfg); err != nil {
			return nil, err
		}

		// Parse again over the file values so only explicit flags override them.
		if err := bindFlags(cfg, &configPath).parse(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// flagSet couples a flag set with values needing post-processing.
type flagSet struct {
	fs     *flag.FlagSet
	cfg    *Config
	relays string
}

// bindFlags registers every flag with the current config values as defaults.
func bindFlags(cfg *Config, configPath *string) *flagSet {
	f := &flagSet{
		fs:     flag.NewFlagSet("trustnode", flag.ContinueOnError),
		cfg:    cfg,
		relays: strings.Join(cfg.Store.Relays, ","),
	}

	fs := f.fs

	fs.StringVar(configPath, "config", *configPath, "YAML config file")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	fs.Int64Var(&cfg.Storage.CacheSize, "cache-size", cfg.Storage.CacheSize, "Pebble block cache size in bytes")
	fs.DurationVar(&cfg.Storage.SyncInterval, "sync-interval", cfg.Storage.SyncInterval, "Period between WAL syncs")

	fs.StringVar(&cfg.Store.Backend, "store", cfg.Store.Backend, "Store backend (pebble, postgres, relay)")
	fs.StringVar(&f.relays, "relays", f.relays, "Comma-separated relay URLs for the relay backend")
	fs.StringVar(&cfg.Store.Postgres.Host, "pg-host", cfg.Store.Postgres.Host, "PostgreSQL host")
	fs.IntVar(&cfg.Store.Postgres.Port, "pg-port", cfg.Store.Postgres.Port, "PostgreSQL port")
	fs.StringVar(&cfg.Store.Postgres.User, "pg-user", cfg.Store.Postgres.User, "PostgreSQL user")
	fs.StringVar(&cfg.Store.Postgres.Password, "pg-password", cfg.Store.Postgres.Password, "PostgreSQL password")
	fs.StringVar(&cfg.Store.Postgres.Database, "pg-database", cfg.Store.Postgres.Database, "PostgreSQL database")

	fs.StringVar(&cfg.Group.GroupID, "group-id", cfg.Group.GroupID, "Verification network identifier")
	fs.StringVar(&cfg.Group.Scope, "scope", cfg.Group.Scope, "Nullifier scope")
	fs.IntVar(&cfg.Group.Depth, "tree-depth", cfg.Group.Depth, "Merkle tree depth")

	fs.IntVar(&cfg.Trust.MaxDepth, "max-depth", cfg.Trust.MaxDepth, "Deepest trust level aggregated")
	fs.BoolVar(&cfg.Trust.VerifyOnRead, "verify-on-read", cfg.Trust.VerifyOnRead, "Verify anonymous proofs when aggregating")

	fs.BoolVar(&cfg.Proof.Enabled, "proofs", cfg.Proof.Enabled, "Load the proving backend")
	fs.StringVar(&cfg.Proof.KeyDir, "key-dir", cfg.Proof.KeyDir, "Proving key cache directory")
	fs.IntVar(&cfg.Proof.Workers, "proof-workers", cfg.Proof.Workers, "Concurrent proof jobs")
	fs.BoolVar(&cfg.Proof.VerifyOnPublish, "verify-on-publish", cfg.Proof.VerifyOnPublish, "Verify anonymous records before accepting them")
	fs.BoolVar(&cfg.Proof.Replay, "replay-check", cfg.Proof.Replay, "Refuse replayed nullifiers")

	return f
}

// parse parses args and applies list flags.
func (f *flagSet) parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}

	f.cfg.Store.Relays = nil
	for _, u := range strings.Split(f.relays, ",") {
		if u = strings.TrimSpace(u); u != "" {
			f.cfg.Store.Relays = append(f.cfg.Store.Relays, u)
		}
	}

	return nil
}

// loadYAML decodes a config file over cfg.
func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s:\n%w", path, err)
	}

	return nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendPebble, BackendPostgres:
	case BackendRelay:
		if len(c.Store.Relays) == 0 {
			return fmt.Errorf("relay backend requires at least one relay URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Storage.CacheSize <= 0 || c.Storage.SyncInterval <= 0 {
		return fmt.Errorf("storage cache size and sync interval must be positive")
	}

	if err := c.Group.Validate(); err != nil {
		return err
	}

	if c.Trust.MaxDepth < 1 || c.Trust.MaxDepth > trust.HardMaxDepth {
		return fmt.Errorf("max depth must be in [1, %d]", trust.HardMaxDepth)
	}

	if (c.Proof.VerifyOnPublish || c.Trust.VerifyOnRead) && !c.Proof.Enabled {
		return fmt.Errorf("proof verification requires the proving backend")
	}

	return nil
}

// storageOptions converts the database settings.
func (c *Config) storageOptions() storage.Options {
	return storage.Options{
		CacheSize:    c.Storage.CacheSize,
		SyncInterval: c.Storage.SyncInterval,
	}
}

// trustOptions converts the aggregation settings.
func (c *Config) trustOptions() trust.Options {
	return trust.Options{
		MaxDepth:      c.Trust.MaxDepth,
		SingleTimeout: c.Trust.SingleTimeout,
		LevelTimeout:  c.Trust.LevelTimeout,
		BulkTimeout:   c.Trust.BulkTimeout,
		SubjectLimit:  c.Trust.SubjectLimit,
		LevelLimit:    c.Trust.LevelLimit,
		BulkLimit:     c.Trust.BulkLimit,
		GivenLimit:    c.Trust.GivenLimit,
	}
}
