// Package config loads calr-bundle configuration.
//
// Values come from three layers, later ones winning: [Default], an optional
// YAML file given by --config, and CALR_* environment variables. Command-line
// flags are applied on top by the command itself.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/karasz/calr"
)

// Ledger backends.
const (
	LedgerNone   = "none"
	LedgerFile   = "file"
	LedgerSQLite = "sqlite"
)

// Config is the full calr-bundle configuration.
type Config struct {
	RelayID        string             `yaml:"relay_id" env:"CALR_RELAY_ID"`
	BuildVersion   string             `yaml:"build_version" env:"CALR_BUILD_VERSION"`
	SpoolDir       string             `yaml:"spool_dir" env:"CALR_SPOOL_DIR"`
	Workers        int                `yaml:"workers" env:"CALR_WORKERS"`
	ConsumeSources bool               `yaml:"consume_sources" env:"CALR_CONSUME_SOURCES"`
	MetricsFile    string             `yaml:"metrics_file" env:"CALR_METRICS_FILE"`
	Keys           KeysConfig         `yaml:"keys"`
	Ledger         LedgerConfig       `yaml:"ledger"`
	Log            LogConfig          `yaml:"log"`
	Algorithms     calr.BundleOptions `yaml:"algorithms"`
}

// KeysConfig locates the relay and server keys.
type KeysConfig struct {
	// RelayKeyPath is the relay's PKCS#8 DER private key.
	RelayKeyPath string `yaml:"relay_key_path" env:"CALR_RELAY_KEY_PATH"`
	// GenerateMissing creates RelayKeyPath with KeyBits when it does not exist.
	GenerateMissing bool `yaml:"generate_missing" env:"CALR_GENERATE_KEY"`
	KeyBits         int  `yaml:"key_bits" env:"CALR_KEY_BITS"`
	// ServerPublicKeyPath is the recipient's PEM public key.
	ServerPublicKeyPath string `yaml:"server_public_key_path" env:"CALR_SERVER_PUBLIC_KEY_PATH"`
}

// LedgerConfig selects where bundle receipts are recorded.
type LedgerConfig struct {
	Backend string `yaml:"backend" env:"CALR_LEDGER_BACKEND"`
	// Path is a directory for the file backend and a database file for sqlite.
	Path string `yaml:"path" env:"CALR_LEDGER_PATH"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level" env:"CALR_LOG_LEVEL"`
	Format string `yaml:"format" env:"CALR_LOG_FORMAT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		BuildVersion: "dev",
		SpoolDir:     "/var/lib/calr/spool",
		Workers:      1,
		Keys: KeysConfig{
			RelayKeyPath:    "/var/lib/calr/key.der",
			GenerateMissing: true,
			KeyBits:         calr.RequiredKeyBits,
		},
		Ledger: LedgerConfig{Backend: LedgerNone},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Algorithms: calr.DefaultBundleOptions(),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Algorithms = cfg.Algorithms.WithDefaults()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ParseEnv overlays environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every missing or unknown setting.
func (c *Config) Validate() error {
	var errs []error

	if c.RelayID == "" {
		errs = append(errs, errors.New("relay_id is required"))
	}
	if c.SpoolDir == "" {
		errs = append(errs, errors.New("spool_dir is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Keys.RelayKeyPath == "" {
		errs = append(errs, errors.New("keys.relay_key_path is required"))
	}
	if c.Keys.ServerPublicKeyPath == "" {
		errs = append(errs, errors.New("keys.server_public_key_path is required"))
	}
	if c.Keys.GenerateMissing && c.Keys.KeyBits != calr.RequiredKeyBits {
		errs = append(errs, fmt.Errorf("keys.key_bits must be %d, got %d", calr.RequiredKeyBits, c.Keys.KeyBits))
	}

	switch c.Ledger.Backend {
	case LedgerNone:
	case LedgerFile, LedgerSQLite:
		if c.Ledger.Path == "" {
			errs = append(errs, fmt.Errorf("ledger.path is required for the %s backend", c.Ledger.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ledger.backend: %q", c.Ledger.Backend))
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}

	algs := c.Algorithms.WithDefaults()
	for _, check := range []struct {
		field string
		name  string
		known []string
	}{
		{"algorithms.compression_algorithm", algs.CompressionAlgorithm, calr.DefaultCompressors().Names()},
		{"algorithms.symmetric_encryption_algorithm", algs.SymmetricEncryptionAlgorithm, calr.DefaultSymmetricEncryptors().Names()},
		{"algorithms.asymmetric_encryption_algorithm", algs.AsymmetricEncryptionAlgorithm, calr.DefaultAsymmetricEncryptors().Names()},
		{"algorithms.signing_algorithm", algs.SigningAlgorithm, calr.DefaultSigners().Names()},
	} {
		if !slices.Contains(check.known, check.name) {
			errs = append(errs, fmt.Errorf("unknown %s %q (known: %s)", check.field, check.name, strings.Join(check.known, ", ")))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	return lvl, nil
}
