// Package config holds the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "/etc/switchd/config.yaml"
	EnvPath     = "SWITCHD_CONFIG"
)

// Config is the daemon configuration.
type Config struct {
	// Directory searched for shared-object plugins; "none" disables it.
	PluginsDir string `yaml:"pluginsDir"`
	// Root of <manufacturer>/<product>/plugins.yaml.
	ManifestDir string `yaml:"manifestDir"`

	// YAML snapshot seeded into the store at start and written back.
	StorePath        string        `yaml:"storePath"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`

	MetricsAddr string `yaml:"metricsAddr"` // empty disables the listener
	LogLevel    string `yaml:"logLevel"`
	Debug       bool   `yaml:"debug"`

	// Owner name used for the store lock.
	LockName string `yaml:"lockName"`

	// Used when the root row has no stats-update-interval.
	StatsInterval time.Duration `yaml:"statsInterval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginsDir:       "/usr/lib/switchd/plugins",
		ManifestDir:      "/etc/switchd/platform",
		StorePath:        "/var/lib/switchd/store.yaml",
		SnapshotInterval: 30 * time.Second,
		MetricsAddr:      ":9464",
		LogLevel:         "info",
		LockName:         "switchd",
		StatsInterval:    5 * time.Second,
	}
}

// Path returns the config file to read: explicit if set, then $SWITCHD_CONFIG,
// then DefaultPath.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(EnvPath); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads path over the defaults. A missing file at the default
// location is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if c.LockName == "" {
		return errors.New("lockName must not be empty")
	}
	if c.StatsInterval < 0 || c.SnapshotInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", c.LogLevel)
	}
	return nil
}
