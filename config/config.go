// Package config loads the YAML configuration file and applies defaults.
// A missing file is not an error; every field has a usable default so the
// binary runs with no configuration at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for strings like "16h"
// or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Sync struct {
	// Interval between automatic refreshes, measured from the last
	// successful one.
	Interval Duration `yaml:"interval"`
	// StartupGrace delays an already-due refresh at process start.
	StartupGrace Duration `yaml:"startup_grace"`
}

type Cache struct {
	// MaxWeeks bounds the stored week history.
	MaxWeeks int `yaml:"max_weeks"`
	// Lifetime is the validity window for cached data.
	Lifetime Duration `yaml:"lifetime"`
	// StaleAfter is the age past which a refresh is recommended.
	StaleAfter Duration `yaml:"stale_after"`
}

type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir"`
	// SheetURL is the remote schedule endpoint. Empty disables remote sync.
	SheetURL string `yaml:"sheet_url"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Sync  Sync  `yaml:"sync"`
	Cache Cache `yaml:"cache"`
}

// Normalize fills zero fields with defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = Duration(16 * time.Hour)
	}
	if c.Sync.StartupGrace <= 0 {
		c.Sync.StartupGrace = Duration(30 * time.Second)
	}
	if c.Cache.MaxWeeks <= 0 {
		c.Cache.MaxWeeks = 10
	}
	if c.Cache.Lifetime <= 0 {
		c.Cache.Lifetime = Duration(24 * time.Hour)
	}
	if c.Cache.StaleAfter <= 0 {
		c.Cache.StaleAfter = Duration(8 * time.Hour)
	}
}

// Load reads the config file at path. A missing file yields the defaults;
// a present but malformed file is an error.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}
