// Package config loads the daemon's configuration from the environment.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/byuoitav/storagearea/log"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Backends are the supported values of STORAGEAREA_BACKEND.
var Backends = []string{"bolt", "sqlite", "memory", "ristretto"}

// Config .
type Config struct {
	Addr        string   `env:"STORAGEAREA_ADDR" envDefault:":7777"`
	Backend     string   `env:"STORAGEAREA_BACKEND" envDefault:"bolt"`
	Path        string   `env:"STORAGEAREA_PATH" envDefault:"/tmp/storagearea.db"`
	MaxCost     int64    `env:"STORAGEAREA_MAX_COST" envDefault:"67108864"`
	Areas       []string `env:"STORAGEAREA_AREAS" envDefault:"local,session,sync" envSeparator:","`
	LogLevel    string   `env:"STORAGEAREA_LOG_LEVEL" envDefault:"info"`
	LogEncoding string   `env:"STORAGEAREA_LOG_ENCODING" envDefault:"json"`

	// BackupPath is a bolt file the memory and ristretto backends are backed up to.
	BackupPath     string        `env:"STORAGEAREA_BACKUP_PATH"`
	BackupInterval time.Duration `env:"STORAGEAREA_BACKUP_INTERVAL" envDefault:"5m"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	return nil
}

// Load parses and validates the daemon's configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate .
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("address must not be empty")
	case !slices.Contains(Backends, c.Backend):
		return fmt.Errorf("unknown backend %q, expected one of %v", c.Backend, Backends)
	case (c.Backend == "bolt" || c.Backend == "sqlite") && c.Path == "":
		return fmt.Errorf("%s backend requires a path", c.Backend)
	case c.Backend == "ristretto" && c.MaxCost <= 0:
		return fmt.Errorf("max cost must be positive")
	case len(c.Areas) == 0:
		return fmt.Errorf("at least one area is required")
	case !slices.Contains(log.Encodings, c.LogEncoding):
		return fmt.Errorf("unknown log encoding %q, expected one of %v", c.LogEncoding, log.Encodings)
	case c.BackupPath != "" && !c.Volatile():
		return fmt.Errorf("%s backend can't be backed up", c.Backend)
	case c.BackupPath != "" && c.BackupInterval <= 0:
		return fmt.Errorf("backup interval must be positive")
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Volatile reports whether the backend loses its data when the daemon stops.
func (c Config) Volatile() bool {
	return c.Backend == "memory" || c.Backend == "ristretto"
}

// Level returns the parsed log level.
func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, fmt.Errorf("invalid log level: %w", err)
	}

	return lvl, nil
}
