// Package config loads the settings of the account service from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Backends lists the supported values of Config.Backend.
var Backends = []string{"memory", "sqlite", "postgres", "kurrentdb", "disk"}

// Config is read from EVENTCORE_* variables.
type Config struct {
	Backend      string `env:"EVENTCORE_BACKEND" envDefault:"sqlite"`
	SQLitePath   string `env:"EVENTCORE_SQLITE_PATH" envDefault:"eventcore.db"`
	PostgresDSN  string `env:"EVENTCORE_POSTGRES_DSN"`
	KurrentDBURL string `env:"EVENTCORE_KURRENTDB_URL" envDefault:"kurrentdb://localhost:2113?tls=false"`
	DiskDir      string `env:"EVENTCORE_DISK_DIR" envDefault:"eventcore-data"`

	// Bus selects how committed records reach the projector: "memory" or "file".
	Bus      string `env:"EVENTCORE_BUS" envDefault:"memory"`
	SpoolDir string `env:"EVENTCORE_SPOOL_DIR" envDefault:"eventcore-spool"`

	Shards        int           `env:"EVENTCORE_SHARDS" envDefault:"4"`
	Retries       uint64        `env:"EVENTCORE_RETRIES" envDefault:"5"`
	RetryInterval time.Duration `env:"EVENTCORE_RETRY_INTERVAL" envDefault:"20ms"`
	PollInterval  time.Duration `env:"EVENTCORE_POLL_INTERVAL" envDefault:"1s"`

	LogLevel  string `env:"EVENTCORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"EVENTCORE_LOG_FORMAT" envDefault:"text"`

	// OTelEndpoint enables trace export when set.
	OTelEndpoint string `env:"EVENTCORE_OTEL_ENDPOINT"`
	ServiceName  string `env:"EVENTCORE_SERVICE_NAME" envDefault:"accounts"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the configuration.
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

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	known := false
	for _, b := range Backends {
		known = known || b == c.Backend
	}
	if !known {
		errs = append(errs, fmt.Errorf("unknown backend %q, want one of %v", c.Backend, Backends))
	}
	if c.Backend == "postgres" && c.PostgresDSN == "" {
		errs = append(errs, errors.New("EVENTCORE_POSTGRES_DSN is required for the postgres backend"))
	}
	if c.Bus != "memory" && c.Bus != "file" {
		errs = append(errs, fmt.Errorf("unknown bus %q", c.Bus))
	}
	if c.Shards <= 0 {
		errs = append(errs, fmt.Errorf("shards must be positive, got %d", c.Shards))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
