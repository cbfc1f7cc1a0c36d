// Package config reads iowatcher settings from the environment. Command-line
// flags use these values as their defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Output formats for ingested events.
const (
	OutputNone = "none"
	OutputText = "text"
	OutputOTEL = "otel"
)

// Config holds settings shared by every command.
type Config struct {
	LogLevel  string `env:"IOWATCHER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"IOWATCHER_LOG_FORMAT" envDefault:"console"`

	// MetricsListen is the Prometheus exporter address. An empty
	// --metrics-listen flag disables the exporter.
	MetricsListen string `env:"IOWATCHER_METRICS_LISTEN" envDefault:":9975"`

	Trust        string        `env:"IOWATCHER_TRUST" envDefault:"verify"`
	EarlyData    bool          `env:"IOWATCHER_EARLY_DATA" envDefault:"false"`
	IdleTimeout  time.Duration `env:"IOWATCHER_IDLE_TIMEOUT" envDefault:"30s"`
	CloseTimeout time.Duration `env:"IOWATCHER_CLOSE_TIMEOUT" envDefault:"5s"`

	Blktrace string `env:"IOWATCHER_BLKTRACE" envDefault:"blktrace"`
	Output   string `env:"IOWATCHER_OUTPUT" envDefault:"none"`
	Filter   string `env:"IOWATCHER_FILTER"`

	OTEL OTELConfig
}

// Parse reads Config from the process environment.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// ParseFrom reads Config from environ instead of the process environment.
func ParseFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate checks enumerated settings. Flags may change values after
// parsing, so commands call it again before use.
func (c *Config) Validate() error {
	switch c.Output {
	case OutputNone, OutputText, OutputOTEL:
	default:
		return fmt.Errorf("unknown output %q (want %s)", c.Output, strings.Join([]string{OutputNone, OutputText, OutputOTEL}, ", "))
	}
	switch c.LogFormat {
	case "json", "console", "text":
	default:
		return fmt.Errorf("unknown log format %q (want json or console)", c.LogFormat)
	}
	if c.CloseTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
