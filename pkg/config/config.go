// Package config provides configuration for the gamaliel command-line
// client.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. .env file (variables already set in the environment win)
//  3. YAML config file (discovered or explicitly specified)
//  4. Environment variable overrides (GAMALIEL_ prefix)
//  5. File reference resolution (_file suffix fields)
//  6. Validation
package config

import (
	"time"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
)

// Config holds all configuration for the command-line client.
type Config struct {
	Client   ClientConfig  `yaml:"client"`
	Defaults api.Params    `yaml:"defaults"`
	Logging  LoggingConfig `yaml:"logging"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// ClientConfig holds the API connection settings.
type ClientConfig struct {
	APIKey     string            `yaml:"api_key"`      // required
	APIKeyFile string            `yaml:"api_key_file"` // _file variant for api_key
	BaseURL    string            `yaml:"base_url"`     // default: https://api.gamaliel.ai/v1
	Timeout    time.Duration     `yaml:"timeout"`      // default: 120s, non-streaming calls only
	Model      string            `yaml:"model"`        // default: gpt-4o-mini
	Headers    map[string]string `yaml:"headers"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // TRACE, DEBUG, INFO, WARN or ERROR; default: INFO
	Debug string `yaml:"debug"` // comma-separated debug categories
	File  string `yaml:"file"`  // rotated log file; default: stderr
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: false
	Addr    string `yaml:"addr"`    // default: ":9464"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Client: ClientConfig{
			BaseURL: "https://api.gamaliel.ai/v1",
			Timeout: 120 * time.Second,
			Model:   "gpt-4o-mini",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}
