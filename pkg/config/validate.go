package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	// client.api_key is required.
	if c.Client.APIKey == "" {
		errs = append(errs, fmt.Errorf("client.api_key is required (set GAMALIEL_API_KEY or client.api_key_file)"))
	}

	// client.base_url must be an absolute http(s) URL.
	if u, err := url.Parse(c.Client.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("client.base_url must be an http or https URL, got %q", c.Client.BaseURL))
	}

	if c.Client.Timeout < 0 {
		errs = append(errs, fmt.Errorf("client.timeout must be >= 0, got %v", c.Client.Timeout))
	}

	if c.Client.Model == "" {
		errs = append(errs, fmt.Errorf("client.model is required"))
	}

	// logging.level must be a known value.
	switch strings.ToUpper(c.Logging.Level) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of TRACE, DEBUG, INFO, WARN, ERROR, got %q", c.Logging.Level))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, fmt.Errorf("metrics.addr is required when metrics.enabled is true"))
	}

	return errors.Join(errs...)
}
