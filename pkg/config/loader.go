package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gamaliel-ai/gamaliel-go/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. .env file (GAMALIEL_ENV_FILE, or ./.env)
//  3. YAML config file (explicit path, GAMALIEL_CONFIG env, ./gamaliel.yaml,
//     $HOME/.config/gamaliel/config.yaml)
//  4. Environment variable overrides
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Populate the environment from .env before anything reads it.
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log("config", "loaded config file", "path", filePath)
	}

	// Apply environment variable overrides.
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	// Resolve _file references.
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	// Validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads GAMALIEL_ENV_FILE, or ./.env when it exists. Variables
// already present in the environment are not overwritten. A missing default
// file is not an error; a missing explicit one is.
func loadDotEnv() error {
	if path := os.Getenv("GAMALIEL_ENV_FILE"); path != "" {
		return godotenv.Load(path)
	}
	if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(".env")
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. GAMALIEL_CONFIG environment variable
// 3. ./gamaliel.yaml in the current directory
// 4. $HOME/.config/gamaliel/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	// Explicit path takes priority.
	if configPath != "" {
		return configPath
	}

	// Check GAMALIEL_CONFIG env var.
	if envPath := os.Getenv("GAMALIEL_CONFIG"); envPath != "" {
		return envPath
	}

	// Check common locations.
	candidates := []string{"gamaliel.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "gamaliel", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
// Unknown keys are rejected so that typos do not go unnoticed.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides maps GAMALIEL_* environment variables to config fields.
// OPENAI_API_KEY is accepted as a fallback for the key, since the hosted API
// takes the caller's OpenAI key.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	switch {
	case os.Getenv("GAMALIEL_API_KEY") != "":
		cfg.Client.APIKey = os.Getenv("GAMALIEL_API_KEY")
	case cfg.Client.APIKey == "" && cfg.Client.APIKeyFile == "" && os.Getenv("OPENAI_API_KEY") != "":
		cfg.Client.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("GAMALIEL_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("GAMALIEL_MODEL"); v != "" {
		cfg.Client.Model = v
	}
	if v := os.Getenv("GAMALIEL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GAMALIEL_TIMEOUT: %w", err))
		} else {
			cfg.Client.Timeout = d
		}
	}

	if v := os.Getenv("GAMALIEL_THEOLOGY"); v != "" {
		cfg.Defaults.TheologySlug = v
	}
	if v := os.Getenv("GAMALIEL_PROFILE"); v != "" {
		cfg.Defaults.ProfileSlug = v
	}
	if v := os.Getenv("GAMALIEL_MAX_WORDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GAMALIEL_MAX_WORDS: %w", err))
		} else {
			cfg.Defaults.MaxWords = n
		}
	}

	if v := os.Getenv("GAMALIEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GAMALIEL_DEBUG"); v != "" {
		cfg.Logging.Debug = v
	}
	if v := os.Getenv("GAMALIEL_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	// Setting an address implies enabling the endpoint.
	if v := os.Getenv("GAMALIEL_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}

	return errors.Join(errs...)
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// The file is only read when the value field is empty.
func resolveFileReferences(cfg *Config) error {
	// client.api_key_file -> client.api_key
	if cfg.Client.APIKeyFile != "" && cfg.Client.APIKey == "" {
		val, err := readSecretFile(cfg.Client.APIKeyFile)
		if err != nil {
			return fmt.Errorf("client.api_key_file: %w", err)
		}
		cfg.Client.APIKey = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
