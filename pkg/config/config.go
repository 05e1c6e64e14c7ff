// Package config loads, merges, and validates the server configuration.
//
// Precedence, lowest to highest: built-in defaults, the optional
// loghive.yaml overlay in the config directory, environment variables.
// Validation runs once at startup; a validation failure is fatal.
package config

import (
	"fmt"
	"log/slog"
)

// Config is the complete, immutable runtime configuration. It is built once
// at startup and passed to components by constructor injection. Values that
// may change at runtime (timezone, retention defaults, theme) live in the
// settings table, not here.
type Config struct {
	Server    *ServerConfig    `yaml:"server"`
	Auth      *AuthConfig      `yaml:"auth"`
	Ingest    *IngestConfig    `yaml:"ingest"`
	Queue     *QueueConfig     `yaml:"queue"`
	Writer    *WriterConfig    `yaml:"writer"`
	Retry     *RetryConfig     `yaml:"retry"`
	Enrich    *EnrichConfig    `yaml:"enrich"`
	Search    *SearchConfig    `yaml:"search"`
	Stream    *StreamConfig    `yaml:"stream"`
	Rules     *RulesConfig     `yaml:"rules"`
	Retention *RetentionConfig `yaml:"retention"`
	Logging   *LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Auth:      DefaultAuthConfig(),
		Ingest:    DefaultIngestConfig(),
		Queue:     DefaultQueueConfig(),
		Writer:    DefaultWriterConfig(),
		Retry:     DefaultRetryConfig(),
		Enrich:    DefaultEnrichConfig(),
		Search:    DefaultSearchConfig(),
		Stream:    DefaultStreamConfig(),
		Rules:     DefaultRulesConfig(),
		Retention: DefaultRetentionConfig(),
		Logging:   DefaultLoggingConfig(),
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Overlay loghive.yaml from configDir (optional, env-expanded)
//  3. Apply environment variable overrides
//  4. Validate
func Initialize(configDir string) (*Config, error) {
	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.Info("Configuration initialized",
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
		"data_dir", cfg.Server.DataDir,
		"protocols", cfg.Ingest.EnabledProtocols())

	return cfg, nil
}

// Validate checks every section. The first failing section wins.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", c.Server},
		{"auth", c.Auth},
		{"ingest", c.Ingest},
		{"queue", c.Queue},
		{"writer", c.Writer},
		{"retry", c.Retry},
		{"enrich", c.Enrich},
		{"search", c.Search},
		{"stream", c.Stream},
		{"rules", c.Rules},
		{"retention", c.Retention},
		{"logging", c.Logging},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if c.Server.IsProduction() {
		if err := c.Auth.ValidateProduction(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	return nil
}
