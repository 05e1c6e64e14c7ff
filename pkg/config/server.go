package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// ServerConfig holds the HTTP server and process-level settings.
type ServerConfig struct {
	// Port serves the API, /log intake, /stream and /metrics.
	Port int `yaml:"port"`

	UseHTTPS    bool   `yaml:"use_https"`
	SSLKeyPath  string `yaml:"ssl_key_path"`
	SSLCertPath string `yaml:"ssl_cert_path"`

	// Timezone is the default display timezone; overridable at runtime
	// through the settings table.
	Timezone string `yaml:"timezone"`

	// Environment is "production" or "development". Production requires
	// JWT_SECRET and AUTH_PASSWORD to be set.
	Environment string `yaml:"environment"`

	// DataDir is the root of all persisted state: databases/, logs/,
	// backups/ are created beneath it.
	DataDir string `yaml:"data_dir"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Timezone:        "UTC",
		Environment:     "development",
		DataDir:         "./data",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    90 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// IsProduction reports whether the server runs with production hardening.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// DatabasesDir returns <data>/databases.
func (c *ServerConfig) DatabasesDir() string { return filepath.Join(c.DataDir, "databases") }

// LogsDir returns <data>/logs.
func (c *ServerConfig) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// BackupsDir returns <data>/backups.
func (c *ServerConfig) BackupsDir() string { return filepath.Join(c.DataDir, "backups") }

// Validate checks the server section.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidValue, c.Port)
	}
	if c.UseHTTPS && (c.SSLKeyPath == "" || c.SSLCertPath == "") {
		return fmt.Errorf("%w: use_https requires ssl_key_path and ssl_cert_path", ErrMissingRequiredField)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir", ErrMissingRequiredField)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", ErrInvalidValue, c.Timezone)
	}
	return nil
}
