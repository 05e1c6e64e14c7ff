package config

import (
	"fmt"
	"time"
)

// SearchConfig controls query execution limits.
type SearchConfig struct {
	// PageLimit caps rows per search page.
	PageLimit int `yaml:"page_limit"`

	// PageTimeout bounds one search page; ExportTimeout bounds a full CSV
	// export (partial output is flushed on expiry).
	PageTimeout   time.Duration `yaml:"page_timeout"`
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// RegexScanCap bounds candidate rows for regex filters that yield no
	// literal token for index prefiltering.
	RegexScanCap int `yaml:"regex_scan_cap"`

	// OrderByIngest switches result ordering (and cursors) from event time
	// to arrival time.
	OrderByIngest bool `yaml:"order_by_ingest"`
}

// DefaultSearchConfig returns the built-in search defaults.
func DefaultSearchConfig() *SearchConfig {
	return &SearchConfig{
		PageLimit:     1000,
		PageTimeout:   10 * time.Second,
		ExportTimeout: 60 * time.Second,
		RegexScanCap:  10000,
	}
}

// Validate checks the search section.
func (c *SearchConfig) Validate() error {
	if c.PageLimit < 1 {
		return fmt.Errorf("%w: page_limit must be positive", ErrInvalidValue)
	}
	if c.PageTimeout <= 0 || c.ExportTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidValue)
	}
	if c.RegexScanCap < 1 {
		return fmt.Errorf("%w: regex_scan_cap must be positive", ErrInvalidValue)
	}
	return nil
}

// StreamConfig controls the WebSocket hub.
type StreamConfig struct {
	// MaxClients caps concurrent connections; above it the oldest client
	// is evicted.
	MaxClients int `yaml:"max_clients"`

	// ClientBufferBytes is the per-client pending-send budget. Overflow
	// drops the oldest pending events and notifies the client.
	ClientBufferBytes int `yaml:"client_buffer_bytes"`

	// PingInterval is the transport ping period; PongTimeout terminates
	// clients that stop answering.
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultStreamConfig returns the built-in hub defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		MaxClients:        500,
		ClientBufferBytes: 1 << 20,
		PingInterval:      30 * time.Second,
		PongTimeout:       35 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Validate checks the stream section.
func (c *StreamConfig) Validate() error {
	if c.MaxClients < 1 {
		return fmt.Errorf("%w: max_clients must be positive", ErrInvalidValue)
	}
	if c.ClientBufferBytes < 4096 {
		return fmt.Errorf("%w: client_buffer_bytes must be at least 4096", ErrInvalidValue)
	}
	if c.PingInterval <= 0 || c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("%w: pong_timeout must exceed ping_interval", ErrInvalidValue)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be positive", ErrInvalidValue)
	}
	return nil
}
