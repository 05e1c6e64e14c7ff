package config

import (
	"fmt"
	"time"
)

// QueueConfig controls the bounded ingest queue between the listeners and
// the batch writer.
type QueueConfig struct {
	// Capacity is the maximum queued events. Above it the level-aware
	// drop policy applies.
	Capacity int `yaml:"capacity"`

	// DrainTimeout bounds how long shutdown waits for the queue to empty.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Capacity:     50000,
		DrainTimeout: 10 * time.Second,
	}
}

// Validate checks the queue section.
func (c *QueueConfig) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidValue)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("%w: drain_timeout must be positive", ErrInvalidValue)
	}
	return nil
}

// WriterConfig controls batch coalescing and the write transaction.
type WriterConfig struct {
	// MaxBatch closes a batch by size.
	MaxBatch int `yaml:"max_batch"`

	// MaxWait closes a batch by age, whichever comes first.
	MaxWait time.Duration `yaml:"max_wait"`

	// WriteTimeout is the per-transaction deadline. A timed-out batch goes
	// to the retry queue.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultWriterConfig returns the built-in writer defaults.
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		MaxBatch:     500,
		MaxWait:      100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// Validate checks the writer section.
func (c *WriterConfig) Validate() error {
	if c.MaxBatch < 1 {
		return fmt.Errorf("%w: max_batch must be positive", ErrInvalidValue)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("%w: max_wait must be positive", ErrInvalidValue)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be positive", ErrInvalidValue)
	}
	return nil
}

// RetryConfig controls the persistent failed-batch replay worker.
type RetryConfig struct {
	// PollInterval is how often the worker scans failed_batches.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxSelect caps batches claimed per poll.
	MaxSelect int `yaml:"max_select"`

	// BaseBackoff seeds the schedule base·2^attempt, capped at MaxBackoff.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// MaxAttempts quarantines a batch once reached.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultRetryConfig returns the built-in retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		PollInterval: 30 * time.Second,
		MaxSelect:    50,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   1 * time.Hour,
		MaxAttempts:  10,
	}
}

// Validate checks the retry section.
func (c *RetryConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidValue)
	}
	if c.MaxSelect < 1 {
		return fmt.Errorf("%w: max_select must be positive", ErrInvalidValue)
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("%w: backoff range", ErrInvalidValue)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be positive", ErrInvalidValue)
	}
	return nil
}
