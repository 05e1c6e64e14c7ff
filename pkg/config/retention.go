package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// RetentionConfig controls scheduled eviction, backups and compaction.
type RetentionConfig struct {
	// RetentionDays seeds the default by_age policy when the policies
	// table is empty.
	RetentionDays int `yaml:"retention_days"`

	// Schedule is a cron expression; eviction and backup run together.
	Schedule string `yaml:"schedule"`

	// EvictionBatch bounds rows deleted per transaction so long write
	// locks are avoided.
	EvictionBatch int `yaml:"eviction_batch"`

	// BackupKeep is how many snapshot files are retained.
	BackupKeep int `yaml:"backup_keep"`

	// CompactionThreshold triggers a full VACUUM after an eviction pass
	// deletes at least this many rows.
	CompactionThreshold int64 `yaml:"compaction_threshold"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RetentionDays:       30,
		Schedule:            "0 2 * * *",
		EvictionBatch:       10000,
		BackupKeep:          10,
		CompactionThreshold: 1000000,
	}
}

// Validate checks the retention section, including the cron expression.
func (c *RetentionConfig) Validate() error {
	if c.RetentionDays < 1 {
		return fmt.Errorf("%w: retention_days must be positive", ErrInvalidValue)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", ErrInvalidValue, c.Schedule, err)
	}
	if c.EvictionBatch < 1 {
		return fmt.Errorf("%w: eviction_batch must be positive", ErrInvalidValue)
	}
	if c.BackupKeep < 1 {
		return fmt.Errorf("%w: backup_keep must be positive", ErrInvalidValue)
	}
	if c.CompactionThreshold < 1 {
		return fmt.Errorf("%w: compaction_threshold must be positive", ErrInvalidValue)
	}
	return nil
}

// LoggingConfig controls the server's own structured logs.
type LoggingConfig struct {
	// Level is debug|info|warn|error.
	Level string `yaml:"level"`

	// Rotation of <data>/logs/loghive.log.
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// DefaultLoggingConfig returns the built-in logging defaults.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 7,
		Compress:   true,
	}
}

// Validate checks the logging section.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: level %q", ErrInvalidValue, c.Level)
	}
	if c.MaxSizeMB < 1 || c.MaxBackups < 0 {
		return fmt.Errorf("%w: rotation settings", ErrInvalidValue)
	}
	return nil
}
