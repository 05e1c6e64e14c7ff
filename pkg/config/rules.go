package config

import (
	"fmt"
	"time"
)

// RulesConfig controls the alerting, correlation, and anomaly engines.
type RulesConfig struct {
	// EvalInterval drives periodic re-evaluation (cooldown expiry, bucket
	// rollover). Event arrival also evaluates immediately.
	EvalInterval time.Duration `yaml:"eval_interval"`

	// MaxOpenSequences bounds open correlation instances per pattern;
	// the oldest instance is evicted on overflow.
	MaxOpenSequences int `yaml:"max_open_sequences"`

	// Anomaly detector: EWMA smoothing factor, z-score threshold, the
	// number of consecutive anomalous minutes required, and the per-key
	// re-flag cooldown.
	AnomalyAlpha       float64       `yaml:"anomaly_alpha"`
	AnomalyK           float64       `yaml:"anomaly_k"`
	AnomalyConsecutive int           `yaml:"anomaly_consecutive"`
	AnomalyCooldown    time.Duration `yaml:"anomaly_cooldown"`
}

// DefaultRulesConfig returns the built-in rule engine defaults.
func DefaultRulesConfig() *RulesConfig {
	return &RulesConfig{
		EvalInterval:       10 * time.Second,
		MaxOpenSequences:   10000,
		AnomalyAlpha:       0.1,
		AnomalyK:           3,
		AnomalyConsecutive: 2,
		AnomalyCooldown:    10 * time.Minute,
	}
}

// Validate checks the rules section.
func (c *RulesConfig) Validate() error {
	if c.EvalInterval <= 0 {
		return fmt.Errorf("%w: eval_interval must be positive", ErrInvalidValue)
	}
	if c.MaxOpenSequences < 1 {
		return fmt.Errorf("%w: max_open_sequences must be positive", ErrInvalidValue)
	}
	if c.AnomalyAlpha <= 0 || c.AnomalyAlpha >= 1 {
		return fmt.Errorf("%w: anomaly_alpha must be in (0,1)", ErrInvalidValue)
	}
	if c.AnomalyK <= 0 {
		return fmt.Errorf("%w: anomaly_k must be positive", ErrInvalidValue)
	}
	if c.AnomalyConsecutive < 1 {
		return fmt.Errorf("%w: anomaly_consecutive must be positive", ErrInvalidValue)
	}
	if c.AnomalyCooldown <= 0 {
		return fmt.Errorf("%w: anomaly_cooldown must be positive", ErrInvalidValue)
	}
	return nil
}
