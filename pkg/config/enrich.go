package config

import (
	"fmt"
	"time"
)

// EnrichConfig controls the enrichment stage between normalization and the
// ingest queue.
type EnrichConfig struct {
	// GeoTablePath points at a CSV range table (start_ip,end_ip,country,
	// region,city,lat,lon,tz). Empty uses a small built-in table.
	GeoTablePath string `yaml:"geo_table_path"`

	// RDNSEnabled turns on reverse DNS for events without a host.
	RDNSEnabled bool          `yaml:"rdns_enabled"`
	RDNSTimeout time.Duration `yaml:"rdns_timeout"`

	// LookupBudget abandons any single enrichment lookup that exceeds it;
	// the event proceeds without that field.
	LookupBudget time.Duration `yaml:"lookup_budget"`

	// UACacheSize bounds the parsed user-agent LRU.
	UACacheSize int `yaml:"ua_cache_size"`
}

// DefaultEnrichConfig returns the built-in enrichment defaults.
func DefaultEnrichConfig() *EnrichConfig {
	return &EnrichConfig{
		RDNSTimeout:  100 * time.Millisecond,
		LookupBudget: 20 * time.Millisecond,
		UACacheSize:  4096,
	}
}

// Validate checks the enrich section.
func (c *EnrichConfig) Validate() error {
	if c.RDNSTimeout <= 0 {
		return fmt.Errorf("%w: rdns_timeout must be positive", ErrInvalidValue)
	}
	if c.LookupBudget <= 0 {
		return fmt.Errorf("%w: lookup_budget must be positive", ErrInvalidValue)
	}
	if c.UACacheSize < 1 {
		return fmt.Errorf("%w: ua_cache_size must be positive", ErrInvalidValue)
	}
	return nil
}
