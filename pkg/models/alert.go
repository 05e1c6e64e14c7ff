package models

import "time"

// Comparator relates a window count to a rule threshold.
type Comparator string

const (
	CompareGT  Comparator = ">"
	CompareGTE Comparator = ">="
	CompareEQ  Comparator = "="
	CompareLTE Comparator = "<="
	CompareLT  Comparator = "<"
)

// ParseComparator validates a comparator string, accepting the unicode
// forms ≥ and ≤ as aliases.
func ParseComparator(s string) (Comparator, bool) {
	switch s {
	case ">", "gt":
		return CompareGT, true
	case ">=", "≥", "gte":
		return CompareGTE, true
	case "=", "==", "eq":
		return CompareEQ, true
	case "<=", "≤", "lte":
		return CompareLTE, true
	case "<", "lt":
		return CompareLT, true
	}
	return "", false
}

// Apply evaluates `count cmp threshold`.
func (c Comparator) Apply(count, threshold int64) bool {
	switch c {
	case CompareGT:
		return count > threshold
	case CompareGTE:
		return count >= threshold
	case CompareEQ:
		return count == threshold
	case CompareLTE:
		return count <= threshold
	case CompareLT:
		return count < threshold
	}
	return false
}

// AlertRule is a threshold rule evaluated over a sliding window of the
// post-commit event stream. Query is a rule filter expression, e.g.
// "level=error source=nginx".
type AlertRule struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Query           string     `json:"query"`
	WindowSeconds   int        `json:"window_seconds"`
	Threshold       int64      `json:"threshold"`
	Comparator      Comparator `json:"comparator"`
	Severity        Level      `json:"severity"`
	CooldownSeconds int        `json:"cooldown_seconds"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
}

// AlertFiring is one row of the append-only firing history.
type AlertFiring struct {
	ID          int64     `json:"id"`
	RuleID      int64     `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	Severity    Level     `json:"severity"`
	Count       int64     `json:"count"`
	MatchedIDs  []int64   `json:"matched_ids,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	FiredAt     time.Time `json:"fired_at"`
}

// CorrelationStage is one step of a correlation sequence: a rule filter
// that must match within WithinSeconds of the previous stage.
type CorrelationStage struct {
	Query         string `json:"query"`
	WithinSeconds int    `json:"within_seconds"`
}

// CorrelationPattern describes an ordered multi-event sequence grouped by
// one event field (source, host, category or peer_ip). Open instances are
// memory-only and do not survive restarts.
type CorrelationPattern struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	Sequence  []CorrelationStage `json:"sequence"`
	GroupBy   string             `json:"group_by"`
	Enabled   bool               `json:"enabled"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// AnomalySnapshot is the externally visible state of one (source, level)
// anomaly model.
type AnomalySnapshot struct {
	Source      string    `json:"source"`
	Level       Level     `json:"level"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	LastCount   int64     `json:"last_count"`
	Flagged     bool      `json:"flagged"`
	LastUpdate  time.Time `json:"last_update"`
	LastFlagged time.Time `json:"last_flagged,omitempty"`
}
