package models

import (
	"strings"
	"time"
)

// Level is the canonical severity of a log event. Only the five values below
// ever reach storage; unknown inputs are folded to LevelInfo by the
// normalizer with a normalized_level tag recording the original.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Levels lists all valid levels in ascending severity order.
func Levels() []Level {
	return []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical}
}

// ParseLevel case-folds s and maps common aliases (warning, err, fatal, ...)
// onto the canonical enum. ok is false when s names no known level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace", "verbose":
		return LevelDebug, true
	case "info", "information", "notice":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error", "err":
		return LevelError, true
	case "critical", "crit", "fatal", "alert", "emergency", "emerg", "panic":
		return LevelCritical, true
	}
	return "", false
}

// Rank orders levels for comparison: debug=0 .. critical=4, unknown=-1.
func (l Level) Rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelCritical:
		return 4
	}
	return -1
}

// Valid reports whether l is one of the five canonical levels.
func (l Level) Valid() bool {
	return l.Rank() >= 0
}

// GeoInfo is the geographic enrichment attached to events with a public
// peer address.
type GeoInfo struct {
	Country string  `json:"country"`
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	TZ      string  `json:"tz,omitempty"`
}

// UserAgentInfo is the parsed user-agent enrichment.
type UserAgentInfo struct {
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Device  string `json:"device,omitempty"`
}

// LogEvent is the canonical normalized record. Created by the normalizer,
// enriched in place, persisted by the batch writer, never mutated afterwards.
type LogEvent struct {
	// ID is assigned at persistence; zero until the batch commits.
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	IngestTime time.Time      `json:"ingest_time"`
	Level      Level          `json:"level"`
	Source     string         `json:"source"`
	Category   string         `json:"category"`
	Message    string         `json:"message"`
	Host       string         `json:"host,omitempty"`
	PeerIP     string         `json:"peer_ip,omitempty"`
	Geo        *GeoInfo       `json:"geo,omitempty"`
	UserAgent  *UserAgentInfo `json:"user_agent,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DedupKey   string         `json:"dedup_key,omitempty"`
}

// AddTag appends tag unless already present.
func (e *LogEvent) AddTag(tag string) {
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// HasTag reports whether the event carries tag.
func (e *LogEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
