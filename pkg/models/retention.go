package models

import (
	"encoding/json"
	"time"
)

// RetentionKind selects how a retention policy computes its deletion set.
type RetentionKind string

const (
	RetainByAge   RetentionKind = "by_age"   // Parameter = days
	RetainByCount RetentionKind = "by_count" // Parameter = max rows
	RetainBySize  RetentionKind = "by_size"  // Parameter = max store bytes
)

// ParseRetentionKind validates a retention kind string.
func ParseRetentionKind(s string) (RetentionKind, bool) {
	switch RetentionKind(s) {
	case RetainByAge, RetainByCount, RetainBySize:
		return RetentionKind(s), true
	}
	return "", false
}

// RetentionPolicy bounds stored events. CategoryGlob limits the policy to
// matching categories ("*" for all). When several policies apply, the
// eviction set is their union.
type RetentionPolicy struct {
	ID           int64         `json:"id"`
	Kind         RetentionKind `json:"kind"`
	Parameter    int64         `json:"parameter"`
	CategoryGlob string        `json:"category_glob"`
	Enabled      bool          `json:"enabled"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Setting is one row of the settings table. Type is one of
// string|int|bool|float and documents how Value parses.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// SystemEvent is a row of the system_events side table: alert firings,
// correlation matches, anomaly flags and operational events (quarantine,
// backup_failed, task_panic, gelf_reassembly_timeout). The notification
// layer consumes this table.
type SystemEvent struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// BackupInfo describes one snapshot file in the backups directory.
type BackupInfo struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}
