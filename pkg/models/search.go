package models

import (
	"encoding/json"
	"time"
)

// Visibility scopes a saved search to its owner or to every user.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// SavedSearch is a named, owner-scoped filter definition. Filter holds the
// serialized FilterSpec; the search engine parses and validates it.
type SavedSearch struct {
	ID          int64           `json:"id"`
	Owner       string          `json:"owner"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Filter      json.RawMessage `json:"filter"`
	Visibility  Visibility      `json:"visibility"`
	CreatedAt   time.Time       `json:"created_at"`
	LastUsedAt  *time.Time      `json:"last_used_at,omitempty"`
	UseCount    int64           `json:"use_count"`
}
