package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// Setting keys with built-in defaults.
const (
	SettingTimezone      = "timezone"
	SettingDateFormat    = "date_format"
	SettingTheme         = "theme"
	SettingRetentionDays = "retention_days"
)

// SettingsService holds the runtime-mutable settings behind a read-mostly
// cache. Mutations persist, audit, and broadcast a settings_changed event so
// subscribers can refresh.
type SettingsService struct {
	client *database.Client
	audit  *AuditService

	mu    sync.RWMutex
	cache map[string]models.Setting

	// broadcast is wired after the stream hub exists; nil is fine.
	broadcast func(models.Setting)
}

// NewSettingsService creates the service and loads the cache, seeding the
// defaults that are missing.
func NewSettingsService(ctx context.Context, client *database.Client, audit *AuditService, defaults map[string]string) (*SettingsService, error) {
	s := &SettingsService{
		client: client,
		audit:  audit,
		cache:  make(map[string]models.Setting),
	}
	if err := s.seed(ctx, defaults); err != nil {
		return nil, err
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetBroadcast registers the settings_changed publisher.
func (s *SettingsService) SetBroadcast(fn func(models.Setting)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = fn
}

func (s *SettingsService) seed(ctx context.Context, defaults map[string]string) error {
	now := models.ToMillis(time.Now())
	for key, value := range defaults {
		_, err := s.client.Writer().ExecContext(ctx,
			`INSERT INTO settings (key, value, type, updated_at, updated_by)
			 VALUES (?, ?, 'string', ?, 'system')
			 ON CONFLICT (key) DO NOTHING`,
			key, value, now)
		if err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

func (s *SettingsService) reload(ctx context.Context) error {
	type row struct {
		Key       string `db:"key"`
		Value     string `db:"value"`
		Type      string `db:"type"`
		UpdatedAt int64  `db:"updated_at"`
		UpdatedBy string `db:"updated_by"`
	}
	var rows []row
	if err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT key, value, type, updated_at, updated_by FROM settings`); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]models.Setting, len(rows))
	for _, r := range rows {
		s.cache[r.Key] = models.Setting{
			Key:       r.Key,
			Value:     r.Value,
			Type:      r.Type,
			UpdatedAt: models.FromMillis(r.UpdatedAt),
			UpdatedBy: r.UpdatedBy,
		}
	}
	return nil
}

// Get returns a setting from the cache.
func (s *SettingsService) Get(key string) (models.Setting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// GetString returns the value of key or def when absent.
func (s *SettingsService) GetString(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v.Value
	}
	return def
}

// All returns every setting, for the settings API.
func (s *SettingsService) All() []models.Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Setting, 0, len(s.cache))
	for _, v := range s.cache {
		out = append(out, v)
	}
	return out
}

// Set persists a setting, updates the cache, audits the mutation, and
// broadcasts settings_changed.
func (s *SettingsService) Set(httpCtx context.Context, key, value, typ, actor, ip string) (models.Setting, error) {
	if key == "" {
		return models.Setting{}, NewValidationError("key", "required")
	}
	switch typ {
	case "", "string", "int", "bool", "float":
	default:
		return models.Setting{}, NewValidationError("type", "must be string, int, bool or float")
	}
	if typ == "" {
		typ = "string"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	_, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO settings (key, value, type, updated_at, updated_by)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, type = excluded.type,
		     updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		key, value, typ, models.ToMillis(now), actor)
	if err != nil {
		return models.Setting{}, fmt.Errorf("failed to update setting %s: %w", key, err)
	}

	setting := models.Setting{Key: key, Value: value, Type: typ, UpdatedAt: now.UTC(), UpdatedBy: actor}

	s.mu.Lock()
	s.cache[key] = setting
	broadcast := s.broadcast
	s.mu.Unlock()

	s.audit.Record(httpCtx, actor, "settings.update", "settings/"+key, ip)
	if broadcast != nil {
		broadcast(setting)
	}
	return setting, nil
}
