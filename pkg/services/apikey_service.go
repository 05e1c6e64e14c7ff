package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// keyPrefix marks loghive keys so leaked ones are easy to grep for.
const keyPrefix = "lh_"

// APIKeyService issues and verifies X-API-Key credentials. Keys are stored
// as SHA-256 hashes; the cleartext is shown exactly once at creation.
type APIKeyService struct {
	client *database.Client
	audit  *AuditService
}

func NewAPIKeyService(client *database.Client, audit *AuditService) *APIKeyService {
	return &APIKeyService{client: client, audit: audit}
}

type apiKeyRow struct {
	ID         int64         `db:"id"`
	Name       string        `db:"name"`
	KeyHash    string        `db:"key_hash"`
	Role       string        `db:"role"`
	Enabled    bool          `db:"enabled"`
	CreatedAt  int64         `db:"created_at"`
	LastUsedAt sql.NullInt64 `db:"last_used_at"`
}

func (r apiKeyRow) model() models.APIKey {
	k := models.APIKey{
		ID:        r.ID,
		Name:      r.Name,
		KeyHash:   r.KeyHash,
		Role:      models.Role(r.Role),
		Enabled:   r.Enabled,
		CreatedAt: models.FromMillis(r.CreatedAt),
	}
	if r.LastUsedAt.Valid {
		t := models.FromMillis(r.LastUsedAt.Int64)
		k.LastUsedAt = &t
	}
	return k
}

func hashKey(cleartext string) string {
	sum := sha256.Sum256([]byte(cleartext))
	return hex.EncodeToString(sum[:])
}

// Create mints a new key and returns the cleartext alongside the record.
// The cleartext is not recoverable afterwards.
func (s *APIKeyService) Create(httpCtx context.Context, name string, role models.Role, actor, ip string) (models.APIKey, string, error) {
	if name == "" {
		return models.APIKey{}, "", NewValidationError("name", "required")
	}
	if !role.Valid() {
		return models.APIKey{}, "", NewValidationError("role", "must be admin, user or viewer")
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return models.APIKey{}, "", fmt.Errorf("failed to generate key material: %w", err)
	}
	cleartext := keyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO api_keys (name, key_hash, role, enabled, created_at) VALUES (?, ?, ?, 1, ?)`,
		name, hashKey(cleartext), string(role), models.ToMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.APIKey{}, "", ErrAlreadyExists
		}
		return models.APIKey{}, "", fmt.Errorf("failed to create api key: %w", err)
	}
	id, _ := res.LastInsertId()

	s.audit.Record(httpCtx, actor, "api_keys.create", fmt.Sprintf("api_keys/%d", id), ip)
	key := models.APIKey{ID: id, Name: name, Role: role, Enabled: true, CreatedAt: now.UTC()}
	return key, cleartext, nil
}

// Verify authenticates a presented key and stamps last_used_at.
func (s *APIKeyService) Verify(ctx context.Context, cleartext string) (models.APIKey, error) {
	var row apiKeyRow
	err := s.client.Reader().GetContext(ctx, &row,
		`SELECT id, name, key_hash, role, enabled, created_at, last_used_at
		 FROM api_keys WHERE key_hash = ?`, hashKey(cleartext))
	if errors.Is(err, sql.ErrNoRows) {
		return models.APIKey{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("failed to look up api key: %w", err)
	}
	if !row.Enabled {
		return models.APIKey{}, ErrInvalidCredentials
	}

	if _, err := s.client.Writer().ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		models.ToMillis(time.Now()), row.ID); err != nil {
		slog.Error("Failed to stamp api key usage", "key_id", row.ID, "error", err)
	}
	return row.model(), nil
}

// List returns all keys, hashes included for the admin view to omit.
func (s *APIKeyService) List(ctx context.Context) ([]models.APIKey, error) {
	var rows []apiKeyRow
	if err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT id, name, key_hash, role, enabled, created_at, last_used_at
		 FROM api_keys ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	out := make([]models.APIKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// SetEnabled flips a key without deleting it, so a compromised key can be
// shut off while keeping its audit trail.
func (s *APIKeyService) SetEnabled(httpCtx context.Context, id int64, enabled bool, actor, ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.Writer().ExecContext(ctx,
		`UPDATE api_keys SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	action := "api_keys.disable"
	if enabled {
		action = "api_keys.enable"
	}
	s.audit.Record(httpCtx, actor, action, fmt.Sprintf("api_keys/%d", id), ip)
	return nil
}

// Delete removes a key permanently.
func (s *APIKeyService) Delete(httpCtx context.Context, id int64, actor, ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.Writer().ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.audit.Record(httpCtx, actor, "api_keys.delete", fmt.Sprintf("api_keys/%d", id), ip)
	return nil
}
