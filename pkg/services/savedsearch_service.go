package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// SavedSearchService persists named filters. Names are unique per owner;
// public searches are readable by everyone but writable only by their owner
// or an admin.
type SavedSearchService struct {
	client *database.Client
	audit  *AuditService
}

func NewSavedSearchService(client *database.Client, audit *AuditService) *SavedSearchService {
	return &SavedSearchService{client: client, audit: audit}
}

type savedSearchRow struct {
	ID          int64         `db:"id"`
	Owner       string        `db:"owner"`
	Name        string        `db:"name"`
	Description string        `db:"description"`
	Filter      string        `db:"filter"`
	Visibility  string        `db:"visibility"`
	CreatedAt   int64         `db:"created_at"`
	LastUsedAt  sql.NullInt64 `db:"last_used_at"`
	UseCount    int64         `db:"use_count"`
}

func (r savedSearchRow) model() models.SavedSearch {
	s := models.SavedSearch{
		ID:          r.ID,
		Owner:       r.Owner,
		Name:        r.Name,
		Description: r.Description,
		Filter:      json.RawMessage(r.Filter),
		Visibility:  models.Visibility(r.Visibility),
		CreatedAt:   models.FromMillis(r.CreatedAt),
		UseCount:    r.UseCount,
	}
	if r.LastUsedAt.Valid {
		t := models.FromMillis(r.LastUsedAt.Int64)
		s.LastUsedAt = &t
	}
	return s
}

func validateSavedSearch(name string, filter json.RawMessage, visibility models.Visibility) error {
	if name == "" {
		return NewValidationError("name", "required")
	}
	if len(name) > 128 {
		return NewValidationError("name", "must be at most 128 characters")
	}
	if len(filter) == 0 || !json.Valid(filter) {
		return NewValidationError("filter", "must be a JSON object")
	}
	switch visibility {
	case models.VisibilityPrivate, models.VisibilityPublic:
	default:
		return NewValidationError("visibility", "must be private or public")
	}
	return nil
}

// Create stores a search owned by owner.
func (s *SavedSearchService) Create(httpCtx context.Context, owner, name, description string, filter json.RawMessage, visibility models.Visibility, ip string) (models.SavedSearch, error) {
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}
	if err := validateSavedSearch(name, filter, visibility); err != nil {
		return models.SavedSearch{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO saved_searches (owner, name, description, filter, visibility, created_at, use_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		owner, name, description, string(filter), string(visibility), models.ToMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.SavedSearch{}, ErrAlreadyExists
		}
		return models.SavedSearch{}, fmt.Errorf("failed to create saved search: %w", err)
	}
	id, _ := res.LastInsertId()

	s.audit.Record(httpCtx, owner, "saved_searches.create", fmt.Sprintf("saved_searches/%d", id), ip)
	return models.SavedSearch{
		ID: id, Owner: owner, Name: name, Description: description,
		Filter: filter, Visibility: visibility, CreatedAt: now.UTC(),
	}, nil
}

// Get returns a search when the requester may see it.
func (s *SavedSearchService) Get(ctx context.Context, id int64, requester string, isAdmin bool) (models.SavedSearch, error) {
	var row savedSearchRow
	err := s.client.Reader().GetContext(ctx, &row,
		`SELECT id, owner, name, description, filter, visibility, created_at, last_used_at, use_count
		 FROM saved_searches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SavedSearch{}, ErrNotFound
	}
	if err != nil {
		return models.SavedSearch{}, fmt.Errorf("failed to load saved search: %w", err)
	}
	if row.Visibility != string(models.VisibilityPublic) && row.Owner != requester && !isAdmin {
		// Hide private searches entirely rather than admitting they exist.
		return models.SavedSearch{}, ErrNotFound
	}
	return row.model(), nil
}

// List returns the requester's own searches plus all public ones.
func (s *SavedSearchService) List(ctx context.Context, requester string, isAdmin bool) ([]models.SavedSearch, error) {
	query := `SELECT id, owner, name, description, filter, visibility, created_at, last_used_at, use_count
	          FROM saved_searches WHERE owner = ? OR visibility = 'public' ORDER BY name`
	args := []any{requester}
	if isAdmin {
		query = `SELECT id, owner, name, description, filter, visibility, created_at, last_used_at, use_count
		         FROM saved_searches ORDER BY name`
		args = nil
	}

	var rows []savedSearchRow
	if err := s.client.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list saved searches: %w", err)
	}
	out := make([]models.SavedSearch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// Update replaces the mutable fields of a search the requester owns.
func (s *SavedSearchService) Update(httpCtx context.Context, id int64, requester string, isAdmin bool, name, description string, filter json.RawMessage, visibility models.Visibility, ip string) (models.SavedSearch, error) {
	existing, err := s.Get(httpCtx, id, requester, isAdmin)
	if err != nil {
		return models.SavedSearch{}, err
	}
	if existing.Owner != requester && !isAdmin {
		return models.SavedSearch{}, ErrNotFound
	}

	if name == "" {
		name = existing.Name
	}
	if filter == nil {
		filter = existing.Filter
	}
	if visibility == "" {
		visibility = existing.Visibility
	}
	if err := validateSavedSearch(name, filter, visibility); err != nil {
		return models.SavedSearch{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.client.Writer().ExecContext(ctx,
		`UPDATE saved_searches SET name = ?, description = ?, filter = ?, visibility = ? WHERE id = ?`,
		name, description, string(filter), string(visibility), id)
	if err != nil {
		if isUniqueViolation(err) {
			return models.SavedSearch{}, ErrAlreadyExists
		}
		return models.SavedSearch{}, fmt.Errorf("failed to update saved search: %w", err)
	}

	s.audit.Record(httpCtx, requester, "saved_searches.update", fmt.Sprintf("saved_searches/%d", id), ip)
	existing.Name = name
	existing.Description = description
	existing.Filter = filter
	existing.Visibility = visibility
	return existing, nil
}

// Delete removes a search the requester owns.
func (s *SavedSearchService) Delete(httpCtx context.Context, id int64, requester string, isAdmin bool, ip string) error {
	existing, err := s.Get(httpCtx, id, requester, isAdmin)
	if err != nil {
		return err
	}
	if existing.Owner != requester && !isAdmin {
		return ErrNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.client.Writer().ExecContext(ctx,
		`DELETE FROM saved_searches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete saved search: %w", err)
	}

	s.audit.Record(httpCtx, requester, "saved_searches.delete", fmt.Sprintf("saved_searches/%d", id), ip)
	return nil
}

// TouchUse bumps the usage counter when a saved search is executed.
func (s *SavedSearchService) TouchUse(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.client.Writer().ExecContext(ctx,
		`UPDATE saved_searches SET use_count = use_count + 1, last_used_at = ? WHERE id = ?`,
		models.ToMillis(time.Now()), id); err != nil {
		slog.Error("Failed to stamp saved search usage", "search_id", id, "error", err)
	}
}
