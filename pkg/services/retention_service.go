package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// RetentionService is the CRUD layer for retention policies. The retention
// runner evaluates them; this service only stores them.
type RetentionService struct {
	client *database.Client
	audit  *AuditService
}

func NewRetentionService(client *database.Client, audit *AuditService) *RetentionService {
	return &RetentionService{client: client, audit: audit}
}

type policyRow struct {
	ID           int64  `db:"id"`
	Kind         string `db:"kind"`
	Parameter    int64  `db:"parameter"`
	CategoryGlob string `db:"category_glob"`
	Enabled      bool   `db:"enabled"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r policyRow) model() models.RetentionPolicy {
	return models.RetentionPolicy{
		ID:           r.ID,
		Kind:         models.RetentionKind(r.Kind),
		Parameter:    r.Parameter,
		CategoryGlob: r.CategoryGlob,
		Enabled:      r.Enabled,
		UpdatedAt:    models.FromMillis(r.UpdatedAt),
	}
}

func validatePolicy(p *models.RetentionPolicy) error {
	if _, ok := models.ParseRetentionKind(string(p.Kind)); !ok {
		return NewValidationError("kind", "must be by_age, by_count or by_size")
	}
	if p.Parameter < 1 {
		return NewValidationError("parameter", "must be at least 1")
	}
	if p.CategoryGlob == "" {
		p.CategoryGlob = "*"
	}
	if !doublestar.ValidatePattern(p.CategoryGlob) {
		return NewValidationError("category_glob", "invalid glob pattern")
	}
	return nil
}

// SeedDefault installs the by_age policy from configuration when the table
// is empty, so a fresh install always bounds its storage.
func (s *RetentionService) SeedDefault(ctx context.Context, days int) error {
	var count int
	if err := s.client.Reader().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM retention_policies`); err != nil {
		return fmt.Errorf("failed to check retention policies: %w", err)
	}
	if count > 0 || days <= 0 {
		return nil
	}
	_, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO retention_policies (kind, parameter, category_glob, enabled, updated_at)
		 VALUES ('by_age', ?, '*', 1, ?)`, days, models.ToMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to seed retention policy: %w", err)
	}
	return nil
}

// List returns every policy; enabledOnly narrows to the runner's set.
func (s *RetentionService) List(ctx context.Context, enabledOnly bool) ([]models.RetentionPolicy, error) {
	query := `SELECT id, kind, parameter, category_glob, enabled, updated_at
	          FROM retention_policies ORDER BY id`
	if enabledOnly {
		query = `SELECT id, kind, parameter, category_glob, enabled, updated_at
		         FROM retention_policies WHERE enabled = 1 ORDER BY id`
	}
	var rows []policyRow
	if err := s.client.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list retention policies: %w", err)
	}
	out := make([]models.RetentionPolicy, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// Get returns one policy.
func (s *RetentionService) Get(ctx context.Context, id int64) (models.RetentionPolicy, error) {
	var row policyRow
	err := s.client.Reader().GetContext(ctx, &row,
		`SELECT id, kind, parameter, category_glob, enabled, updated_at
		 FROM retention_policies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RetentionPolicy{}, ErrNotFound
	}
	if err != nil {
		return models.RetentionPolicy{}, fmt.Errorf("failed to load retention policy: %w", err)
	}
	return row.model(), nil
}

// Create stores a new policy.
func (s *RetentionService) Create(httpCtx context.Context, p models.RetentionPolicy, actor, ip string) (models.RetentionPolicy, error) {
	if err := validatePolicy(&p); err != nil {
		return models.RetentionPolicy{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO retention_policies (kind, parameter, category_glob, enabled, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(p.Kind), p.Parameter, p.CategoryGlob, p.Enabled, models.ToMillis(now))
	if err != nil {
		return models.RetentionPolicy{}, fmt.Errorf("failed to create retention policy: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.UpdatedAt = now.UTC()

	s.audit.Record(httpCtx, actor, "retention.create", fmt.Sprintf("retention_policies/%d", p.ID), ip)
	return p, nil
}

// Update replaces a policy.
func (s *RetentionService) Update(httpCtx context.Context, p models.RetentionPolicy, actor, ip string) (models.RetentionPolicy, error) {
	if err := validatePolicy(&p); err != nil {
		return models.RetentionPolicy{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`UPDATE retention_policies SET kind = ?, parameter = ?, category_glob = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		string(p.Kind), p.Parameter, p.CategoryGlob, p.Enabled, models.ToMillis(now), p.ID)
	if err != nil {
		return models.RetentionPolicy{}, fmt.Errorf("failed to update retention policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.RetentionPolicy{}, ErrNotFound
	}
	p.UpdatedAt = now.UTC()

	s.audit.Record(httpCtx, actor, "retention.update", fmt.Sprintf("retention_policies/%d", p.ID), ip)
	return p, nil
}

// Delete removes a policy.
func (s *RetentionService) Delete(httpCtx context.Context, id int64, actor, ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.Writer().ExecContext(ctx, `DELETE FROM retention_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete retention policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.audit.Record(httpCtx, actor, "retention.delete", fmt.Sprintf("retention_policies/%d", id), ip)
	return nil
}
