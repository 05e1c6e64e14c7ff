package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// Alert rule bounds. Windows are counted in 10-second buckets, so the
// minimum window is one bucket and the maximum a day of buckets.
const (
	MinRuleWindowSeconds = 10
	MaxRuleWindowSeconds = 86400
	MaxCooldownSeconds   = 86400
	MinPatternStages     = 2
	MaxPatternStages     = 8
	MaxStageWithin       = 3600
)

// QueryValidator compiles a rule query expression, reporting syntax errors.
// The rule engine provides the real implementation.
type QueryValidator func(query string) error

// RuleService is the CRUD layer for alert rules and correlation patterns,
// plus the append-only firing history.
type RuleService struct {
	client        *database.Client
	audit         *AuditService
	validateQuery QueryValidator
}

func NewRuleService(client *database.Client, audit *AuditService, validateQuery QueryValidator) *RuleService {
	if validateQuery == nil {
		validateQuery = func(string) error { return nil }
	}
	return &RuleService{client: client, audit: audit, validateQuery: validateQuery}
}

type alertRuleRow struct {
	ID              int64         `db:"id"`
	Name            string        `db:"name"`
	Query           string        `db:"query"`
	WindowSeconds   int           `db:"window_seconds"`
	Threshold       int64         `db:"threshold"`
	Comparator      string        `db:"comparator"`
	Severity        string        `db:"severity"`
	CooldownSeconds int           `db:"cooldown_seconds"`
	Enabled         bool          `db:"enabled"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
	LastFiredAt     sql.NullInt64 `db:"last_fired_at"`
}

func (r alertRuleRow) model() models.AlertRule {
	rule := models.AlertRule{
		ID:              r.ID,
		Name:            r.Name,
		Query:           r.Query,
		WindowSeconds:   r.WindowSeconds,
		Threshold:       r.Threshold,
		Comparator:      models.Comparator(r.Comparator),
		Severity:        models.Level(r.Severity),
		CooldownSeconds: r.CooldownSeconds,
		Enabled:         r.Enabled,
		CreatedAt:       models.FromMillis(r.CreatedAt),
		UpdatedAt:       models.FromMillis(r.UpdatedAt),
	}
	if r.LastFiredAt.Valid {
		t := models.FromMillis(r.LastFiredAt.Int64)
		rule.LastFiredAt = &t
	}
	return rule
}

const alertRuleColumns = `id, name, query, window_seconds, threshold, comparator, severity,
	cooldown_seconds, enabled, created_at, updated_at, last_fired_at`

func (s *RuleService) validateRule(r *models.AlertRule) error {
	if r.Name == "" {
		return NewValidationError("name", "required")
	}
	if r.Query == "" {
		return NewValidationError("query", "required")
	}
	if err := s.validateQuery(r.Query); err != nil {
		return NewValidationError("query", err.Error())
	}
	if r.WindowSeconds < MinRuleWindowSeconds || r.WindowSeconds > MaxRuleWindowSeconds {
		return NewValidationError("window_seconds",
			fmt.Sprintf("must be between %d and %d", MinRuleWindowSeconds, MaxRuleWindowSeconds))
	}
	if r.Threshold < 1 {
		return NewValidationError("threshold", "must be at least 1")
	}
	cmp, ok := models.ParseComparator(string(r.Comparator))
	if !ok {
		return NewValidationError("comparator", "must be one of >, >=, =, <=, <")
	}
	r.Comparator = cmp
	if r.Severity == "" {
		r.Severity = models.LevelWarn
	}
	if !r.Severity.Valid() {
		return NewValidationError("severity", "unknown level")
	}
	if r.CooldownSeconds < 0 || r.CooldownSeconds > MaxCooldownSeconds {
		return NewValidationError("cooldown_seconds",
			fmt.Sprintf("must be between 0 and %d", MaxCooldownSeconds))
	}
	return nil
}

// CreateRule validates and stores a new rule.
func (s *RuleService) CreateRule(httpCtx context.Context, rule models.AlertRule, actor, ip string) (models.AlertRule, error) {
	if err := s.validateRule(&rule); err != nil {
		return models.AlertRule{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO alert_rules (name, query, window_seconds, threshold, comparator, severity,
		     cooldown_seconds, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.Name, rule.Query, rule.WindowSeconds, rule.Threshold, string(rule.Comparator),
		string(rule.Severity), rule.CooldownSeconds, rule.Enabled,
		models.ToMillis(now), models.ToMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.AlertRule{}, ErrAlreadyExists
		}
		return models.AlertRule{}, fmt.Errorf("failed to create alert rule: %w", err)
	}
	rule.ID, _ = res.LastInsertId()
	rule.CreatedAt = now.UTC()
	rule.UpdatedAt = now.UTC()

	s.audit.Record(httpCtx, actor, "alert_rules.create", fmt.Sprintf("alert_rules/%d", rule.ID), ip)
	return rule, nil
}

// GetRule returns one rule.
func (s *RuleService) GetRule(ctx context.Context, id int64) (models.AlertRule, error) {
	var row alertRuleRow
	err := s.client.Reader().GetContext(ctx, &row,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AlertRule{}, ErrNotFound
	}
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("failed to load alert rule: %w", err)
	}
	return row.model(), nil
}

// ListRules returns every rule ordered by name.
func (s *RuleService) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	var rows []alertRuleRow
	if err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT `+alertRuleColumns+` FROM alert_rules ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	out := make([]models.AlertRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// ListEnabledRules feeds the rule engine on startup and reload.
func (s *RuleService) ListEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	var rows []alertRuleRow
	if err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE enabled = 1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list enabled alert rules: %w", err)
	}
	out := make([]models.AlertRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// UpdateRule replaces a rule's definition. The caller reloads the engine so
// window counters restart from a clean slate.
func (s *RuleService) UpdateRule(httpCtx context.Context, rule models.AlertRule, actor, ip string) (models.AlertRule, error) {
	if err := s.validateRule(&rule); err != nil {
		return models.AlertRule{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`UPDATE alert_rules SET name = ?, query = ?, window_seconds = ?, threshold = ?,
		     comparator = ?, severity = ?, cooldown_seconds = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		rule.Name, rule.Query, rule.WindowSeconds, rule.Threshold, string(rule.Comparator),
		string(rule.Severity), rule.CooldownSeconds, rule.Enabled, models.ToMillis(now), rule.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.AlertRule{}, ErrAlreadyExists
		}
		return models.AlertRule{}, fmt.Errorf("failed to update alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.AlertRule{}, ErrNotFound
	}
	rule.UpdatedAt = now.UTC()

	s.audit.Record(httpCtx, actor, "alert_rules.update", fmt.Sprintf("alert_rules/%d", rule.ID), ip)
	return rule, nil
}

// DeleteRule removes a rule and, via FK cascade, its firing history.
func (s *RuleService) DeleteRule(httpCtx context.Context, id int64, actor, ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.Writer().ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.audit.Record(httpCtx, actor, "alert_rules.delete", fmt.Sprintf("alert_rules/%d", id), ip)
	return nil
}

// RecordFiring appends to the firing history and stamps the rule's
// last_fired_at in the same transaction.
func (s *RuleService) RecordFiring(ctx context.Context, f models.AlertFiring) (models.AlertFiring, error) {
	matched, err := json.Marshal(f.MatchedIDs)
	if err != nil {
		return models.AlertFiring{}, fmt.Errorf("failed to encode matched ids: %w", err)
	}

	err = s.client.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO alert_firings (rule_id, rule_name, severity, count, matched_ids,
			     window_start, window_end, fired_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.RuleID, f.RuleName, string(f.Severity), f.Count, string(matched),
			models.ToMillis(f.WindowStart), models.ToMillis(f.WindowEnd), models.ToMillis(f.FiredAt))
		if err != nil {
			return err
		}
		f.ID, _ = res.LastInsertId()
		_, err = tx.ExecContext(ctx,
			`UPDATE alert_rules SET last_fired_at = ? WHERE id = ?`,
			models.ToMillis(f.FiredAt), f.RuleID)
		return err
	})
	if err != nil {
		return models.AlertFiring{}, fmt.Errorf("failed to record alert firing: %w", err)
	}
	return f, nil
}

// ListFirings returns firing history newest first. ruleID 0 means all rules.
func (s *RuleService) ListFirings(ctx context.Context, ruleID int64, limit, offset int) ([]models.AlertFiring, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, rule_id, rule_name, severity, count, matched_ids, window_start, window_end, fired_at
	          FROM alert_firings ORDER BY fired_at DESC, id DESC LIMIT ? OFFSET ?`
	args := []any{limit, offset}
	if ruleID > 0 {
		query = `SELECT id, rule_id, rule_name, severity, count, matched_ids, window_start, window_end, fired_at
		         FROM alert_firings WHERE rule_id = ? ORDER BY fired_at DESC, id DESC LIMIT ? OFFSET ?`
		args = []any{ruleID, limit, offset}
	}

	type firingRow struct {
		ID          int64          `db:"id"`
		RuleID      int64          `db:"rule_id"`
		RuleName    string         `db:"rule_name"`
		Severity    string         `db:"severity"`
		Count       int64          `db:"count"`
		MatchedIDs  sql.NullString `db:"matched_ids"`
		WindowStart int64          `db:"window_start"`
		WindowEnd   int64          `db:"window_end"`
		FiredAt     int64          `db:"fired_at"`
	}
	var rows []firingRow
	if err := s.client.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list alert firings: %w", err)
	}

	out := make([]models.AlertFiring, 0, len(rows))
	for _, r := range rows {
		f := models.AlertFiring{
			ID:          r.ID,
			RuleID:      r.RuleID,
			RuleName:    r.RuleName,
			Severity:    models.Level(r.Severity),
			Count:       r.Count,
			WindowStart: models.FromMillis(r.WindowStart),
			WindowEnd:   models.FromMillis(r.WindowEnd),
			FiredAt:     models.FromMillis(r.FiredAt),
		}
		if r.MatchedIDs.Valid && r.MatchedIDs.String != "" {
			if err := json.Unmarshal([]byte(r.MatchedIDs.String), &f.MatchedIDs); err != nil {
				return nil, fmt.Errorf("failed to decode matched ids for firing %d: %w", r.ID, err)
			}
		}
		out = append(out, f)
	}
	return out, nil
}

type patternRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	Sequence  string `db:"sequence"`
	GroupBy   string `db:"group_by"`
	Enabled   bool   `db:"enabled"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r patternRow) model() (models.CorrelationPattern, error) {
	p := models.CorrelationPattern{
		ID:        r.ID,
		Name:      r.Name,
		GroupBy:   r.GroupBy,
		Enabled:   r.Enabled,
		CreatedAt: models.FromMillis(r.CreatedAt),
		UpdatedAt: models.FromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Sequence), &p.Sequence); err != nil {
		return models.CorrelationPattern{}, fmt.Errorf("failed to decode sequence for pattern %d: %w", r.ID, err)
	}
	return p, nil
}

func (s *RuleService) validatePattern(p *models.CorrelationPattern) error {
	if p.Name == "" {
		return NewValidationError("name", "required")
	}
	if len(p.Sequence) < MinPatternStages || len(p.Sequence) > MaxPatternStages {
		return NewValidationError("sequence",
			fmt.Sprintf("must have between %d and %d stages", MinPatternStages, MaxPatternStages))
	}
	for i, stage := range p.Sequence {
		if stage.Query == "" {
			return NewValidationError("sequence", fmt.Sprintf("stage %d: query required", i))
		}
		if err := s.validateQuery(stage.Query); err != nil {
			return NewValidationError("sequence", fmt.Sprintf("stage %d: %v", i, err))
		}
		if stage.WithinSeconds < 1 || stage.WithinSeconds > MaxStageWithin {
			return NewValidationError("sequence",
				fmt.Sprintf("stage %d: within_seconds must be between 1 and %d", i, MaxStageWithin))
		}
	}
	switch p.GroupBy {
	case "source", "host", "category", "peer_ip":
	default:
		return NewValidationError("group_by", "must be source, host, category or peer_ip")
	}
	return nil
}

// CreatePattern validates and stores a correlation pattern.
func (s *RuleService) CreatePattern(httpCtx context.Context, p models.CorrelationPattern, actor, ip string) (models.CorrelationPattern, error) {
	if err := s.validatePattern(&p); err != nil {
		return models.CorrelationPattern{}, err
	}
	seq, err := json.Marshal(p.Sequence)
	if err != nil {
		return models.CorrelationPattern{}, fmt.Errorf("failed to encode sequence: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO correlation_patterns (name, sequence, group_by, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, string(seq), p.GroupBy, p.Enabled, models.ToMillis(now), models.ToMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.CorrelationPattern{}, ErrAlreadyExists
		}
		return models.CorrelationPattern{}, fmt.Errorf("failed to create correlation pattern: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.CreatedAt = now.UTC()
	p.UpdatedAt = now.UTC()

	s.audit.Record(httpCtx, actor, "correlations.create", fmt.Sprintf("correlations/%d", p.ID), ip)
	return p, nil
}

// GetPattern returns one pattern.
func (s *RuleService) GetPattern(ctx context.Context, id int64) (models.CorrelationPattern, error) {
	var row patternRow
	err := s.client.Reader().GetContext(ctx, &row,
		`SELECT id, name, sequence, group_by, enabled, created_at, updated_at
		 FROM correlation_patterns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CorrelationPattern{}, ErrNotFound
	}
	if err != nil {
		return models.CorrelationPattern{}, fmt.Errorf("failed to load correlation pattern: %w", err)
	}
	return row.model()
}

// ListPatterns returns every pattern; enabledOnly narrows to the engine's
// working set.
func (s *RuleService) ListPatterns(ctx context.Context, enabledOnly bool) ([]models.CorrelationPattern, error) {
	query := `SELECT id, name, sequence, group_by, enabled, created_at, updated_at
	          FROM correlation_patterns ORDER BY name`
	if enabledOnly {
		query = `SELECT id, name, sequence, group_by, enabled, created_at, updated_at
		         FROM correlation_patterns WHERE enabled = 1 ORDER BY id`
	}
	var rows []patternRow
	if err := s.client.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list correlation patterns: %w", err)
	}
	out := make([]models.CorrelationPattern, 0, len(rows))
	for _, r := range rows {
		p, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// UpdatePattern replaces a pattern's definition. Open instances for the old
// definition are discarded by the engine reload.
func (s *RuleService) UpdatePattern(httpCtx context.Context, p models.CorrelationPattern, actor, ip string) (models.CorrelationPattern, error) {
	if err := s.validatePattern(&p); err != nil {
		return models.CorrelationPattern{}, err
	}
	seq, err := json.Marshal(p.Sequence)
	if err != nil {
		return models.CorrelationPattern{}, fmt.Errorf("failed to encode sequence: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`UPDATE correlation_patterns SET name = ?, sequence = ?, group_by = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, string(seq), p.GroupBy, p.Enabled, models.ToMillis(now), p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.CorrelationPattern{}, ErrAlreadyExists
		}
		return models.CorrelationPattern{}, fmt.Errorf("failed to update correlation pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.CorrelationPattern{}, ErrNotFound
	}
	p.UpdatedAt = now.UTC()

	s.audit.Record(httpCtx, actor, "correlations.update", fmt.Sprintf("correlations/%d", p.ID), ip)
	return p, nil
}

// DeletePattern removes a pattern.
func (s *RuleService) DeletePattern(httpCtx context.Context, id int64, actor, ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.Writer().ExecContext(ctx, `DELETE FROM correlation_patterns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete correlation pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.audit.Record(httpCtx, actor, "correlations.delete", fmt.Sprintf("correlations/%d", id), ip)
	return nil
}
