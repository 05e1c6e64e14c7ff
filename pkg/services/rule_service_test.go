package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func setupRuleService(t *testing.T) *RuleService {
	t.Helper()

	client, audit := setupClient(t)
	return NewRuleService(client, audit, func(q string) error {
		if q == "syntax!!" {
			return errors.New("bad token")
		}
		return nil
	})
}

func validRule() models.AlertRule {
	return models.AlertRule{
		Name:            "error burst",
		Query:           "level=error",
		WindowSeconds:   60,
		Threshold:       5,
		Comparator:      models.CompareGTE,
		Severity:        models.LevelError,
		CooldownSeconds: 300,
		Enabled:         true,
	}
}

func TestRuleService_RuleCRUD(t *testing.T) {
	ctx := context.Background()
	svc := setupRuleService(t)

	created, err := svc.CreateRule(ctx, validRule(), "admin", "")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	t.Run("get and list", func(t *testing.T) {
		got, err := svc.GetRule(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "error burst", got.Name)
		assert.Equal(t, models.CompareGTE, got.Comparator)

		rules, err := svc.ListRules(ctx)
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	})

	t.Run("enabled filter", func(t *testing.T) {
		disabled := validRule()
		disabled.Name = "disabled rule"
		disabled.Enabled = false
		_, err := svc.CreateRule(ctx, disabled, "admin", "")
		require.NoError(t, err)

		enabled, err := svc.ListEnabledRules(ctx)
		require.NoError(t, err)
		require.Len(t, enabled, 1)
		assert.Equal(t, created.ID, enabled[0].ID)
	})

	t.Run("update", func(t *testing.T) {
		created.Threshold = 10
		updated, err := svc.UpdateRule(ctx, created, "admin", "")
		require.NoError(t, err)
		assert.EqualValues(t, 10, updated.Threshold)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		dup := validRule()
		_, err := svc.CreateRule(ctx, dup, "admin", "")
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("delete cascades firings", func(t *testing.T) {
		_, err := svc.RecordFiring(ctx, models.AlertFiring{
			RuleID:      created.ID,
			RuleName:    created.Name,
			Severity:    created.Severity,
			Count:       7,
			MatchedIDs:  []int64{1, 2, 3},
			WindowStart: time.Now().Add(-time.Minute),
			WindowEnd:   time.Now(),
			FiredAt:     time.Now(),
		})
		require.NoError(t, err)

		require.NoError(t, svc.DeleteRule(ctx, created.ID, "admin", ""))

		firings, err := svc.ListFirings(ctx, created.ID, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, firings)
	})
}

func TestRuleService_RuleValidation(t *testing.T) {
	ctx := context.Background()
	svc := setupRuleService(t)

	tests := []struct {
		name   string
		mutate func(*models.AlertRule)
		field  string
	}{
		{"empty name", func(r *models.AlertRule) { r.Name = "" }, "name"},
		{"empty query", func(r *models.AlertRule) { r.Query = "" }, "query"},
		{"query syntax error", func(r *models.AlertRule) { r.Query = "syntax!!" }, "query"},
		{"window too small", func(r *models.AlertRule) { r.WindowSeconds = 5 }, "window_seconds"},
		{"window too large", func(r *models.AlertRule) { r.WindowSeconds = 100000 }, "window_seconds"},
		{"zero threshold", func(r *models.AlertRule) { r.Threshold = 0 }, "threshold"},
		{"bad comparator", func(r *models.AlertRule) { r.Comparator = "!=" }, "comparator"},
		{"bad severity", func(r *models.AlertRule) { r.Severity = "worse" }, "severity"},
		{"negative cooldown", func(r *models.AlertRule) { r.CooldownSeconds = -1 }, "cooldown_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(&rule)
			_, err := svc.CreateRule(ctx, rule, "admin", "")
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	t.Run("unicode comparators normalize", func(t *testing.T) {
		rule := validRule()
		rule.Name = "unicode cmp"
		rule.Comparator = "≥"
		created, err := svc.CreateRule(ctx, rule, "admin", "")
		require.NoError(t, err)
		assert.Equal(t, models.CompareGTE, created.Comparator)
	})

	t.Run("severity defaults to warn", func(t *testing.T) {
		rule := validRule()
		rule.Name = "default severity"
		rule.Severity = ""
		created, err := svc.CreateRule(ctx, rule, "admin", "")
		require.NoError(t, err)
		assert.Equal(t, models.LevelWarn, created.Severity)
	})
}

func TestRuleService_Firings(t *testing.T) {
	ctx := context.Background()
	svc := setupRuleService(t)

	rule, err := svc.CreateRule(ctx, validRule(), "admin", "")
	require.NoError(t, err)

	firedAt := time.Now()
	recorded, err := svc.RecordFiring(ctx, models.AlertFiring{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Count:       6,
		MatchedIDs:  []int64{11, 12, 13},
		WindowStart: firedAt.Add(-time.Minute),
		WindowEnd:   firedAt,
		FiredAt:     firedAt,
	})
	require.NoError(t, err)
	assert.NotZero(t, recorded.ID)

	t.Run("firing stamps last_fired_at on the rule", func(t *testing.T) {
		got, err := svc.GetRule(ctx, rule.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastFiredAt)
		assert.WithinDuration(t, firedAt, *got.LastFiredAt, time.Second)
	})

	t.Run("history lists newest first with matched ids", func(t *testing.T) {
		firings, err := svc.ListFirings(ctx, 0, 10, 0)
		require.NoError(t, err)
		require.Len(t, firings, 1)
		assert.Equal(t, []int64{11, 12, 13}, firings[0].MatchedIDs)
	})
}

func validPattern() models.CorrelationPattern {
	return models.CorrelationPattern{
		Name: "brute force then success",
		Sequence: []models.CorrelationStage{
			{Query: "category=auth level=error", WithinSeconds: 60},
			{Query: "category=auth level=info", WithinSeconds: 30},
		},
		GroupBy: "peer_ip",
		Enabled: true,
	}
}

func TestRuleService_PatternCRUD(t *testing.T) {
	ctx := context.Background()
	svc := setupRuleService(t)

	created, err := svc.CreatePattern(ctx, validPattern(), "admin", "")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	t.Run("sequence round-trips through storage", func(t *testing.T) {
		got, err := svc.GetPattern(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, got.Sequence, 2)
		assert.Equal(t, "category=auth level=error", got.Sequence[0].Query)
		assert.Equal(t, 30, got.Sequence[1].WithinSeconds)
	})

	t.Run("update and delete", func(t *testing.T) {
		created.GroupBy = "host"
		updated, err := svc.UpdatePattern(ctx, created, "admin", "")
		require.NoError(t, err)
		assert.Equal(t, "host", updated.GroupBy)

		require.NoError(t, svc.DeletePattern(ctx, created.ID, "admin", ""))
		_, err = svc.GetPattern(ctx, created.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRuleService_PatternValidation(t *testing.T) {
	ctx := context.Background()
	svc := setupRuleService(t)

	tests := []struct {
		name   string
		mutate func(*models.CorrelationPattern)
		field  string
	}{
		{"empty name", func(p *models.CorrelationPattern) { p.Name = "" }, "name"},
		{"single stage", func(p *models.CorrelationPattern) { p.Sequence = p.Sequence[:1] }, "sequence"},
		{"stage missing query", func(p *models.CorrelationPattern) { p.Sequence[1].Query = "" }, "sequence"},
		{"stage window out of range", func(p *models.CorrelationPattern) { p.Sequence[0].WithinSeconds = 0 }, "sequence"},
		{"bad group_by", func(p *models.CorrelationPattern) { p.GroupBy = "user" }, "group_by"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPattern()
			tt.mutate(&p)
			_, err := svc.CreatePattern(ctx, p, "admin", "")
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
