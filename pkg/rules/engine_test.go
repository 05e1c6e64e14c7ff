package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/pipeline"
	"github.com/loghive/loghive/pkg/services"
	testdb "github.com/loghive/loghive/test/database"
)

type engineFixture struct {
	engine *Engine
	rules  *services.RuleService
	system *services.SystemEventService
	hub    *pipeline.Hub
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	client := testdb.NewTestClient(t)
	audit := services.NewAuditService(client)
	ruleSvc := services.NewRuleService(client, audit, Validate)
	system := services.NewSystemEventService(client)
	hub := pipeline.NewHub()

	cfg := config.DefaultRulesConfig()
	cfg.EvalInterval = 50 * time.Millisecond

	return &engineFixture{
		engine: NewEngine(cfg, ruleSvc, system, hub, metrics.New(), nil),
		rules:  ruleSvc,
		system: system,
		hub:    hub,
	}
}

func errorBurst(n int) []models.LogEvent {
	now := time.Now()
	batch := make([]models.LogEvent, n)
	for i := range batch {
		batch[i] = *errorAt(int64(i+1), now)
	}
	return batch
}

func TestEngine_FiresAlertOnMatchingBurst(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	created, err := fix.rules.CreateRule(ctx, models.AlertRule{
		Name:            "error burst",
		Query:           "level=error",
		WindowSeconds:   60,
		Threshold:       2,
		Comparator:      models.CompareGT,
		Severity:        models.LevelWarn,
		CooldownSeconds: 300,
		Enabled:         true,
	}, "admin", "")
	require.NoError(t, err)

	notices := fix.hub.SubscribeNotices("test", 16)
	fix.engine.Start(ctx)
	defer fix.engine.Stop()

	fix.hub.PublishEvents(errorBurst(3))

	require.Eventually(t, func() bool {
		firings, err := fix.rules.ListFirings(context.Background(), created.ID, 10, 0)
		return err == nil && len(firings) == 1
	}, 2*time.Second, 20*time.Millisecond)

	firings, err := fix.rules.ListFirings(ctx, created.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), firings[0].Count)
	assert.Equal(t, models.LevelWarn, firings[0].Severity)
	assert.Len(t, firings[0].MatchedIDs, 3)

	select {
	case n := <-notices:
		assert.Equal(t, services.SystemEventAlertFired, n.Event)
		assert.Equal(t, pipeline.ChannelAlerts, n.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert notice on the hub")
	}

	// The rule is now cooling down: another burst stays quiet.
	fix.hub.PublishEvents(errorBurst(3))
	time.Sleep(150 * time.Millisecond)
	firings, err = fix.rules.ListFirings(ctx, created.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, firings, 1)
}

func TestEngine_ReloadPicksUpNewRule(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	fix.engine.Start(ctx)
	defer fix.engine.Stop()

	created, err := fix.rules.CreateRule(ctx, models.AlertRule{
		Name:            "late rule",
		Query:           "level=error",
		WindowSeconds:   60,
		Threshold:       1,
		Comparator:      models.CompareGT,
		Severity:        models.LevelCritical,
		CooldownSeconds: 600,
		Enabled:         true,
	}, "admin", "")
	require.NoError(t, err)

	fix.engine.Reload()

	require.Eventually(t, func() bool {
		fix.hub.PublishEvents(errorBurst(3))
		firings, err := fix.rules.ListFirings(context.Background(), created.ID, 10, 0)
		return err == nil && len(firings) >= 1
	}, 2*time.Second, 50*time.Millisecond)
}

func TestEngine_EmitsCorrelationMatch(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.rules.CreatePattern(ctx, models.CorrelationPattern{
		Name:    "deploy then failure",
		GroupBy: "host",
		Enabled: true,
		Sequence: []models.CorrelationStage{
			{Query: "message=deploy_started", WithinSeconds: 60},
			{Query: "message=deploy_failed", WithinSeconds: 60},
		},
	}, "admin", "")
	require.NoError(t, err)

	notices := fix.hub.SubscribeNotices("test", 16)
	fix.engine.Start(ctx)
	defer fix.engine.Stop()

	now := time.Now()
	fix.hub.PublishEvents([]models.LogEvent{
		*hostEvent(1, "web-1", "deploy_started", now),
		*hostEvent(2, "web-1", "deploy_failed", now.Add(time.Second)),
	})

	select {
	case n := <-notices:
		require.Equal(t, services.SystemEventCorrelationMatch, n.Event)
		match, ok := n.Payload.(CorrelationMatch)
		require.True(t, ok)
		assert.Equal(t, "web-1", match.GroupValue)
		assert.Equal(t, []int64{1, 2}, match.MatchedIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a correlation notice on the hub")
	}

	// The match is also persisted as a system event.
	require.Eventually(t, func() bool {
		rows, err := fix.system.List(context.Background(), services.SystemEventCorrelationMatch, 10, 0)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	fix.engine.Start(ctx)
	fix.engine.Start(ctx)
	fix.engine.Stop()

	// Anomalies stays callable after shutdown.
	assert.Empty(t, fix.engine.Anomalies())
}
