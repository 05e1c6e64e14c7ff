// Package e2e boots a complete LogHive instance and exercises it over its
// real surfaces: the wire protocols, the HTTP API, and the stream socket.
package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/api"
	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/enrich"
	"github.com/loghive/loghive/pkg/ingest"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/pipeline"
	"github.com/loghive/loghive/pkg/retention"
	"github.com/loghive/loghive/pkg/rules"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
	"github.com/loghive/loghive/pkg/stream"
	testdb "github.com/loghive/loghive/test/database"
)

const AdminPassword = "e2e-admin-password"

// TestApp is a full LogHive instance over a throwaway store. The HTTP
// surface is served by an httptest server; protocol listeners bind real
// ports only when an option enables them.
type TestApp struct {
	DBClient *database.Client

	Queue      *pipeline.Queue
	Writer     *pipeline.Writer
	Manager    *ingest.Manager
	RuleEngine *rules.Engine
	StreamHub  *stream.Hub
	Runner     *retention.Runner
	Server     *api.Server

	Users    *services.UserService
	Rules    *services.RuleService
	Policies *services.RetentionService

	BaseURL string
	WSURL   string

	t *testing.T
}

// appConfig holds options accumulated before the app is created.
type appConfig struct {
	ingest       func(cfg *config.IngestConfig)
	writerWait   time.Duration
	evalInterval time.Duration
	retention    func(cfg *config.RetentionConfig)
	backupsDir   string
}

// Option configures the test app.
type Option func(*appConfig)

// WithIngest mutates the listener configuration; use it to enable a
// protocol on a free port.
func WithIngest(mutate func(cfg *config.IngestConfig)) Option {
	return func(c *appConfig) { c.ingest = mutate }
}

// WithEvalInterval shortens the rule engine tick.
func WithEvalInterval(d time.Duration) Option {
	return func(c *appConfig) { c.evalInterval = d }
}

// WithRetention mutates the retention configuration.
func WithRetention(mutate func(cfg *config.RetentionConfig)) Option {
	return func(c *appConfig) { c.retention = mutate }
}

// WithBackupsDir places backups somewhere a test can inspect them.
func WithBackupsDir(dir string) Option {
	return func(c *appConfig) { c.backupsDir = dir }
}

// NewTestApp creates and starts a full LogHive test instance. Shutdown is
// registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...Option) *TestApp {
	t.Helper()
	ctx := context.Background()

	ac := &appConfig{
		writerWait:   20 * time.Millisecond,
		evalInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(ac)
	}
	if ac.backupsDir == "" {
		ac.backupsDir = t.TempDir()
	}

	// Stores.
	dbClient := testdb.NewTestClient(t)
	sessions, err := database.OpenSessionsStore(ctx, t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	// Shared infrastructure.
	met := metrics.New()
	hub := pipeline.NewHub()
	audit := services.NewAuditService(dbClient)
	system := services.NewSystemEventService(dbClient)
	notify := func(task string, recovered any) {
		t.Logf("task %s panicked: %v", task, recovered)
	}

	// Domain services.
	settings, err := services.NewSettingsService(ctx, dbClient, audit, map[string]string{
		services.SettingTimezone:      "UTC",
		services.SettingDateFormat:    "2006-01-02 15:04:05",
		services.SettingTheme:         "dark",
		services.SettingRetentionDays: "30",
	})
	require.NoError(t, err)

	tokens := auth.NewTokens("e2e-test-secret", time.Hour)
	users := services.NewUserService(dbClient, sessions, audit, time.Hour)
	require.NoError(t, users.EnsureAdmin(ctx, AdminPassword))

	apiKeys := services.NewAPIKeyService(dbClient, audit)
	saved := services.NewSavedSearchService(dbClient, audit)
	ruleSvc := services.NewRuleService(dbClient, audit, rules.Validate)
	policies := services.NewRetentionService(dbClient, audit)
	require.NoError(t, policies.SeedDefault(ctx, 30))
	failedBatches := services.NewFailedBatchService(dbClient)
	offsets := services.NewFileOffsetService(dbClient)

	// Write pipeline, tuned for test latency.
	writerCfg := config.DefaultWriterConfig()
	writerCfg.MaxWait = ac.writerWait
	queue := pipeline.NewQueue(config.DefaultQueueConfig(), met)
	writer := pipeline.NewWriter(writerCfg, dbClient, queue, failedBatches, hub, met, notify)
	retry := pipeline.NewRetry(config.DefaultRetryConfig(), failedBatches, writer, system, hub, met, notify)

	// Ingestion. Every listener is off unless an option enables it; the
	// HTTP intake always works.
	ingestCfg := config.DefaultIngestConfig()
	ingestCfg.Syslog.Enabled = false
	ingestCfg.GELF.Enabled = false
	ingestCfg.Beats.Enabled = false
	ingestCfg.Fluent.Enabled = false
	ingestCfg.FileTail.Enabled = false
	if ac.ingest != nil {
		ac.ingest(ingestCfg)
	}
	enricher, err := enrich.New(config.DefaultEnrichConfig())
	require.NoError(t, err)
	manager := ingest.NewManager(ingestCfg, ingest.NewNormalizer(ingestCfg), enricher, met, queue.Offer, nil, offsets)

	// Engines.
	rulesCfg := config.DefaultRulesConfig()
	rulesCfg.EvalInterval = ac.evalInterval
	ruleEngine := rules.NewEngine(rulesCfg, ruleSvc, system, hub, met, notify)

	streamCfg := config.DefaultStreamConfig()
	streamCfg.PingInterval = time.Hour
	streamCfg.PongTimeout = time.Hour + 5*time.Second
	streamHub := stream.NewHub(streamCfg, hub, tokens, func() any {
		return map[string]any{"queue_depth": queue.Len(), "protocols": manager.Status()}
	}, met, notify)

	retentionCfg := config.DefaultRetentionConfig()
	if ac.retention != nil {
		ac.retention(retentionCfg)
	}
	runner := retention.NewRunner(retentionCfg, dbClient, policies, system, users, hub, met, ac.backupsDir)
	searchEngine := search.NewEngine(dbClient, config.DefaultSearchConfig(), met)

	// HTTP surface.
	server := api.NewServer(config.DefaultServerConfig(), dbClient, tokens, searchEngine, users, audit, met)
	server.SetIngest(manager, queue, failedBatches)
	server.SetRuleEngine(ruleEngine, ruleSvc)
	server.SetStreamHub(streamHub)
	server.SetRetention(runner, policies)
	server.SetSavedSearches(saved)
	server.SetSettings(settings)
	server.SetAPIKeys(apiKeys)

	// Pipeline before listeners so every event has somewhere to go.
	writer.Start(ctx)
	retry.Start(ctx)
	ruleEngine.Start(ctx)
	streamHub.Start(ctx)
	require.NoError(t, runner.Start(ctx))
	require.NoError(t, manager.Start(ctx))

	ts := httptest.NewServer(server)

	app := &TestApp{
		DBClient:   dbClient,
		Queue:      queue,
		Writer:     writer,
		Manager:    manager,
		RuleEngine: ruleEngine,
		StreamHub:  streamHub,
		Runner:     runner,
		Server:     server,
		Users:      users,
		Rules:      ruleSvc,
		Policies:   policies,
		BaseURL:    ts.URL,
		WSURL:      "ws" + ts.URL[len("http"):] + "/stream",
		t:          t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Stop(shutdownCtx)
		ts.Close()
		writer.Stop()
		retry.Stop()
		ruleEngine.Stop()
		streamHub.Stop()
		runner.Stop()
	})

	return app
}

func (a *TestApp) url(path string) string {
	return fmt.Sprintf("%s%s", a.BaseURL, path)
}
