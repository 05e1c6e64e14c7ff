// LogHive server: accepts log records over the supported wire protocols,
// runs the write pipeline and engines, and serves the query API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loghive/loghive/pkg/api"
	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/enrich"
	"github.com/loghive/loghive/pkg/ingest"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/pipeline"
	"github.com/loghive/loghive/pkg/retention"
	"github.com/loghive/loghive/pkg/rules"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
	"github.com/loghive/loghive/pkg/stream"
	"github.com/loghive/loghive/pkg/version"
)

// Exit codes: 0 normal, 1 config/startup failure, 2 port in use.
const (
	exitStartupFailure = 1
	exitPortInUse      = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging routes slog as JSON to stderr and a rotating file under the
// data directory. Called after configuration so the level and rotation
// settings apply; startup messages before this point use the default handler.
func setupLogging(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Server.LogsDir(), 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Logging.Level, err)
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Server.LogsDir(), "loghive.log"),
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	}
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stderr, rotating), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

func main() {
	os.Exit(run())
}

// run carries the whole lifecycle and returns the process exit code, so the
// deferred store closes fire before main calls os.Exit.
func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory; absence is fine.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration and logging.
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitStartupFailure
	}
	if err := setupLogging(cfg); err != nil {
		slog.Error("Failed to set up logging", "error", err)
		return exitStartupFailure
	}
	slog.Info("Starting LogHive", "version", version.Full(), "config_dir", *configDir)

	// 2. Stores: primary (with migrations) and sessions.
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.Server.DatabasesDir()))
	if err != nil {
		slog.Error("Failed to open primary store", "error", err)
		return exitStartupFailure
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing primary store", "error", err)
		}
	}()

	sessions, err := database.OpenSessionsStore(ctx, cfg.Server.DatabasesDir(), 5*time.Second)
	if err != nil {
		slog.Error("Failed to open sessions store", "error", err)
		return exitStartupFailure
	}
	defer func() { _ = sessions.Close() }()
	slog.Info("Stores ready", "dir", cfg.Server.DatabasesDir())

	// 3. Shared infrastructure: metrics, fan-out hub, panic notifier.
	met := metrics.New()
	hub := pipeline.NewHub()

	audit := services.NewAuditService(dbClient)
	system := services.NewSystemEventService(dbClient)
	notify := func(task string, recovered any) {
		payload := map[string]any{"task": task, "panic": fmt.Sprint(recovered)}
		system.Append(services.SystemEventTaskPanic, pipeline.ChannelAlerts, payload)
		hub.PublishNotice(pipeline.Notice{
			Event:   services.SystemEventTaskPanic,
			Channel: pipeline.ChannelAlerts,
			Payload: payload,
		})
	}

	// 4. Domain services.
	settings, err := services.NewSettingsService(ctx, dbClient, audit, map[string]string{
		services.SettingTimezone:      cfg.Server.Timezone,
		services.SettingDateFormat:    "2006-01-02 15:04:05",
		services.SettingTheme:         "dark",
		services.SettingRetentionDays: strconv.Itoa(cfg.Retention.RetentionDays),
	})
	if err != nil {
		slog.Error("Failed to initialize settings", "error", err)
		return exitStartupFailure
	}

	secret, err := cfg.Auth.ResolveSecret(cfg.Server.IsProduction())
	if err != nil {
		slog.Error("Failed to resolve JWT secret", "error", err)
		return exitStartupFailure
	}
	tokens := auth.NewTokens(secret, cfg.Auth.TokenTTL)

	users := services.NewUserService(dbClient, sessions, audit, cfg.Auth.SessionTTL)
	if err := users.EnsureAdmin(ctx, cfg.Auth.AdminPassword); err != nil {
		slog.Error("Failed to bootstrap admin account", "error", err)
		return exitStartupFailure
	}

	apiKeys := services.NewAPIKeyService(dbClient, audit)
	saved := services.NewSavedSearchService(dbClient, audit)
	ruleSvc := services.NewRuleService(dbClient, audit, rules.Validate)
	policies := services.NewRetentionService(dbClient, audit)
	if err := policies.SeedDefault(ctx, cfg.Retention.RetentionDays); err != nil {
		slog.Error("Failed to seed retention policy", "error", err)
		return exitStartupFailure
	}
	failedBatches := services.NewFailedBatchService(dbClient)
	offsets := services.NewFileOffsetService(dbClient)
	slog.Info("Services initialized")

	// 5. Write pipeline: queue, batch writer, replay worker.
	queue := pipeline.NewQueue(cfg.Queue, met)
	writer := pipeline.NewWriter(cfg.Writer, dbClient, queue, failedBatches, hub, met, notify)
	retry := pipeline.NewRetry(cfg.Retry, failedBatches, writer, system, hub, met, notify)

	// 6. Ingestion: enricher, normalizer, protocol listeners.
	enricher, err := enrich.New(cfg.Enrich)
	if err != nil {
		slog.Error("Failed to initialize enricher", "error", err)
		return exitStartupFailure
	}
	normalizer := ingest.NewNormalizer(cfg.Ingest)
	ingestHook := func(kind string, payload any) {
		system.Append(kind, pipeline.ChannelAlerts, payload)
		hub.PublishNotice(pipeline.Notice{Event: kind, Channel: pipeline.ChannelAlerts, Payload: payload})
	}
	manager := ingest.NewManager(cfg.Ingest, normalizer, enricher, met, queue.Offer, ingestHook, offsets)

	// 7. Engines: rules, stream hub, retention, search.
	ruleEngine := rules.NewEngine(cfg.Rules, ruleSvc, system, hub, met, notify)
	streamHub := stream.NewHub(cfg.Stream, hub, tokens, func() any {
		return map[string]any{
			"queue_depth":    queue.Len(),
			"queue_capacity": queue.Cap(),
			"protocols":      manager.Status(),
		}
	}, met, notify)
	settings.SetBroadcast(func(s models.Setting) {
		hub.PublishNotice(pipeline.Notice{
			Event:   "settings_changed",
			Channel: pipeline.ChannelSessions,
			Payload: s,
		})
	})
	runner := retention.NewRunner(cfg.Retention, dbClient, policies, system, users, hub, met, cfg.Server.BackupsDir())
	searchEngine := search.NewEngine(dbClient, cfg.Search, met)

	// 8. HTTP server.
	httpServer := api.NewServer(cfg.Server, dbClient, tokens, searchEngine, users, audit, met)
	httpServer.SetIngest(manager, queue, failedBatches)
	httpServer.SetRuleEngine(ruleEngine, ruleSvc)
	httpServer.SetStreamHub(streamHub)
	httpServer.SetRetention(runner, policies)
	httpServer.SetSavedSearches(saved)
	httpServer.SetSettings(settings)
	httpServer.SetAPIKeys(apiKeys)

	// 9. Start everything, pipeline before listeners so no event has
	// nowhere to go.
	writer.Start(ctx)
	retry.Start(ctx)
	ruleEngine.Start(ctx)
	streamHub.Start(ctx)
	if err := runner.Start(ctx); err != nil {
		slog.Error("Failed to start retention runner", "error", err)
		return exitStartupFailure
	}
	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start protocol listeners", "error", err)
		if errors.Is(err, syscall.EADDRINUSE) {
			return exitPortInUse
		}
		return exitStartupFailure
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr, "https", cfg.Server.UseHTTPS)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("LogHive started", "protocols", cfg.Ingest.EnabledProtocols())

	// 10. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
		if errors.Is(err, syscall.EADDRINUSE) {
			exitCode = exitPortInUse
		} else {
			exitCode = exitStartupFailure
		}
	}

	// 11. Staged shutdown: stop accepting, drain the queue through the
	// writer, stop the replay worker and engines, say goodbye to stream
	// clients, then close the stores (deferred above).
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	manager.Stop(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	writer.Stop()
	retry.Stop()
	ruleEngine.Stop()
	streamHub.Stop()
	runner.Stop()

	slog.Info("Shutdown complete")
	return exitCode
}
