// Package api serves the HTTP surface: the /log intake, the query and
// administration API under /api, the /stream WebSocket upgrade, /health and
// /metrics.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/ingest"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/pipeline"
	"github.com/loghive/loghive/pkg/retention"
	"github.com/loghive/loghive/pkg/rules"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
	"github.com/loghive/loghive/pkg/stream"
)

// Intake bounds for POST /log. The limiter shields the pipeline from a
// runaway HTTP producer; the other protocols are bounded by the ingest
// queue's drop policy.
const (
	maxIntakeBody    = 1 << 20
	intakeRatePerSec = 5000
	intakeBurst      = 10000
)

// Server wires the HTTP handlers to the service layer. Core dependencies
// come through the constructor; subsystems that start later (pipeline,
// rule engine, stream hub, retention) are attached with setters, mirroring
// the startup order in cmd/loghive.
type Server struct {
	echo *echo.Echo
	http *http.Server

	cfg         *config.ServerConfig
	client      *database.Client
	tokens      *auth.Tokens
	met         *metrics.Metrics
	metricsHTTP http.Handler
	startedAt   time.Time

	users  *services.UserService
	audit  *services.AuditService
	search *search.Engine

	intakeLimiter *rate.Limiter

	manager  *ingest.Manager
	queue    *pipeline.Queue
	failed   *services.FailedBatchService
	engine   *rules.Engine
	rules    *services.RuleService
	stream   *stream.Hub
	runner   *retention.Runner
	policies *services.RetentionService
	saved    *services.SavedSearchService
	settings *services.SettingsService
	apiKeys  *services.APIKeyService
}

// NewServer builds the HTTP server and registers all routes.
func NewServer(
	cfg *config.ServerConfig,
	client *database.Client,
	tokens *auth.Tokens,
	searchEngine *search.Engine,
	users *services.UserService,
	audit *services.AuditService,
	met *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:           cfg,
		client:        client,
		tokens:        tokens,
		met:           met,
		metricsHTTP:   met.Handler(),
		startedAt:     time.Now(),
		users:         users,
		audit:         audit,
		search:        searchEngine,
		intakeLimiter: rate.NewLimiter(rate.Limit(intakeRatePerSec), intakeBurst),
	}

	s.echo = echo.New()
	s.echo.Use(securityHeaders(), s.errorEnvelope())
	s.routes()
	return s
}

// SetIngest attaches the intake pipeline for POST /log and the ingestion
// status endpoint.
func (s *Server) SetIngest(m *ingest.Manager, q *pipeline.Queue, failed *services.FailedBatchService) {
	s.manager = m
	s.queue = q
	s.failed = failed
}

// SetRuleEngine attaches the rule engine and its definition store.
func (s *Server) SetRuleEngine(e *rules.Engine, svc *services.RuleService) {
	s.engine = e
	s.rules = svc
}

// SetStreamHub attaches the WebSocket hub serving /stream.
func (s *Server) SetStreamHub(h *stream.Hub) { s.stream = h }

// SetRetention attaches the retention runner and policy store.
func (s *Server) SetRetention(r *retention.Runner, policies *services.RetentionService) {
	s.runner = r
	s.policies = policies
}

// SetSavedSearches attaches the saved search store.
func (s *Server) SetSavedSearches(svc *services.SavedSearchService) { s.saved = svc }

// SetSettings attaches the settings store.
func (s *Server) SetSettings(svc *services.SettingsService) { s.settings = svc }

// SetAPIKeys attaches the API key store, enabling X-API-Key authentication.
func (s *Server) SetAPIKeys(svc *services.APIKeyService) { s.apiKeys = svc }

func (s *Server) routes() {
	e := s.echo

	// Unauthenticated surface.
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", s.metricsHandler)
	e.POST("/log", s.intakeHandler)
	e.GET("/stream", s.streamHandler)
	e.POST("/api/auth/login", s.loginHandler)

	// Authenticated surface. Role checks compose onto authentication per
	// route; admin and writer imply auth.
	auth := s.authenticate
	admin := func(h echo.HandlerFunc) echo.HandlerFunc { return s.authenticate(s.requireAdmin(h)) }
	writer := func(h echo.HandlerFunc) echo.HandlerFunc { return s.authenticate(s.requireWriter(h)) }

	e.POST("/api/auth/logout", auth(s.logoutHandler))
	e.GET("/api/auth/me", auth(s.meHandler))

	e.GET("/api/logs/search", auth(s.searchHandler))
	e.POST("/api/logs/search", auth(s.searchBodyHandler))
	e.GET("/api/logs/export", auth(s.exportHandler))
	e.GET("/api/logs/facets", auth(s.facetsHandler))
	e.GET("/api/ingestion/status", auth(s.ingestionStatusHandler))

	e.GET("/api/saved-searches", auth(s.listSavedSearchesHandler))
	e.POST("/api/saved-searches", writer(s.createSavedSearchHandler))
	e.GET("/api/saved-searches/:id", auth(s.getSavedSearchHandler))
	e.GET("/api/saved-searches/:id/results", auth(s.savedSearchResultsHandler))
	e.PUT("/api/saved-searches/:id", writer(s.updateSavedSearchHandler))
	e.DELETE("/api/saved-searches/:id", writer(s.deleteSavedSearchHandler))

	e.GET("/api/alerts/rules", auth(s.listAlertRulesHandler))
	e.POST("/api/alerts/rules", admin(s.createAlertRuleHandler))
	e.GET("/api/alerts/rules/:id", auth(s.getAlertRuleHandler))
	e.PUT("/api/alerts/rules/:id", admin(s.updateAlertRuleHandler))
	e.DELETE("/api/alerts/rules/:id", admin(s.deleteAlertRuleHandler))
	e.GET("/api/alerts/history", auth(s.alertHistoryHandler))
	e.GET("/api/alerts/correlations", auth(s.listCorrelationsHandler))
	e.POST("/api/alerts/correlations", admin(s.createCorrelationHandler))
	e.GET("/api/alerts/correlations/:id", auth(s.getCorrelationHandler))
	e.PUT("/api/alerts/correlations/:id", admin(s.updateCorrelationHandler))
	e.DELETE("/api/alerts/correlations/:id", admin(s.deleteCorrelationHandler))
	e.GET("/api/alerts/anomalies", auth(s.anomaliesHandler))

	e.GET("/api/settings", auth(s.listSettingsHandler))
	e.PUT("/api/settings", admin(s.putSettingHandler))

	e.GET("/api/api-keys", admin(s.listAPIKeysHandler))
	e.POST("/api/api-keys", admin(s.createAPIKeyHandler))
	e.PUT("/api/api-keys/:id", admin(s.updateAPIKeyHandler))
	e.DELETE("/api/api-keys/:id", admin(s.deleteAPIKeyHandler))

	e.GET("/api/audit", admin(s.listAuditHandler))

	e.GET("/api/users", admin(s.listUsersHandler))
	e.POST("/api/users", admin(s.createUserHandler))
	e.PUT("/api/users/:id/role", admin(s.updateUserRoleHandler))
	e.PUT("/api/users/:id/password", auth(s.changePasswordHandler))
	e.DELETE("/api/users/:id", admin(s.deleteUserHandler))

	e.GET("/api/retention/policies", auth(s.listRetentionPoliciesHandler))
	e.POST("/api/retention/policies", admin(s.createRetentionPolicyHandler))
	e.PUT("/api/retention/policies/:id", admin(s.updateRetentionPolicyHandler))
	e.DELETE("/api/retention/policies/:id", admin(s.deleteRetentionPolicyHandler))
	e.POST("/api/retention/run", admin(s.runRetentionHandler))
	e.GET("/api/retention/backups", admin(s.listBackupsHandler))
}

// Start serves until Shutdown or a listener error. The caller decides what
// a bind failure means (port-in-use exits with code 2).
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	if s.cfg.UseHTTPS {
		return s.http.ListenAndServeTLS(s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ServeHTTP dispatches through the router; tests drive the server with it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// pathID parses the :id route parameter.
func pathID(c *echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// queryInt parses an optional integer query parameter, falling back to def
// when absent or unparseable.
func queryInt(c *echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
