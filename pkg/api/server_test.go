package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
	testdb "github.com/loghive/loghive/test/database"
)

const testAdminPassword = "correct-horse-battery"

// fixture is a server over a throwaway store with the admin account seeded.
// Optional subsystems are attached per test via the Set* methods.
type fixture struct {
	server *Server
	client *database.Client
	users  *services.UserService
	audit  *services.AuditService
	tokens *auth.Tokens
	met    *metrics.Metrics
	admin  models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	client := testdb.NewTestClient(t)
	sessions, err := database.OpenSessionsStore(ctx, t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	audit := services.NewAuditService(client)
	users := services.NewUserService(client, sessions, audit, time.Hour)
	require.NoError(t, users.EnsureAdmin(ctx, testAdminPassword))
	admin, err := users.Authenticate(ctx, "admin", testAdminPassword)
	require.NoError(t, err)

	tokens := auth.NewTokens("api-test-secret", time.Hour)
	met := metrics.New()
	engine := search.NewEngine(client, config.DefaultSearchConfig(), met)

	server := NewServer(config.DefaultServerConfig(), client, tokens, engine, users, audit, met)
	return &fixture{
		server: server,
		client: client,
		users:  users,
		audit:  audit,
		tokens: tokens,
		met:    met,
		admin:  admin,
	}
}

func (f *fixture) tokenFor(t *testing.T, user models.User) string {
	t.Helper()
	token, err := f.tokens.Mint(user, time.Now())
	require.NoError(t, err)
	return token
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	return f.tokenFor(t, f.admin)
}

// createUser provisions an account and returns it with a minted token.
func (f *fixture) createUser(t *testing.T, username string, role models.Role) (models.User, string) {
	t.Helper()
	user, err := f.users.Create(context.Background(), username, "pw-"+username+"-123", role, "admin", "127.0.0.1")
	require.NoError(t, err)
	return user, f.tokenFor(t, user)
}

// do runs one request through the full router and middleware chain.
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into), "body: %s", rec.Body.String())
}

// requireEnvelope asserts the uniform failure shape and returns the error
// code.
func requireEnvelope(t *testing.T, rec *httptest.ResponseRecorder, status int) string {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())

	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
		Path      string    `json:"path"`
		Timestamp time.Time `json:"timestamp"`
	}
	decodeBody(t, rec, &envelope)
	require.False(t, envelope.Success)
	require.NotEmpty(t, envelope.Error.Message)
	require.NotEmpty(t, envelope.Path)
	require.False(t, envelope.Timestamp.IsZero())
	return envelope.Error.Code
}

func TestServer_UnknownRouteGetsEnvelope(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/no/such/route", "", nil)
	code := requireEnvelope(t, rec, http.StatusNotFound)
	assert.Equal(t, "not_found", code)
}

func TestServer_SecurityHeadersOnEveryResponse(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}

func TestServer_HealthIsUnauthenticated(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, healthStatusHealthy, resp.Status)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Uptime)
	assert.Equal(t, healthStatusHealthy, resp.Checks["database"].Status)
}

func TestServer_MetricsServesPrometheusText(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestPathID(t *testing.T) {
	f := newFixture(t)
	var got int64
	f.server.echo.GET("/probe/:id", func(c *echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return err
		}
		got = id
		return c.JSON(http.StatusOK, map[string]bool{"success": true})
	})

	tests := []struct {
		name       string
		raw        string
		wantStatus int
		want       int64
	}{
		{name: "numeric", raw: "42", wantStatus: http.StatusOK, want: 42},
		{name: "zero rejected", raw: "0", wantStatus: http.StatusBadRequest},
		{name: "negative rejected", raw: "-3", wantStatus: http.StatusBadRequest},
		{name: "garbage rejected", raw: "abc", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = 0
			rec := f.do(t, http.MethodGet, "/probe/"+tt.raw, "", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
