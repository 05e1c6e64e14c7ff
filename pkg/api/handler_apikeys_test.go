package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

func (f *fixture) withAPIKeys(t *testing.T) {
	t.Helper()
	f.server.SetAPIKeys(services.NewAPIKeyService(f.client, f.audit))
}

func TestAPIKeys_NotWired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/api-keys", f.adminToken(t), nil)
	requireEnvelope(t, rec, http.StatusServiceUnavailable)
}

func TestAPIKeys_Lifecycle(t *testing.T) {
	f := newFixture(t)
	f.withAPIKeys(t)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/api/api-keys", token, createAPIKeyRequest{
		Name: "scraper", Role: models.RoleViewer,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createAPIKeyResponse
	decodeBody(t, rec, &created)
	require.NotZero(t, created.Key.ID)
	assert.True(t, strings.HasPrefix(created.Cleartext, "lh_"))
	assert.True(t, created.Key.Enabled)

	rec = f.do(t, http.MethodGet, "/api/api-keys", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.APIKey
	decodeBody(t, rec, &listed)
	require.Len(t, listed, 1)
	assert.NotContains(t, rec.Body.String(), created.Cleartext,
		"cleartext appears only in the create response")

	path := fmt.Sprintf("/api/api-keys/%d", created.Key.ID)
	rec = f.do(t, http.MethodPut, path, token, updateAPIKeyRequest{Enabled: false})
	require.Equal(t, http.StatusOK, rec.Code)

	// A disabled key no longer authenticates.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("X-API-Key", created.Cleartext)
	keyRec := httptest.NewRecorder()
	f.server.ServeHTTP(keyRec, req)
	requireEnvelope(t, keyRec, http.StatusUnauthorized)

	rec = f.do(t, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, path, token, nil)
	requireEnvelope(t, rec, http.StatusNotFound)
}

func TestAPIKeys_CreateValidation(t *testing.T) {
	f := newFixture(t)
	f.withAPIKeys(t)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/api/api-keys", token, createAPIKeyRequest{Role: models.RoleViewer})
	requireEnvelope(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/api/api-keys", token, createAPIKeyRequest{Name: "x", Role: "root"})
	requireEnvelope(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/api/api-keys", token, createAPIKeyRequest{Name: "taken", Role: models.RoleViewer})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/api-keys", token, createAPIKeyRequest{Name: "taken", Role: models.RoleViewer})
	code := requireEnvelope(t, rec, http.StatusConflict)
	assert.Equal(t, "conflict", code)
}

func TestAPIKeys_ManagementNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	f.withAPIKeys(t)
	_, userToken := f.createUser(t, "operator", models.RoleUser)

	rec := f.do(t, http.MethodGet, "/api/api-keys", userToken, nil)
	requireEnvelope(t, rec, http.StatusForbidden)

	rec = f.do(t, http.MethodPost, "/api/api-keys", userToken, createAPIKeyRequest{
		Name: "backdoor", Role: models.RoleAdmin,
	})
	requireEnvelope(t, rec, http.StatusForbidden)
}
