package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

func (f *fixture) withSettings(t *testing.T, defaults map[string]string) *services.SettingsService {
	t.Helper()

	svc, err := services.NewSettingsService(context.Background(), f.client, f.audit, defaults)
	require.NoError(t, err)
	f.server.SetSettings(svc)
	return svc
}

func TestSettings_NotWired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/settings", f.adminToken(t), nil)
	requireEnvelope(t, rec, http.StatusServiceUnavailable)
}

func TestSettings_ListAndPut(t *testing.T) {
	f := newFixture(t)
	f.withSettings(t, map[string]string{"retention_days": "30"})
	token := f.adminToken(t)

	rec := f.do(t, http.MethodGet, "/api/settings", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.Setting
	decodeBody(t, rec, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "30", listed[0].Value)

	rec = f.do(t, http.MethodPut, "/api/settings", token, putSettingRequest{
		Key: "retention_days", Value: "14", Type: "int",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Setting
	decodeBody(t, rec, &updated)
	assert.Equal(t, "14", updated.Value)
	assert.Equal(t, "int", updated.Type)
	assert.Equal(t, "admin", updated.UpdatedBy)

	rec = f.do(t, http.MethodGet, "/api/settings", token, nil)
	listed = nil
	decodeBody(t, rec, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "14", listed[0].Value)
}

func TestSettings_PutValidation(t *testing.T) {
	f := newFixture(t)
	f.withSettings(t, nil)
	token := f.adminToken(t)

	tests := []struct {
		name string
		req  putSettingRequest
	}{
		{"missing key", putSettingRequest{Value: "x"}},
		{"unknown type", putSettingRequest{Key: "k", Value: "x", Type: "duration"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/api/settings", token, tt.req)
			requireEnvelope(t, rec, http.StatusBadRequest)
		})
	}
}

func TestSettings_PutNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	f.withSettings(t, nil)
	_, userToken := f.createUser(t, "operator", models.RoleUser)

	// Reading is open to any authenticated principal.
	rec := f.do(t, http.MethodGet, "/api/settings", userToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/settings", userToken, putSettingRequest{Key: "k", Value: "v"})
	requireEnvelope(t, rec, http.StatusForbidden)
}
