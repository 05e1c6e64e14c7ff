package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/pipeline"
	"github.com/loghive/loghive/pkg/retention"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
)

func (f *fixture) withRetention(t *testing.T) *services.RetentionService {
	t.Helper()

	policies := services.NewRetentionService(f.client, f.audit)
	runner := retention.NewRunner(
		config.DefaultRetentionConfig(),
		f.client,
		policies,
		services.NewSystemEventService(f.client),
		f.users,
		pipeline.NewHub(),
		f.met,
		filepath.Join(t.TempDir(), "backups"),
	)
	f.server.SetRetention(runner, policies)
	return policies
}

func TestRetentionPolicies_NotWired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/retention/policies", f.adminToken(t), nil)
	requireEnvelope(t, rec, http.StatusServiceUnavailable)
}

func TestRetentionPolicies_CRUD(t *testing.T) {
	f := newFixture(t)
	f.withRetention(t)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/api/retention/policies", token, models.RetentionPolicy{
		Kind: models.RetainByAge, Parameter: 14, Enabled: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.RetentionPolicy
	decodeBody(t, rec, &created)
	require.NotZero(t, created.ID)
	assert.Equal(t, "*", created.CategoryGlob, "empty glob defaults to match-all")

	rec = f.do(t, http.MethodGet, "/api/retention/policies", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.RetentionPolicy
	decodeBody(t, rec, &listed)
	require.Len(t, listed, 1)

	path := fmt.Sprintf("/api/retention/policies/%d", created.ID)
	rec = f.do(t, http.MethodPut, path, token, models.RetentionPolicy{
		Kind: models.RetainByAge, Parameter: 7, Enabled: false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.RetentionPolicy
	decodeBody(t, rec, &updated)
	assert.EqualValues(t, 7, updated.Parameter)
	assert.False(t, updated.Enabled)

	rec = f.do(t, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, path, token, nil)
	requireEnvelope(t, rec, http.StatusNotFound)
}

func TestRetentionPolicies_Validation(t *testing.T) {
	f := newFixture(t)
	f.withRetention(t)
	token := f.adminToken(t)

	tests := []struct {
		name   string
		policy models.RetentionPolicy
	}{
		{"unknown kind", models.RetentionPolicy{Kind: "by_phase_of_moon", Parameter: 1}},
		{"zero parameter", models.RetentionPolicy{Kind: models.RetainByCount, Parameter: 0}},
		{"broken glob", models.RetentionPolicy{Kind: models.RetainByAge, Parameter: 1, CategoryGlob: "[oops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/retention/policies", token, tt.policy)
			requireEnvelope(t, rec, http.StatusBadRequest)
		})
	}
}

func TestRetentionPolicies_MutationNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	f.withRetention(t)
	_, userToken := f.createUser(t, "operator", models.RoleUser)

	// Reading policies only needs authentication.
	rec := f.do(t, http.MethodGet, "/api/retention/policies", userToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/retention/policies", userToken, models.RetentionPolicy{
		Kind: models.RetainByAge, Parameter: 1,
	})
	requireEnvelope(t, rec, http.StatusForbidden)

	rec = f.do(t, http.MethodPost, "/api/retention/run", userToken, nil)
	requireEnvelope(t, rec, http.StatusForbidden)
}

func TestRetentionRun(t *testing.T) {
	f := newFixture(t)
	f.withRetention(t)
	f.seedSearchEvents(t)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/api/retention/policies", token, models.RetentionPolicy{
		Kind: models.RetainByCount, Parameter: 1, Enabled: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/retention/run", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result retention.Result
	decodeBody(t, rec, &result)
	assert.Equal(t, "manual", result.Trigger)
	assert.EqualValues(t, 2, result.Evicted)
	assert.NotEmpty(t, result.Backup)
	assert.Empty(t, result.BackupErr)

	// Only the newest event survives.
	rec = f.do(t, http.MethodGet, "/api/logs/search", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page search.Page
	decodeBody(t, rec, &page)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "replication lag 12s", page.Rows[0].Message)

	rec = f.do(t, http.MethodGet, "/api/retention/backups", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var backups []models.BackupInfo
	decodeBody(t, rec, &backups)
	require.Len(t, backups, 1)
	assert.Equal(t, result.Backup, backups[0].Name)
	assert.Positive(t, backups[0].SizeBytes)
}

func TestBackups_EmptyBeforeFirstRun(t *testing.T) {
	f := newFixture(t)
	f.withRetention(t)

	rec := f.do(t, http.MethodGet, "/api/retention/backups", f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}
