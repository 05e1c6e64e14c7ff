package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
)

func (f *fixture) withSavedSearches(t *testing.T) {
	t.Helper()
	f.server.SetSavedSearches(services.NewSavedSearchService(f.client, f.audit))
}

func TestSavedSearch_NotWired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/saved-searches", f.adminToken(t), nil)
	code := requireEnvelope(t, rec, http.StatusServiceUnavailable)
	assert.Equal(t, "unavailable", code)
}

func TestSavedSearch_Lifecycle(t *testing.T) {
	f := newFixture(t)
	f.withSavedSearches(t)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/api/saved-searches", token, savedSearchRequest{
		Name:        "prod errors",
		Description: "error triage",
		Filter:      json.RawMessage(`{"levels":["error"]}`),
		Visibility:  models.VisibilityPrivate,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.SavedSearch
	decodeBody(t, rec, &created)
	require.NotZero(t, created.ID)
	assert.Equal(t, "admin", created.Owner)

	rec = f.do(t, http.MethodGet, "/api/saved-searches", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.SavedSearch
	decodeBody(t, rec, &listed)
	require.Len(t, listed, 1)

	path := fmt.Sprintf("/api/saved-searches/%d", created.ID)
	rec = f.do(t, http.MethodPut, path, token, savedSearchRequest{Name: "prod errors v2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.SavedSearch
	decodeBody(t, rec, &updated)
	assert.Equal(t, "prod errors v2", updated.Name)
	assert.JSONEq(t, `{"levels":["error"]}`, string(updated.Filter), "omitted filter keeps the old one")

	rec = f.do(t, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, path, token, nil)
	requireEnvelope(t, rec, http.StatusNotFound)
}

func TestSavedSearch_VisibilityScoping(t *testing.T) {
	f := newFixture(t)
	f.withSavedSearches(t)
	adminToken := f.adminToken(t)
	_, bobToken := f.createUser(t, "bob", models.RoleUser)

	mkSearch := func(name string, vis models.Visibility) models.SavedSearch {
		rec := f.do(t, http.MethodPost, "/api/saved-searches", adminToken, savedSearchRequest{
			Name: name, Filter: json.RawMessage(`{}`), Visibility: vis,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		var out models.SavedSearch
		decodeBody(t, rec, &out)
		return out
	}
	private := mkSearch("admin private", models.VisibilityPrivate)
	public := mkSearch("team dashboard", models.VisibilityPublic)

	t.Run("private search is hidden from others", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/saved-searches/%d", private.ID), bobToken, nil)
		requireEnvelope(t, rec, http.StatusNotFound)
	})

	t.Run("public search is listed for others", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/saved-searches", bobToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var listed []models.SavedSearch
		decodeBody(t, rec, &listed)
		require.Len(t, listed, 1)
		assert.Equal(t, public.ID, listed[0].ID)
	})

	t.Run("non-owner cannot update a public search", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, fmt.Sprintf("/api/saved-searches/%d", public.ID), bobToken,
			savedSearchRequest{Name: "hijacked"})
		requireEnvelope(t, rec, http.StatusNotFound)
	})
}

func TestSavedSearch_Results(t *testing.T) {
	f := newFixture(t)
	f.withSavedSearches(t)
	f.seedSearchEvents(t)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/api/saved-searches", token, savedSearchRequest{
		Name:   "errors",
		Filter: json.RawMessage(`{"levels":["error"]}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.SavedSearch
	decodeBody(t, rec, &created)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/saved-searches/%d/results", created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page search.Page
	decodeBody(t, rec, &page)
	assert.Len(t, page.Rows, 2)

	// Running a saved search counts as a use.
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/saved-searches/%d", created.ID), token, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got models.SavedSearch
		decodeBody(t, rec, &got)
		return got.UseCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSavedSearch_BrokenStoredFilter(t *testing.T) {
	f := newFixture(t)
	f.withSavedSearches(t)
	token := f.adminToken(t)

	// A filter that is valid JSON but not a filter spec.
	rec := f.do(t, http.MethodPost, "/api/saved-searches", token, savedSearchRequest{
		Name:   "odd",
		Filter: json.RawMessage(`{"levels":"error"}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.SavedSearch
	decodeBody(t, rec, &created)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/saved-searches/%d/results", created.ID), token, nil)
	code := requireEnvelope(t, rec, http.StatusBadRequest)
	assert.Equal(t, "bad_request", code)
}
