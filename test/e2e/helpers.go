package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Login authenticates against the running app and returns a bearer token.
func (a *TestApp) Login(t *testing.T, username, password string) string {
	t.Helper()
	status, body := a.Do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	require.Equal(t, http.StatusOK, status, "login failed: %s", body)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// AdminToken logs in as the bootstrapped admin.
func (a *TestApp) AdminToken(t *testing.T) string {
	t.Helper()
	return a.Login(t, "admin", AdminPassword)
}

// Do issues one request against the running server and returns the status
// and raw body.
func (a *TestApp) Do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var payload io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, a.url(path), payload)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// DoJSON issues a request and decodes the response body into out.
func (a *TestApp) DoJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	status, data := a.Do(t, method, path, token, body)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
	return status
}

// searchPage is the slice of the search response the scenarios care about.
type searchPage struct {
	Rows   []map[string]any `json:"rows"`
	Cursor string           `json:"cursor"`
}

// Search runs a query-string search as the given user.
func (a *TestApp) Search(t *testing.T, token, query string) searchPage {
	t.Helper()
	var page searchPage
	status := a.DoJSON(t, http.MethodGet, "/api/logs/search?"+query, token, nil, &page)
	require.Equal(t, http.StatusOK, status)
	return page
}

// WaitForEvents polls the search API until the query matches want events or
// the deadline expires. Returns the final page.
func (a *TestApp) WaitForEvents(t *testing.T, token, query string, want int) searchPage {
	t.Helper()
	var page searchPage
	require.Eventually(t, func() bool {
		page = a.Search(t, token, query)
		return len(page.Rows) >= want
	}, 5*time.Second, 50*time.Millisecond, "query %q never reached %d events", query, want)
	return page
}

// PostLog sends one body to the /log intake and asserts the accepted count.
func (a *TestApp) PostLog(t *testing.T, body any, wantAccepted int) {
	t.Helper()
	var resp struct {
		Success  bool `json:"success"`
		Accepted int  `json:"accepted"`
	}
	status := a.DoJSON(t, http.MethodPost, "/log", "", body, &resp)
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
	require.Equal(t, wantAccepted, resp.Accepted)
}
