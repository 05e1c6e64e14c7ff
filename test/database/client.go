// Package database provides store helpers for tests.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// NewTestClient opens a client over a throwaway store under t.TempDir().
// Migrations run exactly as in production; the files vanish with the test.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	cfg := database.DefaultConfig(t.TempDir())
	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// NewTestClientAt opens a client over dir so a second client (or a backup
// verifier) can be pointed at the same store.
func NewTestClientAt(t *testing.T, dir string) *database.Client {
	t.Helper()

	cfg := database.DefaultConfig(dir)
	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// InsertEvent writes one event row directly, returning its id. Tests that
// exercise the read path use this to avoid dragging in the whole pipeline.
func InsertEvent(t *testing.T, client *database.Client, ev models.LogEvent) int64 {
	t.Helper()

	if ev.IngestTime.IsZero() {
		ev.IngestTime = ev.Timestamp
	}
	var id int64
	err := client.Writer().QueryRowxContext(context.Background(),
		`INSERT INTO log_events (timestamp, ingest_time, level, source, category, message, host, peer_ip, dedup_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		models.ToMillis(ev.Timestamp), models.ToMillis(ev.IngestTime), string(ev.Level),
		ev.Source, ev.Category, ev.Message, nullable(ev.Host), nullable(ev.PeerIP), nullable(ev.DedupKey),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
