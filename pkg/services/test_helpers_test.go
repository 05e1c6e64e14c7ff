package services

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/database"
	testdb "github.com/loghive/loghive/test/database"
)

// setupClient opens a throwaway store plus an audit service, the pair almost
// every service test needs.
func setupClient(t *testing.T) (*database.Client, *AuditService) {
	t.Helper()

	client := testdb.NewTestClient(t)
	return client, NewAuditService(client)
}

// setupSessionsStore opens a sessions store in its own temp dir.
func setupSessionsStore(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := database.OpenSessionsStore(context.Background(), t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
