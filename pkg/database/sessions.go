package database

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
)

// SessionsFile is the sessions store file name under <data>/databases.
const SessionsFile = "sessions.db"

// sessionsSchema is applied on open. The sessions store is tiny and
// single-purpose, so it skips the migrator and uses an idempotent ensure.
const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    token      TEXT PRIMARY KEY,
    user_id    INTEGER NOT NULL,
    username   TEXT    NOT NULL,
    role       TEXT    NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    ip         TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);
`

// OpenSessionsStore opens (creating if needed) the dedicated sessions store
// next to the primary store and ensures its schema.
func OpenSessionsStore(ctx context.Context, dir string, busy time.Duration) (*sqlx.DB, error) {
	path := filepath.Join(dir, SessionsFile)
	db, err := open(ctx, path, busy, true, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to open sessions store: %w", err)
	}
	if _, err := db.ExecContext(ctx, sessionsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure sessions schema: %w", err)
	}
	return db, nil
}
