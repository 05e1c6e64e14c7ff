package database

import (
	"context"
	"fmt"
)

// SchemaVersion returns the applied migration version from the
// schema_migrations table maintained by the migrator.
func (c *Client) SchemaVersion(ctx context.Context) (int64, error) {
	var version int64
	err := c.reader.QueryRowContext(ctx,
		"SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// TableExists introspects sqlite_master for a table or virtual table.
func (c *Client) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.reader.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?", name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Checkpoint forces a WAL checkpoint, truncating the log. Retention calls
// this after large evictions.
func (c *Client) Checkpoint(ctx context.Context) error {
	_, err := c.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Vacuum rebuilds the store file, reclaiming space after large evictions.
// It takes an exclusive lock and can run long; callers schedule it off-peak.
func (c *Client) Vacuum(ctx context.Context) error {
	_, err := c.writer.ExecContext(ctx, "VACUUM")
	return err
}

// VacuumInto snapshots the store into dst using SQLite's online backup
// statement. The snapshot is transactionally consistent.
func (c *Client) VacuumInto(ctx context.Context, dst string) error {
	_, err := c.reader.ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}
