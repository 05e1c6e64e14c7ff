// Package database provides the embedded SQLite store and migration utilities.
//
// The store runs in WAL mode with a single writer connection and a pool of
// reader connections: write transactions (batch writer, retry worker) are
// serialized on the writer handle while readers stay non-blocking.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PrimaryFile is the primary store file name under <data>/databases.
const PrimaryFile = "enterprise_logs.db"

// Config holds store configuration.
type Config struct {
	// Dir is the databases directory (<data>/databases).
	Dir string

	// MaxReaders bounds the reader connection pool.
	MaxReaders int

	// BusyTimeout is handed to SQLite for lock contention.
	BusyTimeout time.Duration
}

// DefaultConfig returns store defaults for the given databases directory.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		MaxReaders:  max(4, runtime.NumCPU()),
		BusyTimeout: 5 * time.Second,
	}
}

// Client wraps the writer and reader handles of the primary store.
type Client struct {
	writer *sqlx.DB
	reader *sqlx.DB
	path   string
}

// NewClient opens (creating if needed) the primary store, applies pending
// migrations on the writer handle, and returns the ready client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create databases dir: %w", err)
	}
	path := filepath.Join(cfg.Dir, PrimaryFile)

	writer, err := open(ctx, path, cfg.BusyTimeout, true, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	reader, err := open(ctx, path, cfg.BusyTimeout, false, cfg.MaxReaders)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}

	if err := runMigrations(writer.DB); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{writer: writer, reader: reader, path: path}, nil
}

// open dials one SQLite handle. immediate makes every transaction take the
// write lock up front, which the single writer handle wants.
func open(ctx context.Context, path string, busy time.Duration, immediate bool, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", DSN(path, busy, immediate))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// DSN builds the connection string with the pragmas every handle needs.
func DSN(path string, busy time.Duration, immediate bool) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "file:%s?_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	b.WriteString("&_pragma=journal_mode(WAL)")
	b.WriteString("&_pragma=synchronous(NORMAL)")
	b.WriteString("&_pragma=foreign_keys(1)")
	if immediate {
		b.WriteString("&_txlock=immediate")
	}
	return b.String()
}

// Writer returns the single-connection write handle. Only the batch writer,
// the retry worker, and the service layer's mutating paths may use it.
func (c *Client) Writer() *sqlx.DB { return c.writer }

// Reader returns the read pool.
func (c *Client) Reader() *sqlx.DB { return c.reader }

// Path returns the primary store file path (used by backups).
func (c *Client) Path() string { return c.path }

// Close closes both handles.
func (c *Client) Close() error {
	rerr := c.reader.Close()
	werr := c.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// WithWriteTx runs fn inside a write transaction with the given context.
func (c *Client) WithWriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := c.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// runMigrations applies embedded migrations with golang-migrate. Migration
// files are embedded into the binary so production deployments need no
// external files. Each step runs in its own transaction and is written to be
// idempotent (IF NOT EXISTS guards), so replaying against a half-migrated
// store converges.
func runMigrations(db *stdsql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found: binary may be built incorrectly")
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. m.Close() would also close the
	// database driver, which closes the shared *sql.DB underneath the writer
	// handle.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
