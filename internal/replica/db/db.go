// Package db provides the embedded SQLite store behind a mapsync replica.
//
// The store holds the replicated entity tables, the change log that feeds
// push, the key/value settings table, and the persisted conflict and
// refetch queues.
//
// Architecture:
//   - Database file: ~/.mapsync/replica.db (configurable)
//   - WAL mode: readers never block the sync engine's writes
//   - Tables: maps, nodes, edges, change_log, settings, sync_conflicts, sync_refetch
//   - Timestamps: INTEGER milliseconds since the Unix epoch
//
// All multi-statement writes (cascading soft deletes, batch position
// updates, applying a pulled map) go through WithTx so a crash never leaves
// partial state behind.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Driver names accepted by Options.Driver.
const (
	DriverSQLite = "sqlite3"
	DriverLibSQL = "libsql"
)

// Options configures Open.
type Options struct {
	// Driver selects the database/sql driver (default DriverSQLite)
	Driver string
	// BusyTimeout bounds how long a writer waits for the lock (default 5s)
	BusyTimeout time.Duration
}

// Querier is the subset of *sql.DB and *sql.Tx used by Queries.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs the replica's statements against a connection or a transaction.
type Queries struct {
	q Querier
}

// DB wraps the database connection of one replica.
type DB struct {
	*Queries

	conn   *sql.DB
	path   string
	driver string
}

// Open opens (creating if needed) the replica database at path with the
// default SQLite driver.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens the replica database at path.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	var connStr string
	switch opts.Driver {
	case DriverSQLite:
		// Pragmas go in the DSN so every pooled connection gets them.
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_txlock=immediate",
			path, opts.BusyTimeout.Milliseconds())
	case DriverLibSQL:
		if !libsqlAvailable {
			return nil, fmt.Errorf("driver %q not compiled in (build with -tags libsql)", opts.Driver)
		}
		connStr = fmt.Sprintf("file:%s", path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}

	conn, err := sql.Open(opts.Driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		Queries: &Queries{q: conn},
		conn:    conn,
		path:    path,
		driver:  opts.Driver,
	}

	if opts.Driver == DriverLibSQL {
		// libSQL has no DSN pragmas; a single connection keeps them in effect.
		conn.SetMaxOpenConns(1)
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds())); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.driver == DriverSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// WithTx runs fn inside one transaction. The transaction commits if fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Queries) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
