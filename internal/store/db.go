// Package store implements the durable state store (C1): a single embedded
// SQL engine owning exclusive write access to sessions, confirmations, dead
// letters, outbox, and idempotency keys. Other components (the memory
// ledger, C2) open additional tables through the same *sql.DB but retain
// ownership of their own migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps a single-writer embedded SQL engine: WAL journal mode, normal
// synchronous durability, a busy timeout, and foreign keys enabled.
type DB struct {
	Conn   *sql.DB
	logger telemetry.Logger
}

// Open opens (creating if needed) the database file at path, applies
// pragmas, and runs any pending migrations.
func Open(ctx context.Context, path string, logger telemetry.Logger) (*DB, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Only the store writes; a single open connection serializes
	// writers while WAL still allows concurrent readers.
	conn.SetMaxOpenConns(1)

	db := &DB{Conn: conn, logger: logger}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.Conn.Close() }

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.Conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		row := d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}
		contents, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := d.Conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		d.logger.Info(ctx, "applied migration", "version", name)
	}
	return nil
}
