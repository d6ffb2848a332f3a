// Package sqlite implements storage.Store on an embedded SQLite database
// through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/kaizen/internal/storage"
	"github.com/ashita-ai/kaizen/migrations"
)

// timeLayout is fixed-width so lexical order on the TEXT column matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// defaultMaxConns bounds concurrent connections to a file database. SQLite
// serialises writers anyway; a small pool keeps readers from queueing.
const defaultMaxConns = 4

var _ storage.Store = (*Store)(nil)

// Store is a storage.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the database at path and runs migrations. ":memory:" opens
// a private in-memory database pinned to one connection.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimPrefix(path, "sqlite://")
	memory := path == ":memory:" || path == ""
	if memory {
		path = ":memory:"
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.Wrap(storage.KindConnection, "open sqlite", err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(defaultMaxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.Wrap(storage.KindConnection, "ping sqlite", err)
	}

	s := &Store{db: db, logger: logger}
	if err := storage.RunMigrations(ctx, s, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap(storage.KindConnection, "ping", s.db.PingContext(ctx))
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureMigrationsTable implements storage.Migrator.
func (s *Store) EnsureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	return err
}

// AppliedMigrations implements storage.Migrator.
func (s *Store) AppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// ApplyMigration implements storage.Migrator.
func (s *Store) ApplyMigration(ctx context.Context, name, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
		name, formatTime(time.Now())); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older tooling.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), err
}

// classify maps driver constraint failures onto the storage sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Wrap(storage.KindNotFound, op, storage.ErrNotFound)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return storage.Wrap(storage.KindQuery, op, fmt.Errorf("%w: %v", storage.ErrConflict, err))
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return storage.Wrap(storage.KindQuery, op, fmt.Errorf("%w: %v", storage.ErrConstraint, err))
		}
	}
	return storage.Wrap(storage.KindQuery, op, err)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullText(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func textBytes(ns sql.NullString) []byte {
	if !ns.Valid {
		return nil
	}
	return []byte(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rowsAffected(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap(storage.KindQuery, op, err)
	}
	if n == 0 {
		return storage.Wrap(storage.KindNotFound, op, storage.ErrNotFound)
	}
	return nil
}
