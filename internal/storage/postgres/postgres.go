// Package postgres implements storage.Store on PostgreSQL via pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kaizen/internal/storage"
	"github.com/ashita-ai/kaizen/migrations"
)

// copyTimeout bounds a single COPY of buffered invocations.
const copyTimeout = 30 * time.Second

var _ storage.Store = (*Store)(nil)

// Store is a storage.Store backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open creates a pool for dsn, verifies connectivity and runs migrations.
// maxConns <= 0 keeps pgxpool's default.
func Open(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storage.Wrap(storage.KindConnection, "parse pool DSN", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, storage.Wrap(storage.KindConnection, "create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.Wrap(storage.KindConnection, "ping pool", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := storage.RunMigrations(ctx, s, migrations.Postgres(), logger); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap(storage.KindConnection, "ping", s.pool.Ping(ctx))
}

// Close shuts down the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureMigrationsTable implements storage.Migrator.
func (s *Store) EnsureMigrationsTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

// AppliedMigrations implements storage.Migrator.
func (s *Store) AppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// ApplyMigration implements storage.Migrator. The file and its bookkeeping
// row commit together.
func (s *Store) ApplyMigration(ctx context.Context, name, content string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, content); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// classify maps pg error codes onto the storage sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Wrap(storage.KindNotFound, op, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return storage.Wrap(storage.KindQuery, op, fmt.Errorf("%w: %v", storage.ErrConflict, err))
		case "23503": // foreign_key_violation
			return storage.Wrap(storage.KindQuery, op, fmt.Errorf("%w: %v", storage.ErrConstraint, err))
		}
	}
	return storage.Wrap(storage.KindQuery, op, err)
}

func requireRow(op string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return storage.Wrap(storage.KindNotFound, op, storage.ErrNotFound)
	}
	return nil
}
