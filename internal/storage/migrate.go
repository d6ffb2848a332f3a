package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// Migrator is the engine-specific half of the migration runner.
type Migrator interface {
	// EnsureMigrationsTable creates schema_migrations if needed. Idempotent.
	EnsureMigrationsTable(ctx context.Context) error
	// AppliedMigrations returns the set of file names already applied.
	AppliedMigrations(ctx context.Context) (map[string]bool, error)
	// ApplyMigration runs one file and records it, atomically where the
	// engine allows.
	ApplyMigration(ctx context.Context, name, content string) error
}

// RunMigrations executes unapplied .sql files from migrationsFS in lexical
// order. Each file runs at most once.
func RunMigrations(ctx context.Context, m Migrator, migrationsFS fs.FS, logger *slog.Logger) error {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return Wrap(KindMigration, "create schema_migrations", err)
	}

	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return Wrap(KindMigration, "load applied migrations", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return Wrap(KindMigration, "read migrations dir", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			logger.Debug("storage: migration already applied", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return Wrap(KindMigration, fmt.Sprintf("read migration %s", name), err)
		}

		logger.Info("storage: running migration", "file", name)
		if err := m.ApplyMigration(ctx, name, string(content)); err != nil {
			return Wrap(KindMigration, fmt.Sprintf("apply migration %s", name), err)
		}
	}
	return nil
}
