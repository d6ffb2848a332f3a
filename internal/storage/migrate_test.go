package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	applied map[string]bool
	ran     []string
	failOn  string
}

func (f *fakeMigrator) EnsureMigrationsTable(context.Context) error { return nil }

func (f *fakeMigrator) AppliedMigrations(context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(f.applied))
	for k, v := range f.applied {
		out[k] = v
	}
	return out, nil
}

func (f *fakeMigrator) ApplyMigration(_ context.Context, name, _ string) error {
	if name == f.failOn {
		return errors.New("syntax error")
	}
	f.applied[name] = true
	f.ran = append(f.ran, name)
	return nil
}

func TestRunMigrationsOrderAndSkip(t *testing.T) {
	fsys := fstest.MapFS{
		"002_indexes.sql": {Data: []byte("CREATE INDEX x;")},
		"001_initial.sql": {Data: []byte("CREATE TABLE y;")},
		"README.md":       {Data: []byte("not a migration")},
	}
	m := &fakeMigrator{applied: map[string]bool{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, RunMigrations(context.Background(), m, fsys, logger))
	assert.Equal(t, []string{"001_initial.sql", "002_indexes.sql"}, m.ran)

	m.ran = nil
	require.NoError(t, RunMigrations(context.Background(), m, fsys, logger))
	assert.Empty(t, m.ran, "second run applies nothing")
}

func TestRunMigrationsWrapsFailure(t *testing.T) {
	fsys := fstest.MapFS{"001_initial.sql": {Data: []byte("bad")}}
	m := &fakeMigrator{applied: map[string]bool{}, failOn: "001_initial.sql"}

	err := RunMigrations(context.Background(), m, fsys, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Equal(t, KindMigration, KindOf(err))
	assert.Contains(t, err.Error(), "001_initial.sql")
}

func TestWrapNotFound(t *testing.T) {
	assert.Nil(t, Wrap(KindQuery, "op", nil))
	err := Wrap(KindQuery, "get", ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
