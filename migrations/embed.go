// Package migrations embeds the SQL migration files for each storage engine.
// Files are applied in lexical order and recorded in schema_migrations, so a
// file must never change once released.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// SQLite returns the migrations for the embedded SQLite engine.
func SQLite() fs.FS { return mustSub(sqliteFS, "sqlite") }

// Postgres returns the migrations for PostgreSQL.
func Postgres() fs.FS { return mustSub(postgresFS, "postgres") }

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic("migrations: " + err.Error())
	}
	return sub
}
