package kaizen

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	logger           *slog.Logger
	version          string
	driver           string
	databaseURL      string
	completionClient CompletionClient
	extraMigrations  []fs.FS
	params           []Param
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported to MCP clients and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDriver overrides the storage engine from config (KAIZEN_DB_DRIVER).
// Accepted values are "sqlite" and "postgres".
func WithDriver(driver string) Option {
	return func(o *resolvedOptions) { o.driver = driver }
}

// WithDatabaseURL overrides the database location from config
// (KAIZEN_DATABASE_URL): a file path or ":memory:" for sqlite, a DSN for
// postgres.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithCompletionClient replaces the Anthropic client the diagnoser uses.
func WithCompletionClient(c CompletionClient) Option {
	return func(o *resolvedOptions) { o.completionClient = c }
}

// WithExtraMigrations registers an fs.FS of .sql files to run after the
// embedded migrations. Each call appends; files run in lexical order per FS.
func WithExtraMigrations(migrations fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrations) }
}

// WithSettings replaces the default parameter allowlist. Only the declared
// parameters can be tuned by the loop. Resource limits keep their defaults.
func WithSettings(params ...Param) Option {
	return func(o *resolvedOptions) { o.params = append(o.params, params...) }
}
