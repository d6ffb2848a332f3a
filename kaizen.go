// Package kaizen is the public API for embedding the self-improvement loop in
// a reasoning server.
//
// The host records every tool invocation; the loop watches the resulting
// metrics, asks a model to diagnose regressions, and tunes the host's
// settings within a declared allowlist:
//
//	app, err := kaizen.New(
//	    kaizen.WithVersion(version),
//	    kaizen.WithLogger(logger),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//	...
//	_ = app.RecordInvocation(kaizen.Invocation{ToolName: "reasoning_linear", LatencyMs: 840, Success: true})
//	timeout, _ := app.Setting("tool.reasoning_linear.request_timeout_ms")
//
// The root package imports internal/*, never the reverse. Public types
// (Invocation, Param, CompletionRequest) are plain structs converted at this
// boundary.
package kaizen

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaizen/internal/completion"
	"github.com/ashita-ai/kaizen/internal/config"
	"github.com/ashita-ai/kaizen/internal/mcp"
	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/ratelimit"
	"github.com/ashita-ai/kaizen/internal/service/diagnosis"
	"github.com/ashita-ai/kaizen/internal/service/executor"
	"github.com/ashita-ai/kaizen/internal/service/invocations"
	"github.com/ashita-ai/kaizen/internal/service/manager"
	"github.com/ashita-ai/kaizen/internal/service/monitor"
	"github.com/ashita-ai/kaizen/internal/service/selfimprove"
	"github.com/ashita-ai/kaizen/internal/settings"
	"github.com/ashita-ai/kaizen/internal/storage"
	"github.com/ashita-ai/kaizen/internal/storage/postgres"
	"github.com/ashita-ai/kaizen/internal/storage/sqlite"
	"github.com/ashita-ai/kaizen/internal/telemetry"
)

const (
	// restorePendingLimit caps how many pending diagnoses are reloaded at
	// startup.
	restorePendingLimit = 100
	// drainTimeout bounds the final invocation flush when Shutdown's
	// context has no deadline.
	drainTimeout = 10 * time.Second
	// purgeTimeout bounds one retention pass.
	purgeTimeout = 5 * time.Minute
	// diagnosisTemperature keeps diagnoses close to deterministic.
	diagnosisTemperature = 0.2
)

// ErrInvalidInvocation is returned by RecordInvocation for a malformed
// invocation.
var ErrInvalidInvocation = errors.New("kaizen: invalid invocation")

// App is the self-improvement lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	registry     *settings.Registry
	buf          *invocations.Buffer
	mgr          *manager.Manager // nil when the loop is disabled
	handle       *manager.Handle
	mcp          *mcp.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	started      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// migratingStore is what both storage engines provide.
type migratingStore interface {
	storage.Store
	storage.Migrator
}

// New loads configuration, opens the store, runs migrations, and wires every
// component. It starts no goroutines. Call Run.
func New(opts ...Option) (*App, error) {
	o, cfg, err := resolve(opts)
	if err != nil {
		return nil, err
	}
	logger := o.logger
	ctx := context.Background()

	logger.Info("kaizen starting",
		"version", o.version,
		"db_driver", cfg.DBDriver,
		"self_improvement", cfg.SelfImprovement.Enabled,
	)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     o.version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, o.extraMigrations, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	registry := settings.NewDefaultRegistry()
	if len(o.params) > 0 {
		specs, err := toParamSpecs(o.params)
		if err != nil {
			return fail(fmt.Errorf("settings: %w", err))
		}
		registry = settings.NewRegistry(specs, settings.DefaultResources())
	}

	exec := executor.New(registry, store, logger)
	if n, err := exec.Restore(ctx); err != nil {
		return fail(fmt.Errorf("restore overrides: %w", err))
	} else if n > 0 {
		logger.Info("restored config overrides", "count", n)
	}

	si := cfg.SelfImprovement
	mon := monitor.New(monitor.Config{
		WindowSize:         si.MetricsWindowSize,
		ErrorRateDeviation: si.ErrorRateDeviation,
		LatencyDeviation:   si.LatencyDeviation,
		QualityDeviation:   si.QualityDeviation,
		MinErrorRate:       monitor.DefaultConfig().MinErrorRate,
		MinLatencyMs:       monitor.DefaultConfig().MinLatencyMs,
		BaselineAlpha:      si.BaselineAlpha,
	})
	recent, err := store.GetRecentInvocations(ctx, si.MetricsWindowSize)
	if err != nil {
		return fail(fmt.Errorf("warm start: %w", err))
	}
	mon.Seed(recent)
	if len(recent) > 0 {
		logger.Info("metrics window seeded", "invocations", len(recent))
	}

	buf := invocations.NewBuffer(store, mon, logger, cfg.InvocationBufferSize, cfg.InvocationFlushInterval)

	app := &App{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		buf:          buf,
		handle:       manager.NewDisconnectedHandle(),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}

	client, err := completionClient(cfg, o.completionClient, logger)
	switch {
	case !si.Enabled:
		logger.Info("self-improvement loop disabled by config")
	case err != nil:
		logger.Warn("self-improvement loop disabled: no completion client", "error", err)
	default:
		diag := diagnosis.New(client, registry, diagnosis.Config{
			Model:       cfg.Model,
			Temperature: diagnosisTemperature,
		}, logger)
		sys, err := selfimprove.New(selfimprove.Config{
			RequireApproval:       si.RequireApproval,
			MaxActionsPerCycle:    si.MaxActionsPerCycle,
			MinInvocations:        int64(si.MinInvocations),
			MeasurementWindow:     si.MeasurementWindow,
			ValidateWithLLM:       si.ValidateWithLLM,
			MinRewardSignificance: si.MinRewardSignificance,
			Breaker: selfimprove.BreakerConfig{
				FailureThreshold: si.BreakerThreshold,
				Cooldown:         si.BreakerCooldown,
				SuccessThreshold: si.BreakerTrials,
			},
		}, selfimprove.Deps{
			Metrics:   mon,
			Diagnoser: diag,
			Executor:  exec,
			Validator: registry,
			Store:     store,
			Logger:    logger,
		})
		if err != nil {
			return fail(fmt.Errorf("self-improvement: %w", err))
		}
		if n, err := sys.Restore(ctx, restorePendingLimit); err != nil {
			return fail(fmt.Errorf("restore pending diagnoses: %w", err))
		} else if n > 0 {
			logger.Info("restored pending diagnoses", "count", n)
		}
		app.mgr = manager.New(sys, manager.Config{CycleInterval: si.CycleInterval}, logger)
		app.handle = app.mgr.Handle()
	}

	app.limiter = ratelimit.New(cfg.TriggerRPS, cfg.TriggerBurst)
	app.mcp = mcp.New(app.handle, store, buf, app.limiter, logger, o.version)
	return app, nil
}

// Migrate opens the configured store, applies the embedded migrations and
// any extra ones, then closes it.
func Migrate(ctx context.Context, opts ...Option) error {
	o, cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, o.extraMigrations, o.logger)
	if err != nil {
		return err
	}
	o.logger.Info("migrations applied", "db_driver", cfg.DBDriver)
	return store.Close()
}

// resolve applies options, loads .env and configuration, then applies option
// overrides on top of the environment.
func resolve(opts []Option) (resolvedOptions, config.Config, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return o, cfg, fmt.Errorf("load config: %w", err)
	}
	if o.driver != "" {
		cfg.DBDriver = o.driver
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.driver != "" || o.databaseURL != "" {
		if err := cfg.Validate(); err != nil {
			return o, cfg, fmt.Errorf("load config: %w", err)
		}
	}
	return o, cfg, nil
}

func openStore(ctx context.Context, cfg config.Config, extra []fs.FS, logger *slog.Logger) (migratingStore, error) {
	var (
		store migratingStore
		err   error
	)
	switch cfg.DBDriver {
	case config.DriverPostgres:
		store, err = postgres.Open(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns), logger)
	default:
		var s *sqlite.Store
		s, err = sqlite.Open(ctx, cfg.DatabaseURL, logger)
		if err == nil && !isMemory(cfg.DatabaseURL) {
			s.DB().SetMaxOpenConns(cfg.DBMaxConns)
		}
		store = s
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	for i, migrations := range extra {
		if err := storage.RunMigrations(ctx, store, migrations, logger); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}
	return store, nil
}

func isMemory(path string) bool {
	return path == "" || path == ":memory:" || path == "sqlite://:memory:"
}

func completionClient(cfg config.Config, override CompletionClient, logger *slog.Logger) (completion.Client, error) {
	if override != nil {
		return completionAdapter{c: override}, nil
	}
	retry := completion.DefaultRetryConfig()
	retry.MaxRetries = cfg.CompletionMaxRetries
	retry.Timeout = cfg.CompletionTimeout
	return completion.NewAnthropic(completion.AnthropicConfig{
		APIKey:         cfg.AnthropicAPIKey,
		Model:          cfg.Model,
		RequestsPerSec: cfg.CompletionRPS,
		Retry:          retry,
		Logger:         logger,
	})
}

// Run starts the invocation flush loop and the manager, then blocks until ctx
// is cancelled or the manager fails. On return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("kaizen: already running")
	}
	a.buf.Start(ctx)
	if a.cfg.InvocationRetention > 0 {
		go a.retentionLoop(ctx)
	}

	if a.mgr == nil {
		<-ctx.Done()
		return a.Shutdown(context.Background())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.mgr.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops the manager after any cycle in flight, flushes queued
// invocations, then closes the store and the telemetry providers. Safe to
// call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("kaizen shutting down")

	if a.mgr != nil {
		a.mgr.Stop()
	}
	if a.mgr != nil && a.started.Load() {
		select {
		case <-a.mgr.Done():
		case <-ctx.Done():
			a.logger.Warn("manager did not stop before shutdown deadline")
		}
	}

	drainCtx, cancel := ctx, context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		drainCtx, cancel = context.WithTimeout(ctx, drainTimeout)
	}
	a.buf.Drain(drainCtx)
	cancel()

	if c, ok := a.limiter.(interface{ Close() error }); ok {
		_ = c.Close()
	}

	var errs []error
	if n := a.buf.Len(); n > 0 {
		errs = append(errs, fmt.Errorf("invocation drain incomplete: %d invocations unflushed", n))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	a.logger.Info("kaizen stopped")
	return errors.Join(errs...)
}

// retentionLoop purges invocations older than the retention window. Learned
// outcomes live on actions and learnings, which are kept.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purgeInvocations(ctx)
		}
	}
}

func (a *App) purgeInvocations(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()
	cutoff := time.Now().Add(-a.cfg.InvocationRetention)
	deleted, err := a.store.PurgeInvocations(opCtx, cutoff, storage.DefaultPurgeBatchSize)
	if err != nil {
		a.logger.Warn("invocation retention failed", "error", err, "deleted", deleted)
		return
	}
	if deleted > 0 {
		a.logger.Info("invocation retention deleted rows", "deleted", deleted, "cutoff", cutoff)
	}
}

// RecordInvocation feeds one completed tool call to the metrics window and
// queues it for persistence. It never blocks on the database.
func (a *App) RecordInvocation(inv Invocation) error {
	switch {
	case inv.ToolName == "":
		return fmt.Errorf("%w: tool name is required", ErrInvalidInvocation)
	case inv.LatencyMs < 0:
		return fmt.Errorf("%w: negative latency %d", ErrInvalidInvocation, inv.LatencyMs)
	case inv.QualityScore != nil && (*inv.QualityScore < 0 || *inv.QualityScore > 1):
		return fmt.Errorf("%w: quality score %g outside [0, 1]", ErrInvalidInvocation, *inv.QualityScore)
	}
	_, err := a.buf.Record(toModelInvocation(inv))
	return err
}

// Handle returns the command handle of the self-improvement manager. When
// the loop is disabled, every command on it fails with
// manager.ErrNotRunning.
func (a *App) Handle() *manager.Handle { return a.handle }

// MCPServer returns the MCP server carrying the self_improvement_* tools.
// Tools the host adds to it are recorded as invocations.
func (a *App) MCPServer() *mcpserver.MCPServer { return a.mcp.MCPServer() }

// Setting returns the live value of a parameter key such as
// "global.temperature" or "tool.reasoning_tree.max_tokens", falling back
// through mode and global scope to the declared default.
func (a *App) Setting(key string) (any, bool) {
	scope, name, err := model.ParseScopeKey(key)
	if err != nil {
		return nil, false
	}
	v, err := a.registry.Get(scope, name)
	if err != nil {
		return nil, false
	}
	return fromParamValue(v), true
}

// ResourceLimit returns the live value of a resource limit such as
// "max_concurrent_requests".
func (a *App) ResourceLimit(name string) (int64, bool) {
	v, err := a.registry.Limit(model.ResourceType(name))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Version returns the version the App was built with.
func (a *App) Version() string { return a.version }
