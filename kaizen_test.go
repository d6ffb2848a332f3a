package kaizen

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/completion"
	"github.com/ashita-ai/kaizen/internal/service/manager"
	"github.com/ashita-ai/kaizen/internal/storage/sqlite"
	"github.com/ashita-ai/kaizen/internal/testutil"
)

// fakeCompletion replays canned replies in order and fails once they run out.
type fakeCompletion struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []CompletionRequest
}

func (f *fakeCompletion) Complete(_ context.Context, req CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no reply scripted")
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return next, nil
}

// testEnv pins every setting New reads so the host environment cannot leak in.
func testEnv(t *testing.T, dbPath string) {
	t.Helper()
	t.Setenv("KAIZEN_DB_DRIVER", "sqlite")
	t.Setenv("KAIZEN_DATABASE_URL", dbPath)
	t.Setenv("KAIZEN_CONFIG_FILE", "")
	t.Setenv("KAIZEN_SELF_IMPROVEMENT_ENABLED", "true")
	t.Setenv("KAIZEN_MIN_INVOCATIONS", "10")
	t.Setenv("KAIZEN_MEASUREMENT_WINDOW", "10ms")
	t.Setenv("KAIZEN_REQUIRE_APPROVAL", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
}

func runApp(t *testing.T, app *App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	return cancel, done
}

func stopApp(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoopApprovesAndPersistsTuning(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kaizen.db")
	testEnv(t, dbPath)

	client := &fakeCompletion{replies: []string{
		`{"description": "most calls fail", "suspected_cause": "sampling too loose", "confidence": 0.8}`,
		`{"action_type": "adjust_param", "param": "temperature", "value": 0.3, "scope": "global", "rationale": "tighter sampling"}`,
		`{"insight": "lower temperature reduced failures"}`,
	}}
	app, err := New(WithLogger(testutil.TestLogger()), WithCompletionClient(client), WithVersion("test"))
	require.NoError(t, err)
	assert.Equal(t, "test", app.Version())

	cancel, done := runApp(t, app)
	ctx := context.Background()

	for range 60 {
		require.NoError(t, app.RecordInvocation(Invocation{ToolName: "reasoning_linear", LatencyMs: 100}))
	}

	res, err := app.Handle().TriggerCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	require.Len(t, res.PendingApproval, 1)

	pending, err := app.Handle().PendingDiagnoses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.PendingApproval[0], pending[0].ID)

	out, err := app.Handle().Approve(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, pending[0].ID, out.DiagnosisID)
	require.Len(t, out.ExecutionResults, 1)
	assert.True(t, out.ExecutionResults[0].Success, out.ExecutionResults[0].Message)

	v, ok := app.Setting("global.temperature")
	require.True(t, ok)
	assert.InDelta(t, 0.3, v, 1e-9)

	status := app.Handle().Status(ctx)
	assert.EqualValues(t, 1, status.TotalActionsExecuted)
	assert.EqualValues(t, 1, status.Approvals)

	stopApp(t, cancel, done)
	assert.False(t, app.Handle().IsRunning())
	require.NoError(t, app.Shutdown(context.Background()), "second Shutdown is a no-op")

	// The override and the flushed invocations survive a restart.
	reopened, err := New(WithLogger(testutil.TestLogger()), WithCompletionClient(&fakeCompletion{}))
	require.NoError(t, err)
	defer func() { _ = reopened.Shutdown(context.Background()) }()

	v, ok = reopened.Setting("global.temperature")
	require.True(t, ok)
	assert.InDelta(t, 0.3, v, 1e-9)
}

func TestLoopDisabledWithoutCompletionClient(t *testing.T) {
	testEnv(t, ":memory:")

	app, err := New(WithLogger(testutil.TestLogger()))
	require.NoError(t, err)

	_, err = app.Handle().TriggerCycle(context.Background())
	require.ErrorIs(t, err, manager.ErrNotRunning)
	assert.False(t, app.Handle().LastStatus().Running)

	require.NoError(t, app.RecordInvocation(Invocation{ToolName: "reasoning_tree", LatencyMs: 20, Success: true}))
	assert.NotNil(t, app.MCPServer())

	cancel, done := runApp(t, app)
	stopApp(t, cancel, done)
}

func TestLoopDisabledByConfig(t *testing.T) {
	testEnv(t, ":memory:")
	t.Setenv("KAIZEN_SELF_IMPROVEMENT_ENABLED", "false")

	client := &fakeCompletion{}
	app, err := New(WithLogger(testutil.TestLogger()), WithCompletionClient(client))
	require.NoError(t, err)
	defer func() { _ = app.Shutdown(context.Background()) }()

	_, err = app.Handle().Approve(context.Background(), "d1")
	require.ErrorIs(t, err, manager.ErrNotRunning)
}

func TestRecordInvocationValidates(t *testing.T) {
	testEnv(t, ":memory:")
	app, err := New(WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	defer func() { _ = app.Shutdown(context.Background()) }()

	bad := 1.5
	good := 0.9
	tests := []struct {
		name    string
		inv     Invocation
		wantErr bool
	}{
		{name: "valid", inv: Invocation{ToolName: "t", LatencyMs: 5, Success: true, QualityScore: &good}},
		{name: "missing tool", inv: Invocation{LatencyMs: 5}, wantErr: true},
		{name: "negative latency", inv: Invocation{ToolName: "t", LatencyMs: -1}, wantErr: true},
		{name: "quality out of range", inv: Invocation{ToolName: "t", QualityScore: &bad}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := app.RecordInvocation(tt.inv)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInvocation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestWithSettingsReplacesAllowlist(t *testing.T) {
	testEnv(t, ":memory:")
	app, err := New(
		WithLogger(testutil.TestLogger()),
		WithSettings(
			Param{Name: "beam_width", Kind: ParamInteger, Default: 4, Min: 1, Max: 16},
			Param{Name: "think_timeout", Kind: ParamDurationMs, Default: 2 * time.Second, Min: 100, Max: 60000},
		),
	)
	require.NoError(t, err)
	defer func() { _ = app.Shutdown(context.Background()) }()

	v, ok := app.Setting("tool.reasoning_tree.beam_width")
	require.True(t, ok)
	assert.Equal(t, int64(4), v)

	v, ok = app.Setting("global.think_timeout")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, v)

	_, ok = app.Setting("global.temperature")
	assert.False(t, ok, "default params are replaced")
	_, ok = app.Setting("not-a-key")
	assert.False(t, ok)

	limit, ok := app.ResourceLimit("max_retries")
	require.True(t, ok)
	assert.Equal(t, int64(3), limit)
	_, ok = app.ResourceLimit("gpu_count")
	assert.False(t, ok)
}

func TestWithSettingsRejectsBadParams(t *testing.T) {
	tests := []struct {
		name      string
		params    []Param
		errSubstr string
	}{
		{name: "kind mismatch", params: []Param{{Name: "p", Kind: ParamBoolean, Default: "yes"}}, errSubstr: "does not match kind"},
		{name: "unknown kind", params: []Param{{Name: "p", Kind: "complex", Default: 1}}, errSubstr: "unknown kind"},
		{name: "duplicate", params: []Param{
			{Name: "p", Kind: ParamString, Default: "a"},
			{Name: "p", Kind: ParamString, Default: "b"},
		}, errSubstr: "declared twice"},
		{name: "inverted bounds", params: []Param{{Name: "p", Kind: ParamFloat, Default: 0.5, Min: 1, Max: 0}}, errSubstr: "above max"},
		{name: "no name", params: []Param{{Kind: ParamString, Default: "a"}}, errSubstr: "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := toParamSpecs(tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestNewRejectsBadDriverOverride(t *testing.T) {
	testEnv(t, ":memory:")
	_, err := New(WithLogger(testutil.TestLogger()), WithDriver("mysql"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAIZEN_DB_DRIVER")
}

func TestMigrateRunsExtraMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kaizen.db")
	testEnv(t, dbPath)

	extra := fstest.MapFS{
		"900_notes.sql": {Data: []byte(`CREATE TABLE operator_notes (id TEXT PRIMARY KEY, body TEXT NOT NULL);`)},
	}
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, WithLogger(testutil.TestLogger()), WithExtraMigrations(extra)))
	// A second run finds nothing to apply.
	require.NoError(t, Migrate(ctx, WithLogger(testutil.TestLogger()), WithExtraMigrations(extra)))

	store, err := sqlite.Open(ctx, dbPath, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	var name string
	err = store.DB().QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'operator_notes'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "operator_notes", name)
}

func TestCompletionAdapter(t *testing.T) {
	fake := &fakeCompletion{replies: []string{"ok"}}
	adapter := completionAdapter{c: fake}

	resp, err := adapter.Complete(context.Background(),
		[]completion.Message{completion.User("hello")},
		completion.Config{Model: "m", System: "sys", MaxTokens: 64, Temperature: completion.Temperature(0.1)},
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, "sys", req.System)
	assert.Equal(t, int64(64), req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.1, *req.Temperature, 1e-9)
	assert.Equal(t, []Message{{Role: "user", Content: "hello"}}, req.Messages)

	fake.err = errors.New("connection reset")
	_, err = adapter.Complete(context.Background(), []completion.Message{completion.User("x")}, completion.Config{})
	require.Error(t, err)
	assert.Equal(t, completion.KindNetwork, completion.KindOf(err))
	assert.True(t, completion.IsRetryable(err))

	fake.err = completion.FromStatus(401, "bad key", nil)
	_, err = adapter.Complete(context.Background(), []completion.Message{completion.User("x")}, completion.Config{})
	assert.Equal(t, completion.KindAuth, completion.KindOf(err))
}

func TestPurgeInvocationsHonorsRetention(t *testing.T) {
	testEnv(t, ":memory:")
	t.Setenv("KAIZEN_INVOCATION_RETENTION", "24h")
	app, err := New(WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	defer func() { _ = app.Shutdown(context.Background()) }()

	now := time.Now().UTC()
	require.NoError(t, app.RecordInvocation(Invocation{ToolName: "stale", LatencyMs: 1, CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, app.RecordInvocation(Invocation{ToolName: "fresh", LatencyMs: 1, CreatedAt: now.Add(-time.Hour)}))

	ctx := context.Background()
	app.buf.Flush(ctx)
	app.purgeInvocations(ctx)

	left, err := app.store.GetRecentInvocations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].ToolName)
}
