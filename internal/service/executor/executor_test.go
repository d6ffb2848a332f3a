package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/settings"
	"github.com/ashita-ai/kaizen/internal/storage"
	"github.com/ashita-ai/kaizen/internal/storage/sqlite"
	"github.com/ashita-ai/kaizen/internal/testutil"
)

type fixture struct {
	store    *sqlite.Store
	registry *settings.Registry
	exec     *ConfigExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := settings.NewDefaultRegistry()
	return &fixture{store: store, registry: reg, exec: New(reg, store, testutil.TestLogger())}
}

// pendingAction stores the diagnosis and pending action rows an override can
// reference.
func (f *fixture) pendingAction(t *testing.T, action model.SuggestedAction) string {
	t.Helper()
	ctx := context.Background()
	d := model.NewDiagnosis(model.ErrorRateTrigger{Observed: 0.3, Baseline: 0.1, Threshold: 0.15}, "errors", action)
	rec, err := d.Record()
	require.NoError(t, err)
	require.NoError(t, f.store.CreateDiagnosis(ctx, rec))

	id := uuid.NewString()
	raw, err := json.Marshal(action)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateAction(ctx, model.ActionRecord{
		ID: id, DiagnosisID: d.ID, ActionType: string(action.ActionType()), ActionJSON: raw, Outcome: model.OutcomePending,
	}))
	return id
}

func TestApplyAdjustParamCapturesOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Set(model.ModeScope("linear"), "temperature", model.FloatValue(0.9))
	require.NoError(t, err)

	action := model.AdjustParamAction{Name: "temperature", New: model.FloatValue(0.4), Scope: model.ModeScope("linear")}
	id := f.pendingAction(t, action)

	res := f.exec.Apply(ctx, id, action)
	require.True(t, res.Success, res.Message)
	applied := res.Action.(model.AdjustParamAction)
	assert.Equal(t, model.FloatValue(0.9), applied.Old)

	v, _ := f.registry.Get(model.ToolScope("reasoning_linear"), "temperature")
	assert.Equal(t, model.FloatValue(0.4), v)

	o, err := f.store.GetConfigOverride(ctx, "mode.linear.temperature")
	require.NoError(t, err)
	require.NotNil(t, o.AppliedByAction)
	assert.Equal(t, id, *o.AppliedByAction)

	require.NoError(t, f.exec.Rollback(ctx, id))
	v, _ = f.registry.Get(model.ModeScope("linear"), "temperature")
	assert.Equal(t, model.FloatValue(0.9), v)

	o, err = f.store.GetConfigOverride(ctx, "mode.linear.temperature")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"float","value":0.9}`, string(o.ValueJSON))
	assert.Nil(t, o.AppliedByAction)
}

func TestRollbackOfFreshParamRemovesOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action := model.AdjustParamAction{Name: "max_tokens", New: model.IntegerValue(2048), Scope: model.GlobalScope()}
	id := f.pendingAction(t, action)

	res := f.exec.Apply(ctx, id, action)
	require.True(t, res.Success, res.Message)
	assert.Nil(t, res.Action.(model.AdjustParamAction).Old)

	require.NoError(t, f.exec.Rollback(ctx, id))
	_, err := f.store.GetConfigOverride(ctx, "global.max_tokens")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	v, _ := f.registry.Get(model.GlobalScope(), "max_tokens")
	assert.Equal(t, model.IntegerValue(4096), v, "back to default")
}

func TestApplyScaleResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action := model.ScaleResourceAction{ResourceType: model.ResourceMaxConcurrentRequests, Old: 0, New: 16}
	id := f.pendingAction(t, action)

	res := f.exec.Apply(ctx, id, action)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(8), res.Action.(model.ScaleResourceAction).Old)

	limit, _ := f.registry.Limit(model.ResourceMaxConcurrentRequests)
	assert.Equal(t, int64(16), limit)

	require.NoError(t, f.exec.Rollback(ctx, id))
	limit, _ = f.registry.Limit(model.ResourceMaxConcurrentRequests)
	assert.Equal(t, int64(8), limit)
}

func TestApplyRejectsInvalidAction(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Apply(context.Background(), "a1", model.AdjustParamAction{Name: "temperature", New: model.FloatValue(7)})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "out of bounds")

	v, _ := f.registry.Get(model.GlobalScope(), "temperature")
	assert.Equal(t, model.FloatValue(0.7), v)
}

func TestApplyRevertsWhenPersistFails(t *testing.T) {
	f := newFixture(t)
	// No action row: the override's foreign key rejects the write.
	res := f.exec.Apply(context.Background(), "no-such-action",
		model.AdjustParamAction{Name: "temperature", New: model.FloatValue(0.2), Scope: model.GlobalScope()})
	assert.False(t, res.Success)

	_, ok := f.registry.Lookup(model.GlobalScope(), "temperature")
	assert.False(t, ok)
}

func TestNoOpIsRollbackInert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.exec.Apply(ctx, "noop-1", model.NoOpAction{Reason: "transient"})
	require.True(t, res.Success)
	assert.NoError(t, f.exec.Rollback(ctx, "noop-1"))
}

func TestRollbackUnknownAction(t *testing.T) {
	f := newFixture(t)
	err := f.exec.Rollback(context.Background(), "never-applied")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestRollbackFromStoreAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action := model.ScaleResourceAction{ResourceType: model.ResourceCacheSize, New: 5000}
	id := f.pendingAction(t, action)
	res := f.exec.Apply(ctx, id, action)
	require.True(t, res.Success)

	// Persist the applied form the way the cycle does, then forget it in memory.
	raw, err := json.Marshal(res.Action)
	require.NoError(t, err)
	require.NoError(t, f.store.FinishAction(ctx, id, storage.ActionResult{
		Outcome: model.OutcomeCompleted, ActionJSON: raw, ExecutionTimeMs: 10,
	}))

	fresh := New(f.registry, f.store, testutil.TestLogger())
	require.NoError(t, fresh.Rollback(ctx, id))
	limit, _ := f.registry.Limit(model.ResourceCacheSize)
	assert.Equal(t, int64(1000), limit)
}

func TestRestoreLoadsOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertConfigOverride(ctx, model.ConfigOverrideRecord{
		Key: "tool.reasoning_tree.max_tokens", ValueJSON: json.RawMessage(`{"type":"integer","value":2048}`),
	}))
	require.NoError(t, f.store.UpsertConfigOverride(ctx, model.ConfigOverrideRecord{
		Key: ResourceKey(model.ResourceMaxRetries), ValueJSON: json.RawMessage(`{"type":"integer","value":6}`),
	}))
	require.NoError(t, f.store.UpsertConfigOverride(ctx, model.ConfigOverrideRecord{
		Key: "global.unknown_knob", ValueJSON: json.RawMessage(`{"type":"integer","value":1}`),
	}))

	reg := settings.NewDefaultRegistry()
	n, err := New(reg, f.store, testutil.TestLogger()).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, _ := reg.Get(model.ToolScope("reasoning_tree"), "max_tokens")
	assert.Equal(t, model.IntegerValue(2048), v)
	limit, _ := reg.Limit(model.ResourceMaxRetries)
	assert.Equal(t, int64(6), limit)
}
