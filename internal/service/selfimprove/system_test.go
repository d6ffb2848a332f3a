package selfimprove

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/completion"
	"github.com/ashita-ai/kaizen/internal/completion/completiontest"
	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/diagnosis"
	"github.com/ashita-ai/kaizen/internal/service/executor"
	"github.com/ashita-ai/kaizen/internal/settings"
	"github.com/ashita-ai/kaizen/internal/storage"
	"github.com/ashita-ai/kaizen/internal/storage/sqlite"
	"github.com/ashita-ai/kaizen/internal/testutil"
)

var errorTrigger = model.ErrorRateTrigger{Observed: 0.3, Baseline: 0.05, Threshold: 0.075}

// fakeMetrics serves a fixed health view and a queue of snapshots.
type fakeMetrics struct {
	total       int64
	health      model.HealthContext
	healthErr   error
	snapshots   []model.MetricsSnapshot
	healthCalls int
	baselines   int
	marks       []int64
}

func (m *fakeMetrics) Health(context.Context) (model.HealthContext, error) {
	m.healthCalls++
	return m.health, m.healthErr
}

func (m *fakeMetrics) Snapshot(context.Context) (model.MetricsSnapshot, error) {
	if len(m.snapshots) == 0 {
		return model.NewMetricsSnapshot(0, 0, 1, 0), nil
	}
	s := m.snapshots[0]
	if len(m.snapshots) > 1 {
		m.snapshots = m.snapshots[1:]
	}
	return s, nil
}

// SnapshotSince serves the same queue as Snapshot and remembers the mark.
func (m *fakeMetrics) SnapshotSince(ctx context.Context, mark int64) (model.MetricsSnapshot, error) {
	m.marks = append(m.marks, mark)
	return m.Snapshot(ctx)
}

func (m *fakeMetrics) TotalInvocations() int64             { return m.total }
func (m *fakeMetrics) UpdateBaselines(model.HealthContext) { m.baselines++ }

// countingStore records every call the system makes to the store.
type countingStore struct {
	storage.Store
	mu      sync.Mutex
	calls   map[string]int
	created []model.DiagnosisStatus
}

func (c *countingStore) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
}

func (c *countingStore) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *countingStore) CreateDiagnosis(ctx context.Context, rec model.DiagnosisRecord) error {
	c.record("CreateDiagnosis")
	c.mu.Lock()
	c.created = append(c.created, rec.Status)
	c.mu.Unlock()
	return c.Store.CreateDiagnosis(ctx, rec)
}

func (c *countingStore) UpdateDiagnosisStatus(ctx context.Context, id string, st model.DiagnosisStatus) error {
	c.record("UpdateDiagnosisStatus")
	return c.Store.UpdateDiagnosisStatus(ctx, id, st)
}

func (c *countingStore) ListDiagnosesByStatus(ctx context.Context, st model.DiagnosisStatus, limit int) ([]model.DiagnosisRecord, error) {
	c.record("ListDiagnosesByStatus")
	return c.Store.ListDiagnosesByStatus(ctx, st, limit)
}

func (c *countingStore) CreateAction(ctx context.Context, rec model.ActionRecord) error {
	c.record("CreateAction")
	return c.Store.CreateAction(ctx, rec)
}

func (c *countingStore) FinishAction(ctx context.Context, id string, res storage.ActionResult) error {
	c.record("FinishAction")
	return c.Store.FinishAction(ctx, id, res)
}

func (c *countingStore) GetAction(ctx context.Context, id string) (model.ActionRecord, error) {
	c.record("GetAction")
	return c.Store.GetAction(ctx, id)
}

func (c *countingStore) UpdateActionOutcome(ctx context.Context, id string, o model.ActionOutcome, msg *string) error {
	c.record("UpdateActionOutcome")
	return c.Store.UpdateActionOutcome(ctx, id, o, msg)
}

func (c *countingStore) CreateLearning(ctx context.Context, rec model.LearningRecord) error {
	c.record("CreateLearning")
	return c.Store.CreateLearning(ctx, rec)
}

func (c *countingStore) UpsertConfigOverride(ctx context.Context, rec model.ConfigOverrideRecord) error {
	c.record("UpsertConfigOverride")
	return c.Store.UpsertConfigOverride(ctx, rec)
}

type harness struct {
	sys      *System
	llm      *completiontest.Scripted
	metrics  *fakeMetrics
	store    *countingStore
	raw      *sqlite.Store
	registry *settings.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	raw, err := sqlite.Open(context.Background(), ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	h := &harness{
		llm:      completiontest.New(),
		raw:      raw,
		store:    &countingStore{Store: raw, calls: make(map[string]int)},
		registry: settings.NewDefaultRegistry(),
		metrics: &fakeMetrics{
			total: 100,
			health: model.HealthContext{
				Current:          model.NewMetricsSnapshot(0.3, 900, 0.8, 100),
				Baselines:        model.Baselines{ErrorRate: 0.05, LatencyP95Ms: 1000, QualityScore: 0.8},
				Triggers:         []model.TriggerMetric{errorTrigger},
				TotalInvocations: 100,
			},
			snapshots: []model.MetricsSnapshot{
				model.NewMetricsSnapshot(0.3, 900, 0.8, 100),
				model.NewMetricsSnapshot(0.1, 900, 0.8, 100),
			},
		},
	}
	h.sys = h.newSystem(t, cfg)
	return h
}

func (h *harness) newSystem(t *testing.T, cfg Config) *System {
	t.Helper()
	logger := testutil.TestLogger()
	sys, err := New(cfg, Deps{
		Metrics:   h.metrics,
		Diagnoser: diagnosis.New(h.llm, h.registry, diagnosis.Config{}, logger),
		Executor:  executor.New(h.registry, h.store, logger),
		Validator: h.registry,
		Store:     h.store,
		Logger:    logger,
	})
	require.NoError(t, err)
	return sys
}

func testConfig(requireApproval bool) Config {
	cfg := DefaultConfig()
	cfg.RequireApproval = requireApproval
	cfg.MeasurementWindow = 0
	return cfg
}

const (
	diagnoseReply = `{"description": "upstream errors", "suspected_cause": "provider flakiness", "confidence": 0.7}`
	retriesReply  = `{"action_type": "scale_resource", "resource": "max_retries", "target": 5, "rationale": "retry transient failures"}`
	learnReply    = `{"insight": "more retries absorbed provider errors", "applicable_contexts": ["error spikes"], "recommendations": ["keep retries at 5"]}`
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorContains(t, err, "metrics source is required")
}

func TestBlockedCycleTouchesNothing(t *testing.T) {
	h := newHarness(t, testConfig(false))
	for range h.sys.cfg.Breaker.FailureThreshold {
		h.sys.breaker.RecordFailure()
	}

	res := h.sys.RunCycle(context.Background())
	assert.True(t, res.Blocked)
	assert.Equal(t, "blocked", res.Outcome())
	assert.Empty(t, res.ExecutionResults)
	assert.Equal(t, 0, h.llm.CallCount(), "no diagnosis calls")
	assert.Equal(t, 0, h.store.total(), "no storage calls")
	assert.Equal(t, 0, h.metrics.healthCalls)
	assert.Equal(t, int64(1), h.sys.Stats().BlockedCycles)
}

func TestCycleBelowMinInvocationsSkips(t *testing.T) {
	h := newHarness(t, testConfig(false))
	h.metrics.total = 10

	assert.False(t, h.sys.ShouldRunCycle())
	res := h.sys.RunCycle(context.Background())
	assert.False(t, res.Blocked)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.SkipReason, "10 invocations")
	assert.False(t, res.Failed())
	assert.Equal(t, 0, h.llm.CallCount())
	assert.Equal(t, 0, h.metrics.healthCalls)
}

func TestHealthyCycleIsSuccessfulNoOp(t *testing.T) {
	h := newHarness(t, testConfig(false))
	h.metrics.health.Triggers = nil

	res := h.sys.RunCycle(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, "skipped", res.Outcome())
	require.NotNil(t, res.Analysis)
	assert.Equal(t, 1, h.metrics.baselines)
	assert.Equal(t, 0, h.llm.CallCount())
	assert.Equal(t, BreakerClosed, h.sys.Breaker().State)
}

func TestCycleQueuesDiagnosisForApproval(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.llm.Push(diagnoseReply).Push(retriesReply)
	ctx := context.Background()

	res := h.sys.RunCycle(ctx)
	require.Empty(t, res.Error)
	require.Len(t, res.PendingApproval, 1)
	assert.Empty(t, res.ExecutionResults)
	assert.False(t, res.Failed())

	id := res.PendingApproval[0]
	pending := h.sys.Pending(0)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, model.MetricErrorRate, pending[0].TriggerType)
	assert.Equal(t, "provider flakiness", pending[0].SuspectedCause)

	rec, err := h.raw.GetDiagnosis(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisPending, rec.Status)

	limit, _ := h.registry.Limit(model.ResourceMaxRetries)
	assert.Equal(t, int64(3), limit, "nothing executed before approval")
	assert.Equal(t, 0, h.store.calls["CreateAction"])
}

func TestApproveExecutesAndLearns(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.llm.Push(diagnoseReply).Push(retriesReply).Push(learnReply)
	ctx := context.Background()

	id := h.sys.RunCycle(ctx).PendingApproval[0]

	out, err := h.sys.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, out.DiagnosisID)
	require.Len(t, out.ExecutionResults, 1)
	exec := out.ExecutionResults[0]
	require.True(t, exec.Success, exec.Message)
	require.NotNil(t, exec.MeasuredImprovement)
	assert.Greater(t, *exec.MeasuredImprovement, 0.0)

	require.Len(t, out.Learnings, 1)
	assert.Equal(t, "more retries absorbed provider errors", out.Learnings[0].Insight)
	assert.True(t, out.Learnings[0].Significant)

	limit, _ := h.registry.Limit(model.ResourceMaxRetries)
	assert.Equal(t, int64(5), limit)
	assert.Empty(t, h.sys.Pending(0))
	assert.Equal(t, int64(1), h.sys.Stats().ActionsExecuted)
	assert.Equal(t, 1, h.sys.LearningSummary().TotalLessons)

	action, err := h.raw.GetAction(ctx, exec.ActionID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, action.Outcome)
	assert.NotEmpty(t, action.PostMetricsJSON)
	applied, err := model.UnmarshalAction(action.ActionJSON)
	require.NoError(t, err)
	assert.Equal(t, int64(3), applied.(model.ScaleResourceAction).Old)

	rec, err := h.raw.GetDiagnosis(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisExecuted, rec.Status)

	learnings, err := h.raw.ListLearningsByAction(ctx, exec.ActionID)
	require.NoError(t, err)
	assert.Len(t, learnings, 1)
}

func TestApproveUnknownDiagnosisNamesID(t *testing.T) {
	h := newHarness(t, testConfig(true))
	_, err := h.sys.Approve(context.Background(), "diag-404")
	require.ErrorIs(t, err, ErrDiagnosisNotFound)
	assert.Contains(t, err.Error(), "diag-404")
}

func TestRejectKeepsDiagnosisPending(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.llm.Push(diagnoseReply).Push(retriesReply)
	ctx := context.Background()
	id := h.sys.RunCycle(ctx).PendingApproval[0]

	require.NoError(t, h.sys.Reject(ctx, id, "too risky"))
	assert.Len(t, h.sys.Pending(0), 1)
	rec, err := h.raw.GetDiagnosis(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisPending, rec.Status)

	err = h.sys.Reject(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrDiagnosisNotFound)
}

func TestAutoExecuteInvalidActionFails(t *testing.T) {
	h := newHarness(t, testConfig(false))
	h.llm.Push(diagnoseReply).Push(`{"action_type": "adjust_param", "param": "temperature", "value": 7.5}`)
	ctx := context.Background()

	res := h.sys.RunCycle(ctx)
	require.Len(t, res.ExecutionResults, 1)
	assert.False(t, res.ExecutionResults[0].Success)
	assert.Contains(t, res.ExecutionResults[0].Message, "out of bounds")
	assert.True(t, res.Failed())
	assert.Equal(t, 1, h.sys.Breaker().ConsecutiveFailures)
	assert.Equal(t, 0, h.store.calls["CreateAction"])

	rec, err := h.raw.GetDiagnosis(ctx, res.Analysis.Diagnoses[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisFailed, rec.Status)
}

func TestDiagnoserFailureDoesNotAbortSiblings(t *testing.T) {
	h := newHarness(t, testConfig(false))
	h.metrics.health.Triggers = []model.TriggerMetric{
		errorTrigger,
		model.LatencyTrigger{ObservedP95Ms: 3000, BaselineMs: 1000, ThresholdMs: 1500},
	}
	h.llm.PushError(completion.FromStatus(529, "overloaded", nil)).
		Push(diagnoseReply).Push(`{"action_type": "no_op", "reason": "wait it out"}`).
		Push(learnReply)

	res := h.sys.RunCycle(context.Background())
	require.Empty(t, res.Error)
	require.Len(t, res.ExecutionResults, 2)
	assert.False(t, res.ExecutionResults[0].Success)
	assert.True(t, res.ExecutionResults[1].Success, res.ExecutionResults[1].Message)
	assert.False(t, res.Failed())
	assert.Equal(t, "success", res.Outcome())
}

func TestCycleLevelErrorTripsBreaker(t *testing.T) {
	cfg := testConfig(false)
	cfg.Breaker.FailureThreshold = 2
	h := newHarness(t, cfg)
	h.metrics.healthErr = errors.New("metrics window unavailable")
	ctx := context.Background()

	res := h.sys.RunCycle(ctx)
	assert.Contains(t, res.Error, "metrics window unavailable")
	assert.Equal(t, "failed", res.Outcome())
	assert.Equal(t, BreakerClosed, h.sys.Breaker().State)

	h.sys.RunCycle(ctx)
	assert.Equal(t, BreakerOpen, h.sys.Breaker().State)
	assert.True(t, h.sys.RunCycle(ctx).Blocked)

	st := h.sys.Stats()
	assert.Equal(t, int64(3), st.TotalCycles)
	assert.Equal(t, int64(2), st.FailedCycles)
	assert.Equal(t, int64(1), st.BlockedCycles)
	assert.Contains(t, st.LastError, "metrics window unavailable")
}

func TestMaxActionsPerCycle(t *testing.T) {
	cfg := testConfig(true)
	cfg.MaxActionsPerCycle = 1
	h := newHarness(t, cfg)
	h.metrics.health.Triggers = []model.TriggerMetric{
		errorTrigger,
		model.LatencyTrigger{ObservedP95Ms: 3000, BaselineMs: 1000, ThresholdMs: 1500},
		model.QualityTrigger{Observed: 0.4, Baseline: 0.8, Minimum: 0.64},
	}
	h.llm.Always(`{"action_type": "no_op", "description": "x"}`)

	res := h.sys.RunCycle(context.Background())
	assert.Len(t, res.PendingApproval, 1)
	assert.Equal(t, 2, h.llm.CallCount(), "one diagnose and one suggest")
}

func TestLLMReviewCanVeto(t *testing.T) {
	cfg := testConfig(false)
	cfg.ValidateWithLLM = true
	h := newHarness(t, cfg)
	h.llm.Push(diagnoseReply).Push(retriesReply).
		Push(`{"approve": false, "risk": "high", "concerns": ["retry storms"]}`)

	res := h.sys.RunCycle(context.Background())
	require.Len(t, res.ExecutionResults, 1)
	assert.False(t, res.ExecutionResults[0].Success)
	assert.Contains(t, res.ExecutionResults[0].Message, "retry storms")

	limit, _ := h.registry.Limit(model.ResourceMaxRetries)
	assert.Equal(t, int64(3), limit)
}

func TestRollbackRestoresAndMarksRecords(t *testing.T) {
	h := newHarness(t, testConfig(false))
	h.llm.Push(diagnoseReply).Push(retriesReply).Push(learnReply)
	ctx := context.Background()

	res := h.sys.RunCycle(ctx)
	require.Len(t, res.ExecutionResults, 1)
	exec := res.ExecutionResults[0]
	require.True(t, exec.Success, exec.Message)

	require.NoError(t, h.sys.Rollback(ctx, exec.ActionID))
	limit, _ := h.registry.Limit(model.ResourceMaxRetries)
	assert.Equal(t, int64(3), limit)
	assert.Equal(t, int64(1), h.sys.Stats().ActionsRolledBack)

	action, err := h.raw.GetAction(ctx, exec.ActionID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRolledBack, action.Outcome)
	rec, err := h.raw.GetDiagnosis(ctx, exec.DiagnosisID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisRolledBack, rec.Status)

	err = h.sys.Rollback(ctx, "missing-action")
	require.ErrorIs(t, err, executor.ErrUnknownAction)
	assert.Equal(t, int64(1), h.sys.Stats().ActionsRolledBack)
}

func TestRestoreReloadsPendingDiagnoses(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.llm.Push(diagnoseReply).Push(retriesReply)
	ctx := context.Background()
	id := h.sys.RunCycle(ctx).PendingApproval[0]

	fresh := h.newSystem(t, testConfig(true))
	n, err := fresh.Restore(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, fresh.Pending(0), 1)
	assert.Equal(t, id, fresh.Pending(0)[0].ID)

	h.llm.Push(learnReply)
	out, err := fresh.Approve(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.ExecutionResults[0].Success)
}

func TestAutoExecuteSavesDiagnosisAsPendingFirst(t *testing.T) {
	h := newHarness(t, testConfig(false))
	h.llm.Push(diagnoseReply).Push(retriesReply).Push(learnReply)
	ctx := context.Background()

	res := h.sys.RunCycle(ctx)
	require.Len(t, res.ExecutionResults, 1)
	require.True(t, res.ExecutionResults[0].Success, res.ExecutionResults[0].Message)

	assert.Equal(t, []model.DiagnosisStatus{model.DiagnosisPending}, h.store.created)
	assert.Equal(t, 2, h.store.calls["UpdateDiagnosisStatus"], "approved, then executed")
	rec, err := h.raw.GetDiagnosis(ctx, res.ExecutionResults[0].DiagnosisID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisExecuted, rec.Status)
}

func TestRewardConfidenceComesFromPostActionSamples(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.metrics.snapshots = []model.MetricsSnapshot{
		model.NewMetricsSnapshot(0.3, 900, 0.8, 1000),
		model.NewMetricsSnapshot(0.1, 900, 0.8, 20),
	}
	h.llm.Push(diagnoseReply).Push(retriesReply).Push(learnReply)
	ctx := context.Background()
	id := h.sys.RunCycle(ctx).PendingApproval[0]

	out, err := h.sys.Approve(ctx, id)
	require.NoError(t, err)
	require.Len(t, out.Learnings, 1)
	assert.Equal(t, []int64{h.metrics.total}, h.metrics.marks, "measured from the apply-time total")
	assert.InDelta(t, 0.2, out.Learnings[0].Reward.Confidence, 1e-9)
	assert.Greater(t, out.Learnings[0].Reward.Value, 0.0)
}

func TestUnmeasuredActionScoresNeutral(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.metrics.snapshots = []model.MetricsSnapshot{
		model.NewMetricsSnapshot(0.3, 900, 0.8, 1000),
		model.NewMetricsSnapshot(0, 0, 0.8, 0),
	}
	h.llm.Push(diagnoseReply).Push(retriesReply).Push(learnReply)
	ctx := context.Background()
	id := h.sys.RunCycle(ctx).PendingApproval[0]

	out, err := h.sys.Approve(ctx, id)
	require.NoError(t, err)
	require.Len(t, out.Learnings, 1)
	assert.Zero(t, out.Learnings[0].Reward.Value)
	assert.Zero(t, out.Learnings[0].Reward.Confidence)
	assert.False(t, out.Learnings[0].Significant)
}

func TestSkippedCyclesDoNotCloseHalfOpenBreaker(t *testing.T) {
	cfg := testConfig(false)
	cfg.Breaker = BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, SuccessThreshold: 1}
	h := newHarness(t, cfg)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.sys.breaker.now = clock.Now

	h.sys.breaker.RecordFailure()
	clock.Advance(2 * time.Minute)
	require.Equal(t, BreakerHalfOpen, h.sys.Breaker().State)

	h.metrics.total = 10
	assert.True(t, h.sys.RunCycle(context.Background()).Skipped)
	assert.Equal(t, BreakerHalfOpen, h.sys.Breaker().State, "too few invocations is no trial")

	h.metrics.total = 100
	h.metrics.health.Triggers = nil
	assert.True(t, h.sys.RunCycle(context.Background()).Skipped)
	assert.Equal(t, BreakerHalfOpen, h.sys.Breaker().State, "a healthy no-op is no trial either")
}

func TestCycleResultJSON(t *testing.T) {
	h := newHarness(t, testConfig(false))
	h.metrics.total = 0
	res := h.sys.RunCycle(context.Background())

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"blocked":false`)
	assert.Contains(t, string(data), `"execution_results":[]`)
}
