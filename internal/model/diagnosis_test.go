package model_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/model"
)

func TestNewDiagnosisDerivesSeverity(t *testing.T) {
	d := model.NewDiagnosis(
		model.LatencyTrigger{ObservedP95Ms: 200, BaselineMs: 100, ThresholdMs: 150},
		"latency doubled",
		model.NoOpAction{Reason: "wait"},
	)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, model.SeverityCritical, d.Severity)
	assert.Equal(t, model.DiagnosisPending, d.Status)
}

func TestDiagnosisTransitions(t *testing.T) {
	d := model.NewDiagnosis(model.ErrorRateTrigger{Observed: 0.3, Baseline: 0.1, Threshold: 0.15}, "errors", model.NoOpAction{})

	require.Error(t, d.Transition(model.DiagnosisExecuted), "pending cannot jump to executed")
	require.NoError(t, d.Transition(model.DiagnosisApproved))
	require.NoError(t, d.Transition(model.DiagnosisExecuted))
	require.NoError(t, d.Transition(model.DiagnosisRolledBack))
	assert.True(t, d.Status.IsTerminal())

	assert.True(t, model.DiagnosisPending.CanTransition(model.DiagnosisRejected))
	assert.False(t, model.DiagnosisRejected.CanTransition(model.DiagnosisApproved))
	assert.False(t, model.DiagnosisFailed.CanTransition(model.DiagnosisRolledBack))
}

func TestDiagnosisRecordRoundTrip(t *testing.T) {
	d := model.NewDiagnosis(
		model.QualityTrigger{Observed: 0.3, Baseline: 0.8, Minimum: 0.65},
		"quality dropped after model change",
		model.AdjustParamAction{Name: "temperature", Old: model.FloatValue(0.9), New: model.FloatValue(0.5), Scope: model.GlobalScope()},
	)
	d.SuspectedCause = "temperature too high"

	rec, err := d.Record()
	require.NoError(t, err)
	assert.Equal(t, "quality_score", rec.TriggerType)
	assert.Equal(t, "adjust_param", rec.ActionType)
	assert.Equal(t, "high", rec.Severity)
	require.NotNil(t, rec.SuspectedCause)
	assert.Nil(t, rec.ActionRationale)

	back, err := model.DiagnosisFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, d.ID, back.ID)
	assert.Equal(t, d.Trigger, back.Trigger)
	assert.Equal(t, d.Action, back.Action)
	assert.Equal(t, d.SuspectedCause, back.SuspectedCause)
	assert.Equal(t, d.Severity, back.Severity)
}

func TestDiagnosisJSON(t *testing.T) {
	d := model.NewDiagnosis(
		model.ErrorRateTrigger{Observed: 0.2, Baseline: 0.05, Threshold: 0.1},
		"upstream failures",
		model.ScaleResourceAction{ResourceType: model.ResourceMaxRetries, Old: 2, New: 4},
	)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"critical"`)

	var back model.SelfDiagnosis
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d.Action, back.Action)
	assert.Equal(t, d.Trigger, back.Trigger)
}

func TestMetricsSnapshotClamps(t *testing.T) {
	s := model.NewMetricsSnapshot(1.5, -20, -0.1, -4)
	assert.Equal(t, 1.0, s.ErrorRate)
	assert.Equal(t, 0.0, s.LatencyP95Ms)
	assert.Equal(t, 0.0, s.QualityScore)
	assert.Equal(t, int64(0), s.SampleCount)

	s = model.NewMetricsSnapshot(math.NaN(), 120, 2, 10)
	assert.Equal(t, 0.0, s.ErrorRate)
	assert.Equal(t, 120.0, s.LatencyP95Ms)
	assert.Equal(t, 1.0, s.QualityScore)
}

func TestHealthContextTriggered(t *testing.T) {
	h := model.HealthContext{Triggers: []model.TriggerMetric{model.LatencyTrigger{ObservedP95Ms: 10, ThresholdMs: 5}}}
	assert.False(t, h.IsHealthy())
	assert.True(t, h.Triggered(model.MetricLatency))
	assert.False(t, h.Triggered(model.MetricErrorRate))
}
