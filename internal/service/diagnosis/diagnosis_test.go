package diagnosis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/completion"
	"github.com/ashita-ai/kaizen/internal/completion/completiontest"
	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/reward"
	"github.com/ashita-ai/kaizen/internal/settings"
	"github.com/ashita-ai/kaizen/internal/testutil"
)

var (
	testHealth = model.HealthContext{
		Current:          model.NewMetricsSnapshot(0.3, 1200, 0.8, 200),
		Baselines:        model.Baselines{ErrorRate: 0.05, LatencyP95Ms: 1000, QualityScore: 0.8},
		TotalInvocations: 500,
	}
	testTrigger = model.ErrorRateTrigger{Observed: 0.3, Baseline: 0.05, Threshold: 0.075}
)

func newDiagnoser(client completion.Client) *Diagnoser {
	return New(client, settings.NewDefaultRegistry(), Config{Temperature: 0.2}, testutil.TestLogger())
}

func TestDiagnoseParsesFencedJSON(t *testing.T) {
	client := completiontest.New("Here you go:\n```json\n{\"description\": \"upstream timeouts\", \"suspected_cause\": \"provider overload\", \"confidence\": 0.8,}\n```")
	d := newDiagnoser(client)

	f, err := d.Diagnose(context.Background(), testHealth, testTrigger)
	require.NoError(t, err)
	assert.Equal(t, "upstream timeouts", f.Description)
	assert.Equal(t, "provider overload", f.SuspectedCause)
	assert.Equal(t, 0.8, f.Confidence)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, systemPrompt, calls[0].Config.System)
	assert.Contains(t, calls[0].Messages[0].Content, "error_rate: 0.3000")
}

func TestDiagnoseFallsBackToTriggerDescription(t *testing.T) {
	d := newDiagnoser(completiontest.New(`{"suspected_cause": "unknown"}`))
	f, err := d.Diagnose(context.Background(), testHealth, testTrigger)
	require.NoError(t, err)
	assert.Equal(t, testTrigger.Describe(), f.Description)
}

func TestDiagnosePropagatesCompletionError(t *testing.T) {
	d := newDiagnoser(completiontest.New().PushError(completion.FromStatus(401, "bad key", nil)))
	_, err := d.Diagnose(context.Background(), testHealth, testTrigger)
	require.Error(t, err)
	assert.Equal(t, completion.KindAuth, completion.KindOf(err))
}

func TestDiagnoseRejectsProse(t *testing.T) {
	d := newDiagnoser(completiontest.New("I think the server is tired."))
	_, err := d.Diagnose(context.Background(), testHealth, testTrigger)
	assert.Equal(t, completion.KindUnexpectedResponse, completion.KindOf(err))
}

func TestSuggestAdjustParam(t *testing.T) {
	d := newDiagnoser(completiontest.New(`{"action_type": "adjust_param", "param": "temperature", "value": 0.3, "scope": "mode:Linear", "rationale": "less randomness"}`))
	s, err := d.SuggestAction(context.Background(), testHealth, testTrigger, Finding{Description: "x"})
	require.NoError(t, err)

	a, ok := s.Action.(model.AdjustParamAction)
	require.True(t, ok)
	assert.Equal(t, "temperature", a.Name)
	assert.Equal(t, model.FloatValue(0.3), a.New)
	assert.Equal(t, model.FloatValue(0.7), a.Old)
	assert.Equal(t, model.ModeScope("linear"), a.Scope)
	assert.Equal(t, "less randomness", s.Rationale)
}

func TestSuggestScaleResourceAndNoOp(t *testing.T) {
	d := newDiagnoser(completiontest.New(
		`{"action_type": "scale_resource", "resource": "max_retries", "target": 5}`,
		`{"action_type": "no_op", "reason": "transient spike", "recheck_after_secs": 300}`,
	))
	ctx := context.Background()

	s, err := d.SuggestAction(ctx, testHealth, testTrigger, Finding{})
	require.NoError(t, err)
	assert.Equal(t, model.ScaleResourceAction{ResourceType: model.ResourceMaxRetries, Old: 3, New: 5}, s.Action)

	s, err = d.SuggestAction(ctx, testHealth, testTrigger, Finding{})
	require.NoError(t, err)
	assert.True(t, s.Action.IsNoOp())
	assert.Equal(t, int64(300), s.Action.(model.NoOpAction).RecheckAfterSecs)
}

func TestSuggestRejectsMalformedActions(t *testing.T) {
	for _, reply := range []string{
		`{"action_type": "reboot_everything"}`,
		`{"action_type": "adjust_param", "value": 1}`,
		`{"action_type": "adjust_param", "param": "temperature"}`,
		`{"action_type": "adjust_param", "param": "temperature", "value": 1, "scope": "planet:earth"}`,
		`{"action_type": "scale_resource", "resource": "cache_size", "target": "lots"}`,
	} {
		d := newDiagnoser(completiontest.New(reply))
		_, err := d.SuggestAction(context.Background(), testHealth, testTrigger, Finding{})
		assert.Equal(t, completion.KindUnexpectedResponse, completion.KindOf(err), reply)
	}
}

func TestValidateAction(t *testing.T) {
	diag := model.NewDiagnosis(testTrigger, "errors", model.ScaleResourceAction{ResourceType: model.ResourceMaxRetries, Old: 3, New: 5})
	d := newDiagnoser(completiontest.New(
		`{"approve": false, "risk": "HIGH", "concerns": ["retries amplify load"]}`,
		`{"risk": "low"}`,
	))

	v, err := d.ValidateAction(context.Background(), diag)
	require.NoError(t, err)
	assert.False(t, v.Approve)
	assert.Equal(t, "high", v.Risk)
	assert.Equal(t, []string{"retries amplify load"}, v.Concerns)

	_, err = d.ValidateAction(context.Background(), diag)
	assert.Error(t, err)
}

func TestSynthesizeLearning(t *testing.T) {
	diag := model.NewDiagnosis(testTrigger, "errors", model.NoOpAction{Reason: "wait"})
	d := newDiagnoser(completiontest.New(`{"insight": "waiting out spikes works", "applicable_contexts": "error spikes", "recommendations": ["prefer no_op for short spikes"]}`))

	s, err := d.SynthesizeLearning(context.Background(), diag,
		model.ExecutionResult{Action: diag.Action, Success: true}, reward.New(0.4, reward.Breakdown{}, 1))
	require.NoError(t, err)
	assert.Equal(t, "waiting out spikes works", s.Insight)
	assert.Equal(t, []string{"error spikes"}, s.ApplicableContexts)
	assert.Len(t, s.Recommendations, 1)
}

func TestParamValueInference(t *testing.T) {
	cases := map[string]model.ParamValue{
		`{"v": 3}`:    model.IntegerValue(3),
		`{"v": 3.5}`:  model.FloatValue(3.5),
		`{"v": 1.0}`:  model.FloatValue(1),
		`{"v": true}`: model.BooleanValue(true),
		`{"v": "text"}`:  model.StringValue("text"),
		`{"v": "750ms"}`: model.DurationMsValue(750),
		`{"v": {"type": "duration_ms", "value": 20}}`: model.DurationMsValue(20),
	}
	for raw, want := range cases {
		obj, err := extractJSON(raw)
		require.NoError(t, err)
		assert.Equal(t, want, paramValue(obj.Get("v")), raw)
	}
}
