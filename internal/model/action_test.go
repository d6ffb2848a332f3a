package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/model"
)

func TestSuggestedActionRoundTripPreservesShape(t *testing.T) {
	actions := []model.SuggestedAction{
		model.NoOpAction{Reason: "transient spike", RecheckAfterSecs: 300},
		model.AdjustParamAction{
			Name:  "temperature",
			Old:   model.FloatValue(0.7),
			New:   model.FloatValue(0.3),
			Scope: model.ModeScope("linear"),
		},
		model.AdjustParamAction{
			Name:  "timeout_ms",
			Old:   model.DurationMsValue(30000),
			New:   model.DurationMsValue(45000),
			Scope: model.ToolScope("reasoning_tree"),
		},
		model.ScaleResourceAction{ResourceType: model.ResourceMaxConcurrentRequests, Old: 10, New: 20},
	}

	for _, a := range actions {
		t.Run(string(a.ActionType()), func(t *testing.T) {
			data, err := json.Marshal(a)
			require.NoError(t, err)

			back, err := model.UnmarshalAction(data)
			require.NoError(t, err)
			assert.Equal(t, a.IsNoOp(), back.IsNoOp())
			assert.Equal(t, a.ActionType(), back.ActionType())
			assert.Equal(t, a, back)
		})
	}
}

func TestUnmarshalActionUnknownType(t *testing.T) {
	_, err := model.UnmarshalAction([]byte(`{"type":"restart_process"}`))
	assert.ErrorContains(t, err, "unknown action type")
}

func TestAdjustParamWithoutOldValue(t *testing.T) {
	a := model.AdjustParamAction{Name: "max_tokens", New: model.IntegerValue(2048), Scope: model.GlobalScope()}
	data, err := json.Marshal(a)
	require.NoError(t, err)

	back, err := model.UnmarshalAction(data)
	require.NoError(t, err)
	got := back.(model.AdjustParamAction)
	assert.Nil(t, got.Old)
	assert.Equal(t, model.IntegerValue(2048), got.New)
	assert.Contains(t, got.Describe(), "from unset to 2048")
}

func TestParamValueDisplay(t *testing.T) {
	assert.Equal(t, "42", model.IntegerValue(42).String())
	assert.Equal(t, "0.25", model.FloatValue(0.25).String())
	assert.Equal(t, "fast", model.StringValue("fast").String())
	assert.Equal(t, "true", model.BooleanValue(true).String())
	assert.Equal(t, "1500ms", model.DurationMsValue(1500).String())
}

func TestParamValueEnvelope(t *testing.T) {
	values := []model.ParamValue{
		model.IntegerValue(-3),
		model.FloatValue(1.5),
		model.StringValue("claude"),
		model.BooleanValue(false),
		model.DurationMsValue(250),
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		back, err := model.UnmarshalParamValue(data)
		require.NoError(t, err)
		assert.Equal(t, v, back)
		assert.Equal(t, v.Kind(), back.Kind())
	}
}

func TestNumeric(t *testing.T) {
	f, ok := model.Numeric(model.DurationMsValue(30))
	assert.True(t, ok)
	assert.Equal(t, 30.0, f)

	_, ok = model.Numeric(model.StringValue("x"))
	assert.False(t, ok)
}
