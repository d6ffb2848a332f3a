package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/model"
)

func TestConfigScopeValidate(t *testing.T) {
	require.NoError(t, model.GlobalScope().Validate())
	require.NoError(t, model.ModeScope("LINEAR").Validate())
	require.NoError(t, model.ModeScope("counterfactual").Validate())
	require.NoError(t, model.ToolScope("reasoning_linear").Validate())
	require.NoError(t, model.ToolScope("Reasoning_MCTS").Validate())

	err := model.ModeScope("bogus").Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")

	err = model.ToolScope("invalid_tool").Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tool format")

	err = model.ToolScope("reasoning_").Validate()
	assert.ErrorContains(t, err, "invalid tool format")

	err = model.ToolScope("reasoning_bogus").Validate()
	assert.ErrorContains(t, err, "unknown mode")
}

func TestReasoningModesCount(t *testing.T) {
	assert.Len(t, model.ReasoningModes, 13)
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in   string
		want model.ConfigScope
	}{
		{"", model.GlobalScope()},
		{"global", model.GlobalScope()},
		{"mode:tree", model.ModeScope("tree")},
		{"tool:reasoning_graph", model.ToolScope("reasoning_graph")},
		{"TOOL:reasoning_graph", model.ToolScope("reasoning_graph")},
	}
	for _, tt := range tests {
		got, err := model.ParseScope(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"tool:", "mode", "agent:x"} {
		_, err := model.ParseScope(bad)
		assert.Error(t, err, bad)
	}
}

func TestScopeKeyRoundTrip(t *testing.T) {
	scopes := []model.ConfigScope{
		model.GlobalScope(),
		model.ModeScope("Linear"),
		model.ToolScope("reasoning_tree"),
	}
	for _, s := range scopes {
		key := s.Key("temperature")
		back, param, err := model.ParseScopeKey(key)
		require.NoError(t, err)
		assert.Equal(t, "temperature", param)
		assert.Equal(t, s.Normalize(), back)
	}
	assert.Equal(t, "mode.linear.temperature", model.ModeScope("Linear").Key("temperature"))

	_, _, err := model.ParseScopeKey("temperature")
	assert.Error(t, err)
}

func TestScopeMode(t *testing.T) {
	mode, ok := model.ToolScope("reasoning_Tree").Mode()
	assert.True(t, ok)
	assert.Equal(t, "tree", mode)

	_, ok = model.GlobalScope().Mode()
	assert.False(t, ok)
}

func TestScopeJSONAcceptsStringForm(t *testing.T) {
	var s model.ConfigScope
	require.NoError(t, json.Unmarshal([]byte(`"mode:decision"`), &s))
	assert.Equal(t, model.ModeScope("decision"), s)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"tool","name":"reasoning_auto"}`), &s))
	assert.Equal(t, model.ToolScope("reasoning_auto"), s)
}
