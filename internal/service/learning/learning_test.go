package learning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/reward"
)

func TestLearnerRunningSummary(t *testing.T) {
	l := NewLearner()
	adjust := model.AdjustParamAction{Name: "temperature", New: model.FloatValue(0.3)}
	scale := model.ScaleResourceAction{ResourceType: model.ResourceCacheSize, Old: 100, New: 200}

	l.Learn("a1", adjust, reward.New(0.6, reward.Breakdown{}, 1), "", nil, nil)
	l.Learn("a2", adjust, reward.New(-0.2, reward.Breakdown{}, 1), "", nil, nil)
	l.Learn("a3", scale, reward.New(0.2, reward.Breakdown{}, 1), "", nil, nil)
	l.Learn("a4", scale, reward.New(0, reward.Breakdown{}, 1), "", nil, nil)

	s := l.Summary()
	assert.Equal(t, 4, s.TotalLessons)
	assert.InDelta(t, 0.15, s.AvgReward, 1e-9)
	assert.Equal(t, 2, s.Successful)
	assert.Equal(t, 1, s.Failed)

	adj := s.ByType["adjust_param"]
	assert.Equal(t, 2, adj.Count)
	assert.InDelta(t, 0.2, adj.AvgReward, 1e-9)
	assert.Equal(t, 1, adj.Successful)
	assert.Equal(t, 1, adj.Failed)

	sc := s.ByType["scale_resource"]
	assert.Equal(t, 2, sc.Count)
	assert.InDelta(t, 0.1, sc.AvgReward, 1e-9)
	assert.Equal(t, 0, sc.Failed)
}

func TestSummaryIsACopy(t *testing.T) {
	l := NewLearner()
	l.Learn("a1", model.NoOpAction{}, reward.New(0.5, reward.Breakdown{}, 1), "", nil, nil)

	s := l.Summary()
	s.ByType["no_op"] = TypeSummary{Count: 99}

	assert.Equal(t, 1, l.Summary().ByType["no_op"].Count)
}

func TestDefaultInsight(t *testing.T) {
	l := NewLearner()
	lesson := l.Learn("a1", model.ScaleResourceAction{ResourceType: model.ResourceMaxRetries, Old: 1, New: 3},
		reward.New(0.4, reward.Breakdown{}, 0.8), "", nil, nil)
	assert.Contains(t, lesson.Insight, "improved health")
	assert.Contains(t, lesson.Insight, "+0.40")

	lesson = l.Learn("a2", model.NoOpAction{}, reward.New(0.1, reward.Breakdown{}, 1), "cache warmed up", nil, nil)
	assert.Equal(t, "cache warmed up", lesson.Insight)
}

func TestLessonToRecord(t *testing.T) {
	l := NewLearner()
	lesson := l.Learn("action-1", model.NoOpAction{Reason: "wait"}, reward.New(0.3, reward.Breakdown{Latency: 0.5}, 0.7),
		"waiting worked", []string{"mode:linear"}, []string{"prefer waiting on transient spikes"})

	rec, err := lesson.ToRecord()
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "action-1", rec.ActionID)
	assert.Equal(t, 0.3, rec.RewardValue)
	assert.Equal(t, 0.7, rec.Confidence)

	var lessons []Lesson
	require.NoError(t, json.Unmarshal(rec.LessonsJSON, &lessons))
	require.Len(t, lessons, 1)
	assert.Equal(t, "waiting worked", lessons[0].Insight)

	var recs []string
	require.NoError(t, json.Unmarshal(rec.RecommendationsJSON, &recs))
	assert.Equal(t, []string{"prefer waiting on transient spikes"}, recs)
}
