// Package learning wraps numeric rewards with qualitative lessons and keeps a
// running summary of everything the loop has learned.
package learning

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/reward"
)

// Lesson is what one executed action taught the loop.
type Lesson struct {
	ActionID           string            `json:"action_id"`
	ActionType         model.ActionType  `json:"action_type"`
	Insight            string            `json:"insight"`
	Reward             reward.Normalized `json:"reward"`
	ApplicableContexts []string          `json:"applicable_contexts,omitempty"`
	Recommendations    []string          `json:"recommendations,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// TypeSummary aggregates lessons for one action type.
type TypeSummary struct {
	Count      int     `json:"count"`
	AvgReward  float64 `json:"avg_reward"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
}

// Summary aggregates every lesson recorded so far.
type Summary struct {
	TotalLessons int                    `json:"total_lessons"`
	AvgReward    float64                `json:"avg_reward"`
	Successful   int                    `json:"successful"`
	Failed       int                    `json:"failed"`
	ByType       map[string]TypeSummary `json:"by_type"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (s Summary) Clone() Summary {
	out := s
	out.ByType = make(map[string]TypeSummary, len(s.ByType))
	for k, v := range s.ByType {
		out.ByType[k] = v
	}
	return out
}

// Learner folds lessons into a Summary incrementally. It is not safe for
// concurrent use; the manager goroutine owns it.
type Learner struct {
	summary Summary
}

// NewLearner returns a learner with an empty summary.
func NewLearner() *Learner {
	return &Learner{summary: Summary{ByType: make(map[string]TypeSummary)}}
}

// Learn builds a lesson for an executed action and folds it into the summary.
// An empty insight is replaced by a generated one.
func (l *Learner) Learn(actionID string, action model.SuggestedAction, r reward.Normalized, insight string, contexts, recommendations []string) Lesson {
	if insight == "" {
		insight = defaultInsight(action, r)
	}
	lesson := Lesson{
		ActionID:           actionID,
		ActionType:         action.ActionType(),
		Insight:            insight,
		Reward:             r,
		ApplicableContexts: contexts,
		Recommendations:    recommendations,
		CreatedAt:          time.Now().UTC(),
	}
	l.Record(lesson)
	return lesson
}

// Record folds a lesson into the running summary.
func (l *Learner) Record(lesson Lesson) {
	v := lesson.Reward.Value
	s := &l.summary

	s.TotalLessons++
	s.AvgReward += (v - s.AvgReward) / float64(s.TotalLessons)
	switch {
	case lesson.Reward.IsPositive():
		s.Successful++
	case lesson.Reward.IsNegative():
		s.Failed++
	}

	key := string(lesson.ActionType)
	ts := s.ByType[key]
	ts.Count++
	ts.AvgReward += (v - ts.AvgReward) / float64(ts.Count)
	switch {
	case lesson.Reward.IsPositive():
		ts.Successful++
	case lesson.Reward.IsNegative():
		ts.Failed++
	}
	s.ByType[key] = ts
}

// Summary returns a copy of the running summary.
func (l *Learner) Summary() Summary {
	return l.summary.Clone()
}

// ToRecord converts a lesson into its durable row.
func (l Lesson) ToRecord() (model.LearningRecord, error) {
	lessons, err := json.Marshal([]Lesson{l})
	if err != nil {
		return model.LearningRecord{}, fmt.Errorf("learning: encode lessons: %w", err)
	}
	recs := l.Recommendations
	if recs == nil {
		recs = []string{}
	}
	recommendations, err := json.Marshal(recs)
	if err != nil {
		return model.LearningRecord{}, fmt.Errorf("learning: encode recommendations: %w", err)
	}
	return model.LearningRecord{
		ID:                  uuid.NewString(),
		ActionID:            l.ActionID,
		RewardValue:         l.Reward.Value,
		Confidence:          l.Reward.Confidence,
		LessonsJSON:         lessons,
		RecommendationsJSON: recommendations,
		CreatedAt:           l.CreatedAt,
	}, nil
}

func defaultInsight(action model.SuggestedAction, r reward.Normalized) string {
	verdict := "had no measurable effect"
	switch {
	case r.IsPositive():
		verdict = "improved health"
	case r.IsNegative():
		verdict = "made health worse"
	}
	return fmt.Sprintf("%s %s (reward %+.2f, confidence %.2f)", action.Describe(), verdict, r.Value, r.Confidence)
}
