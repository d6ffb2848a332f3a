package mcp

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/selfimprove"
)

const maxCompactText = 200

// regressionThreshold is the reward below which history suggests a rollback.
const regressionThreshold = -0.1

// compactPending drops the structured action (the summary says the same
// thing) and empty optional fields.
func compactPending(p selfimprove.PendingDiagnosis) map[string]any {
	m := map[string]any{
		"id":           p.ID,
		"trigger_type": p.TriggerType,
		"trigger":      p.Trigger,
		"severity":     p.Severity,
		"description":  truncate(p.Description, maxCompactText),
		"action_type":  actionType(p.Action),
		"suggested":    p.ActionSummary,
		"created_at":   p.CreatedAt,
	}
	if p.SuspectedCause != "" {
		m["suspected_cause"] = truncate(p.SuspectedCause, maxCompactText)
	}
	if p.ActionRationale != "" {
		m["rationale"] = truncate(p.ActionRationale, maxCompactText)
	}
	return m
}

// compactCycle keeps the outcome and per-action results but drops the
// health snapshot, which self_improvement_status already covers.
func compactCycle(r selfimprove.CycleResult) map[string]any {
	m := map[string]any{
		"cycle_id":    r.CycleID,
		"outcome":     r.Outcome(),
		"duration_ms": r.DurationMs,
	}
	if r.SkipReason != "" {
		m["skip_reason"] = r.SkipReason
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Analysis != nil {
		m["diagnoses"] = len(r.Analysis.Diagnoses)
	}
	if len(r.PendingApproval) > 0 {
		m["pending_approval"] = r.PendingApproval
	}
	if len(r.ExecutionResults) > 0 {
		results := make([]map[string]any, 0, len(r.ExecutionResults))
		for _, er := range r.ExecutionResults {
			e := map[string]any{
				"success": er.Success,
				"message": truncate(er.Message, maxCompactText),
			}
			if er.DiagnosisID != "" {
				e["diagnosis_id"] = er.DiagnosisID
			}
			if er.ActionID != "" {
				e["action_id"] = er.ActionID
			}
			if er.MeasuredImprovement != nil {
				e["reward"] = round3(*er.MeasuredImprovement)
			}
			results = append(results, e)
		}
		m["results"] = results
	}
	return m
}

// compactAction drops the metric snapshots and keeps the applied action.
func compactAction(a model.ActionRecord) map[string]any {
	m := map[string]any{
		"id":                a.ID,
		"diagnosis_id":      a.DiagnosisID,
		"action_type":       a.ActionType,
		"outcome":           a.Outcome,
		"execution_time_ms": a.ExecutionTimeMs,
		"created_at":        a.CreatedAt,
	}
	if len(a.ActionJSON) > 0 {
		m["action"] = json.RawMessage(a.ActionJSON)
	}
	if a.ErrorMessage != nil && *a.ErrorMessage != "" {
		m["error"] = truncate(*a.ErrorMessage, maxCompactText)
	}
	return m
}

func compactLearning(l model.LearningRecord) map[string]any {
	m := map[string]any{
		"reward":     round3(l.RewardValue),
		"confidence": round3(l.Confidence),
		"created_at": l.CreatedAt,
	}
	if len(l.LessonsJSON) > 0 {
		m["lessons"] = json.RawMessage(l.LessonsJSON)
	}
	if len(l.RecommendationsJSON) > 0 && string(l.RecommendationsJSON) != "null" {
		m["recommendations"] = json.RawMessage(l.RecommendationsJSON)
	}
	return m
}

// actionNote produces a short operator hint for an action. Rules are
// evaluated in order; first match wins. Returns "" when no rule fires.
func actionNote(a model.ActionRecord, learnings []model.LearningRecord) string {
	switch a.Outcome {
	case model.OutcomeRolledBack:
		return "Rolled back. The previous configuration is in effect."
	case model.OutcomeFailed:
		return "Failed to apply. Configuration was not changed."
	case model.OutcomePending:
		return "Still being measured."
	}
	if len(learnings) == 0 {
		return ""
	}
	r := learnings[0].RewardValue
	switch {
	case r < regressionThreshold:
		return fmt.Sprintf("Measured regression (reward %.2f). Consider self_improvement_rollback.", r)
	case r > -regressionThreshold:
		return fmt.Sprintf("Measured improvement (reward %.2f).", r)
	}
	return ""
}

func actionType(a model.SuggestedAction) string {
	if a == nil {
		return ""
	}
	return string(a.ActionType())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
