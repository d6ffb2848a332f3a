package model

import (
	"encoding/json"
	"time"
)

// Invocation is one tool call observed by the metrics window and logged in
// bulk to the invocations table.
type Invocation struct {
	ID           string    `json:"id"`
	ToolName     string    `json:"tool_name"`
	LatencyMs    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DiagnosisRecord is the durable row for a SelfDiagnosis.
type DiagnosisRecord struct {
	ID              string          `json:"id"`
	TriggerType     string          `json:"trigger_type"`
	TriggerJSON     json.RawMessage `json:"trigger"`
	Severity        string          `json:"severity"`
	Description     string          `json:"description"`
	SuspectedCause  *string         `json:"suspected_cause,omitempty"`
	ActionType      string          `json:"action_type"`
	ActionJSON      json.RawMessage `json:"action"`
	ActionRationale *string         `json:"action_rationale,omitempty"`
	Status          DiagnosisStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ActionOutcome is the state of an executed action.
type ActionOutcome string

const (
	OutcomePending    ActionOutcome = "pending"
	OutcomeCompleted  ActionOutcome = "completed"
	OutcomeFailed     ActionOutcome = "failed"
	OutcomeRolledBack ActionOutcome = "rolled_back"
)

// ActionRecord is the durable row for an executed action. DiagnosisID is
// unique: a diagnosis has at most one action.
type ActionRecord struct {
	ID              string          `json:"id"`
	DiagnosisID     string          `json:"diagnosis_id"`
	ActionType      string          `json:"action_type"`
	ActionJSON      json.RawMessage `json:"action"`
	Outcome         ActionOutcome   `json:"outcome"`
	PreMetricsJSON  json.RawMessage `json:"pre_metrics,omitempty"`
	PostMetricsJSON json.RawMessage `json:"post_metrics,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// LearningRecord is the durable row for a lesson learned from an action.
type LearningRecord struct {
	ID                  string          `json:"id"`
	ActionID            string          `json:"action_id"`
	RewardValue         float64         `json:"reward_value"`
	Confidence          float64         `json:"confidence"`
	LessonsJSON         json.RawMessage `json:"lessons"`
	RecommendationsJSON json.RawMessage `json:"recommendations"`
	CreatedAt           time.Time       `json:"created_at"`
}

// ConfigOverrideRecord is a persisted configuration value keyed by scope key
// (see ConfigScope.Key). Upserts are last-writer-wins.
type ConfigOverrideRecord struct {
	Key             string          `json:"key"`
	ValueJSON       json.RawMessage `json:"value"`
	AppliedByAction *string         `json:"applied_by_action,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
