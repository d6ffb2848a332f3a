package model

import "time"

// MetricsSnapshot is a point-in-time view of process health. Construct with
// NewMetricsSnapshot so every field is inside its valid domain.
type MetricsSnapshot struct {
	ErrorRate    float64   `json:"error_rate"`
	LatencyP95Ms float64   `json:"latency_p95_ms"`
	QualityScore float64   `json:"quality_score"`
	SampleCount  int64     `json:"sample_count"`
	CapturedAt   time.Time `json:"captured_at"`
}

// NewMetricsSnapshot clamps error rate and quality to [0,1] and latency and
// sample count to >= 0.
func NewMetricsSnapshot(errorRate, latencyP95Ms, quality float64, samples int64) MetricsSnapshot {
	return MetricsSnapshot{
		ErrorRate:    clamp(errorRate, 0, 1),
		LatencyP95Ms: max(latencyP95Ms, 0),
		QualityScore: clamp(quality, 0, 1),
		SampleCount:  max(samples, 0),
		CapturedAt:   time.Now().UTC(),
	}
}

// Baselines are the reference values triggers are measured against.
type Baselines struct {
	ErrorRate    float64 `json:"error_rate"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	QualityScore float64 `json:"quality_score"`
}

// HealthContext is what a cycle sees: current metrics against baselines plus
// the triggers that fired.
type HealthContext struct {
	Current          MetricsSnapshot `json:"current"`
	Baselines        Baselines       `json:"baselines"`
	Triggers         []TriggerMetric `json:"triggers"`
	TotalInvocations int64           `json:"total_invocations"`
}

// IsHealthy reports whether no trigger fired.
func (h HealthContext) IsHealthy() bool { return len(h.Triggers) == 0 }

// Triggered reports whether a trigger of type t fired.
func (h HealthContext) Triggered(t MetricType) bool {
	for _, tr := range h.Triggers {
		if tr.MetricType() == t {
			return true
		}
	}
	return false
}

// ExecutionResult is the outcome of applying one suggested action.
type ExecutionResult struct {
	DiagnosisID string          `json:"diagnosis_id,omitempty"`
	ActionID    string          `json:"action_id,omitempty"`
	Action      SuggestedAction `json:"action"`
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	// MeasuredImprovement is the reward value observed after the measurement
	// window. Nil when nothing was measured.
	MeasuredImprovement *float64 `json:"measured_improvement,omitempty"`
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	return min(max(v, lo), hi)
}
