// Package model defines the core domain types for the self-improvement loop.
//
// Tagged variants (trigger metrics, suggested actions, parameter values) are
// closed sum types: a sealed interface plus one struct per variant. Each variant
// serializes with a "type" discriminator so records round-trip through JSON
// columns without losing their shape.
package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// MetricType names the runtime metric a trigger is watching.
type MetricType string

const (
	MetricErrorRate    MetricType = "error_rate"
	MetricLatency      MetricType = "latency"
	MetricQualityScore MetricType = "quality_score"
)

// TriggerMetric is an observed runtime metric that crossed its threshold
// relative to a baseline. Implemented by ErrorRateTrigger, LatencyTrigger
// and QualityTrigger only.
type TriggerMetric interface {
	MetricType() MetricType
	// DeviationPct is the absolute percentage distance of the observed value
	// from its baseline.
	DeviationPct() float64
	// IsTriggered reports whether the observed value crossed the threshold in
	// the unfavorable direction.
	IsTriggered() bool
	Severity() Severity
	Describe() string

	isTriggerMetric()
}

// ErrorRateTrigger fires when the error rate rises above its threshold.
type ErrorRateTrigger struct {
	Observed  float64 `json:"observed"`
	Baseline  float64 `json:"baseline"`
	Threshold float64 `json:"threshold"`
}

// LatencyTrigger fires when p95 latency rises above its threshold.
type LatencyTrigger struct {
	ObservedP95Ms int64 `json:"observed_p95_ms"`
	BaselineMs    int64 `json:"baseline_ms"`
	ThresholdMs   int64 `json:"threshold_ms"`
}

// QualityTrigger fires when the average quality score drops below its minimum.
type QualityTrigger struct {
	Observed float64 `json:"observed"`
	Baseline float64 `json:"baseline"`
	Minimum  float64 `json:"minimum"`
}

func (ErrorRateTrigger) isTriggerMetric() {}
func (LatencyTrigger) isTriggerMetric()   {}
func (QualityTrigger) isTriggerMetric()   {}

func (ErrorRateTrigger) MetricType() MetricType { return MetricErrorRate }
func (LatencyTrigger) MetricType() MetricType   { return MetricLatency }
func (QualityTrigger) MetricType() MetricType   { return MetricQualityScore }

func (t ErrorRateTrigger) DeviationPct() float64 { return deviationPct(t.Observed, t.Baseline) }
func (t LatencyTrigger) DeviationPct() float64 {
	return deviationPct(float64(t.ObservedP95Ms), float64(t.BaselineMs))
}
func (t QualityTrigger) DeviationPct() float64 { return deviationPct(t.Observed, t.Baseline) }

func (t ErrorRateTrigger) IsTriggered() bool { return t.Observed > t.Threshold }
func (t LatencyTrigger) IsTriggered() bool   { return t.ObservedP95Ms > t.ThresholdMs }
func (t QualityTrigger) IsTriggered() bool   { return t.Observed < t.Minimum }

func (t ErrorRateTrigger) Severity() Severity { return SeverityFromDeviation(t.DeviationPct()) }
func (t LatencyTrigger) Severity() Severity   { return SeverityFromDeviation(t.DeviationPct()) }
func (t QualityTrigger) Severity() Severity   { return SeverityFromDeviation(t.DeviationPct()) }

func (t ErrorRateTrigger) Describe() string {
	return fmt.Sprintf("error rate %.1f%% (baseline %.1f%%, threshold %.1f%%)",
		t.Observed*100, t.Baseline*100, t.Threshold*100)
}

func (t LatencyTrigger) Describe() string {
	return fmt.Sprintf("p95 latency %dms (baseline %dms, threshold %dms)",
		t.ObservedP95Ms, t.BaselineMs, t.ThresholdMs)
}

func (t QualityTrigger) Describe() string {
	return fmt.Sprintf("quality score %.2f (baseline %.2f, minimum %.2f)",
		t.Observed, t.Baseline, t.Minimum)
}

// deviationPct returns |observed-baseline|/baseline as a percentage.
// A zero baseline yields 0 when observed is also zero and 100 otherwise.
func deviationPct(observed, baseline float64) float64 {
	if baseline == 0 {
		if observed == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(observed-baseline) / math.Abs(baseline) * 100
}

func (t ErrorRateTrigger) MarshalJSON() ([]byte, error) {
	type plain ErrorRateTrigger
	return json.Marshal(struct {
		Type MetricType `json:"type"`
		plain
	}{MetricErrorRate, plain(t)})
}

func (t LatencyTrigger) MarshalJSON() ([]byte, error) {
	type plain LatencyTrigger
	return json.Marshal(struct {
		Type MetricType `json:"type"`
		plain
	}{MetricLatency, plain(t)})
}

func (t QualityTrigger) MarshalJSON() ([]byte, error) {
	type plain QualityTrigger
	return json.Marshal(struct {
		Type MetricType `json:"type"`
		plain
	}{MetricQualityScore, plain(t)})
}

// UnmarshalTrigger decodes a {"type": ...} envelope into its concrete variant.
func UnmarshalTrigger(data []byte) (TriggerMetric, error) {
	var env struct {
		Type MetricType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("model: decode trigger: %w", err)
	}
	switch env.Type {
	case MetricErrorRate:
		var t ErrorRateTrigger
		err := json.Unmarshal(data, &t)
		return t, err
	case MetricLatency:
		var t LatencyTrigger
		err := json.Unmarshal(data, &t)
		return t, err
	case MetricQualityScore:
		var t QualityTrigger
		err := json.Unmarshal(data, &t)
		return t, err
	default:
		return nil, fmt.Errorf("model: unknown trigger type %q", env.Type)
	}
}
