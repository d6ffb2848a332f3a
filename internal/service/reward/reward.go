// Package reward turns before/after metric snapshots into a normalized
// reward signal for an executed action.
package reward

import (
	"math"

	"github.com/ashita-ai/kaizen/internal/model"
)

// fullConfidenceSamples is the sample count at which confidence reaches 1.0.
const fullConfidenceSamples = 100

// minConfidence gates significance: a reward measured on fewer samples than
// this fraction of fullConfidenceSamples is never significant.
const minConfidence = 0.5

// Breakdown holds the per-metric components, each in [-1,1].
type Breakdown struct {
	ErrorRate float64 `json:"error_rate_component"`
	Latency   float64 `json:"latency_component"`
	Quality   float64 `json:"quality_component"`
}

// Weights scale the components of a Breakdown.
type Weights struct {
	ErrorRate float64 `json:"error_rate"`
	Latency   float64 `json:"latency"`
	Quality   float64 `json:"quality"`
}

// DefaultWeights splits weight evenly across the three components.
func DefaultWeights() Weights {
	return Weights{ErrorRate: 1.0 / 3, Latency: 1.0 / 3, Quality: 1.0 / 3}
}

// WeightsForTrigger biases 0.6 toward the component matching the trigger and
// gives 0.2 to each of the other two.
func WeightsForTrigger(t model.TriggerMetric) Weights {
	if t == nil {
		return DefaultWeights()
	}
	switch t.MetricType() {
	case model.MetricErrorRate:
		return Weights{ErrorRate: 0.6, Latency: 0.2, Quality: 0.2}
	case model.MetricLatency:
		return Weights{ErrorRate: 0.2, Latency: 0.6, Quality: 0.2}
	case model.MetricQualityScore:
		return Weights{ErrorRate: 0.2, Latency: 0.2, Quality: 0.6}
	default:
		return DefaultWeights()
	}
}

// Combine returns the weighted sum of the components.
func (w Weights) Combine(b Breakdown) float64 {
	return w.ErrorRate*b.ErrorRate + w.Latency*b.Latency + w.Quality*b.Quality
}

// Normalized is a reward in [-1,1] with a confidence in [0,1].
type Normalized struct {
	Value      float64   `json:"value"`
	Breakdown  Breakdown `json:"breakdown"`
	Confidence float64   `json:"confidence"`
}

// New clamps value to [-1,1] and confidence to [0,1].
func New(value float64, breakdown Breakdown, confidence float64) Normalized {
	return Normalized{
		Value:      clamp(value, -1, 1),
		Breakdown:  breakdown,
		Confidence: clamp(confidence, 0, 1),
	}
}

// Calculate scores the change from pre to post. Error rate and latency improve
// when they fall; quality improves when it rises.
func Calculate(trigger model.TriggerMetric, pre, post model.MetricsSnapshot, sampleCount int64) Normalized {
	b := Breakdown{
		ErrorRate: clamp(decreaseComponent(pre.ErrorRate, post.ErrorRate), -1, 1),
		Latency:   clamp(decreaseComponent(pre.LatencyP95Ms, post.LatencyP95Ms), -1, 1),
		Quality:   clamp(increaseComponent(pre.QualityScore, post.QualityScore), -1, 1),
	}
	value := WeightsForTrigger(trigger).Combine(b)
	return New(value, b, Confidence(sampleCount))
}

// Confidence grows linearly with samples and caps at 1.0.
func Confidence(sampleCount int64) float64 {
	if sampleCount <= 0 {
		return 0
	}
	return math.Min(1, float64(sampleCount)/fullConfidenceSamples)
}

// IsPositive reports an improvement.
func (r Normalized) IsPositive() bool { return r.Value > 0 }

// IsNegative reports a regression.
func (r Normalized) IsNegative() bool { return r.Value < 0 }

// IsSignificant requires both magnitude and enough confidence.
func (r Normalized) IsSignificant(minMagnitude float64) bool {
	return math.Abs(r.Value) >= minMagnitude && r.Confidence >= minConfidence
}

// decreaseComponent is (pre-post)/pre. With pre at zero, staying at zero is
// neutral and any rise is the worst outcome.
func decreaseComponent(pre, post float64) float64 {
	if pre == 0 {
		if post == 0 {
			return 0
		}
		return -1
	}
	return (pre - post) / pre
}

// increaseComponent measures gains against the remaining headroom (1-pre) and
// losses against what was there (pre).
func increaseComponent(pre, post float64) float64 {
	if post >= pre {
		headroom := 1 - pre
		if headroom <= 0 {
			return 0
		}
		return (post - pre) / headroom
	}
	if pre == 0 {
		return -1
	}
	return (post - pre) / pre
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, lo), hi)
}
