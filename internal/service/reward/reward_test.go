package reward

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kaizen/internal/model"
)

func TestNewClamps(t *testing.T) {
	r := New(2.0, Breakdown{}, 1.5)
	assert.Equal(t, 1.0, r.Value)
	assert.Equal(t, 1.0, r.Confidence)

	r = New(-7, Breakdown{}, -0.2)
	assert.Equal(t, -1.0, r.Value)
	assert.Equal(t, 0.0, r.Confidence)

	r = New(math.NaN(), Breakdown{}, math.NaN())
	assert.Equal(t, 0.0, r.Value)
	assert.Equal(t, 0.0, r.Confidence)
}

func TestWeightsForTrigger(t *testing.T) {
	w := WeightsForTrigger(model.QualityTrigger{Observed: 0.5, Baseline: 0.8, Minimum: 0.7})
	assert.Equal(t, Weights{ErrorRate: 0.2, Latency: 0.2, Quality: 0.6}, w)

	w = WeightsForTrigger(model.ErrorRateTrigger{})
	assert.Equal(t, 0.6, w.ErrorRate)
	assert.Equal(t, 0.2, w.Latency)

	w = WeightsForTrigger(model.LatencyTrigger{})
	assert.Equal(t, 0.6, w.Latency)

	d := DefaultWeights()
	assert.InDelta(t, 1.0, d.ErrorRate+d.Latency+d.Quality, 1e-9)
	assert.InDelta(t, 1.0/3, d.Quality, 1e-9)
	assert.Equal(t, d, WeightsForTrigger(nil))
}

func TestCalculateImprovement(t *testing.T) {
	pre := model.NewMetricsSnapshot(0.20, 1000, 0.5, 100)
	post := model.NewMetricsSnapshot(0.10, 500, 0.75, 100)

	r := Calculate(model.ErrorRateTrigger{Observed: 0.2, Baseline: 0.05, Threshold: 0.1}, pre, post, 100)
	assert.InDelta(t, 0.5, r.Breakdown.ErrorRate, 1e-9)
	assert.InDelta(t, 0.5, r.Breakdown.Latency, 1e-9)
	// (0.75-0.5)/(1-0.5)
	assert.InDelta(t, 0.5, r.Breakdown.Quality, 1e-9)
	assert.InDelta(t, 0.5, r.Value, 1e-9)
	assert.Equal(t, 1.0, r.Confidence)
	assert.True(t, r.IsPositive())
	assert.True(t, r.IsSignificant(0.1))
}

func TestCalculateRegressionWeightedByTrigger(t *testing.T) {
	pre := model.NewMetricsSnapshot(0.10, 200, 0.8, 50)
	post := model.NewMetricsSnapshot(0.10, 400, 0.8, 50)

	r := Calculate(model.LatencyTrigger{ObservedP95Ms: 200, BaselineMs: 100, ThresholdMs: 150}, pre, post, 50)
	assert.InDelta(t, -1.0, r.Breakdown.Latency, 1e-9)
	assert.InDelta(t, -0.6, r.Value, 1e-9)
	assert.Equal(t, 0.5, r.Confidence)
	assert.True(t, r.IsNegative())
}

func TestCalculateDegeneratePreValues(t *testing.T) {
	// Error rate 0 -> 0 is neutral; 0 -> anything is the worst outcome.
	r := Calculate(model.ErrorRateTrigger{}, model.NewMetricsSnapshot(0, 0, 1, 10), model.NewMetricsSnapshot(0, 0, 1, 10), 10)
	assert.Equal(t, Breakdown{}, r.Breakdown)

	r = Calculate(model.ErrorRateTrigger{}, model.NewMetricsSnapshot(0, 100, 0.5, 10), model.NewMetricsSnapshot(0.05, 100, 0.5, 10), 10)
	assert.Equal(t, -1.0, r.Breakdown.ErrorRate)

	// Quality already perfect: no headroom, no credit.
	r = Calculate(model.QualityTrigger{}, model.NewMetricsSnapshot(0, 100, 1, 10), model.NewMetricsSnapshot(0, 100, 1, 10), 10)
	assert.Equal(t, 0.0, r.Breakdown.Quality)

	// Quality regression is measured against what was there.
	r = Calculate(model.QualityTrigger{}, model.NewMetricsSnapshot(0, 100, 0.8, 10), model.NewMetricsSnapshot(0, 100, 0.4, 10), 10)
	assert.InDelta(t, -0.5, r.Breakdown.Quality, 1e-9)
}

func TestComponentsClamped(t *testing.T) {
	// Latency quadrupled: (100-400)/100 = -3, clamped to -1.
	r := Calculate(model.LatencyTrigger{}, model.NewMetricsSnapshot(0, 100, 0.5, 100), model.NewMetricsSnapshot(0, 400, 0.5, 100), 100)
	assert.Equal(t, -1.0, r.Breakdown.Latency)
	assert.GreaterOrEqual(t, r.Value, -1.0)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.0, Confidence(0))
	assert.Equal(t, 0.0, Confidence(-5))
	assert.Equal(t, 0.25, Confidence(25))
	assert.Equal(t, 1.0, Confidence(100))
	assert.Equal(t, 1.0, Confidence(10_000))
}

func TestIsSignificantGatedByConfidence(t *testing.T) {
	assert.False(t, New(0.9, Breakdown{}, 0.4).IsSignificant(0.1))
	assert.True(t, New(0.9, Breakdown{}, 0.5).IsSignificant(0.1))
	assert.False(t, New(0.05, Breakdown{}, 1).IsSignificant(0.1))
	assert.True(t, New(-0.3, Breakdown{}, 1).IsSignificant(0.1))
}
