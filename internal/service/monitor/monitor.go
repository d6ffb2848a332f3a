// Package monitor keeps a rolling window of recent invocations and turns it
// into health snapshots and triggers against moving baselines.
package monitor

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/ashita-ai/kaizen/internal/model"
)

// Config tunes trigger thresholds. Deviations are relative to the baseline:
// an error-rate deviation of 0.5 fires when the rate exceeds 1.5x baseline.
// Floors keep near-zero baselines from firing on noise.
type Config struct {
	WindowSize         int
	ErrorRateDeviation float64
	LatencyDeviation   float64
	QualityDeviation   float64
	MinErrorRate       float64
	MinLatencyMs       float64
	BaselineAlpha      float64
	Baselines          model.Baselines
}

// DefaultConfig returns thresholds suited to an interactive reasoning server.
func DefaultConfig() Config {
	return Config{
		WindowSize:         1000,
		ErrorRateDeviation: 0.5,
		LatencyDeviation:   0.5,
		QualityDeviation:   0.2,
		MinErrorRate:       0.05,
		MinLatencyMs:       500,
		BaselineAlpha:      0.2,
		Baselines: model.Baselines{
			ErrorRate:    0.02,
			LatencyP95Ms: 2000,
			QualityScore: 0.8,
		},
	}
}

type sample struct {
	latencyMs int64
	success   bool
	quality   *float64
}

// Monitor is safe for concurrent use: request handlers Record while the
// manager goroutine reads.
type Monitor struct {
	cfg Config

	mu        sync.Mutex
	window    []sample // ring buffer
	next      int
	full      bool
	total     int64
	baselines model.Baselines
}

// New returns a monitor. A zero window, deviation, alpha or baseline set takes
// its DefaultConfig value; zero floors disable the floor.
func New(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ErrorRateDeviation <= 0 {
		cfg.ErrorRateDeviation = def.ErrorRateDeviation
	}
	if cfg.LatencyDeviation <= 0 {
		cfg.LatencyDeviation = def.LatencyDeviation
	}
	if cfg.QualityDeviation <= 0 {
		cfg.QualityDeviation = def.QualityDeviation
	}
	if cfg.BaselineAlpha <= 0 || cfg.BaselineAlpha > 1 {
		cfg.BaselineAlpha = def.BaselineAlpha
	}
	if cfg.Baselines == (model.Baselines{}) {
		cfg.Baselines = def.Baselines
	}
	return &Monitor{
		cfg:       cfg,
		window:    make([]sample, cfg.WindowSize),
		baselines: cfg.Baselines,
	}
}

// Record adds one invocation to the window.
func (m *Monitor) Record(inv model.Invocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(inv)
}

// Seed warms the window from stored invocations, given newest first as
// storage returns them.
func (m *Monitor) Seed(newestFirst []model.Invocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m.push(newestFirst[i])
	}
}

func (m *Monitor) push(inv model.Invocation) {
	m.window[m.next] = sample{latencyMs: inv.LatencyMs, success: inv.Success, quality: inv.QualityScore}
	m.next = (m.next + 1) % len(m.window)
	if m.next == 0 {
		m.full = true
	}
	m.total++
}

// TotalInvocations counts every invocation recorded or seeded.
func (m *Monitor) TotalInvocations() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// WindowCount is the number of invocations currently in the window.
func (m *Monitor) WindowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked()
}

func (m *Monitor) countLocked() int {
	if m.full {
		return len(m.window)
	}
	return m.next
}

// Baselines returns the current baselines.
func (m *Monitor) Baselines() model.Baselines {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baselines
}

// Snapshot summarises the window. With no quality scores recorded, quality
// reads as its baseline so it never triggers on absence of data.
func (m *Monitor) Snapshot(_ context.Context) (model.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

// SnapshotSince summarises only the invocations recorded after the one
// numbered mark, as returned by TotalInvocations. Invocations that have
// already left the window are not counted.
func (m *Monitor) SnapshotSince(_ context.Context, mark int64) (model.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := min(max(m.total-mark, 0), int64(m.countLocked()))
	size := len(m.window)
	recent := make([]sample, 0, k)
	for i := 1; i <= int(k); i++ {
		recent = append(recent, m.window[(m.next-i+size)%size])
	}
	return m.summarize(recent), nil
}

func (m *Monitor) snapshotLocked() model.MetricsSnapshot {
	return m.summarize(m.window[:m.countLocked()])
}

func (m *Monitor) summarize(samples []sample) model.MetricsSnapshot {
	n := len(samples)
	if n == 0 {
		return model.NewMetricsSnapshot(0, 0, m.baselines.QualityScore, 0)
	}

	var (
		failures   int
		qualitySum float64
		qualityN   int
	)
	latencies := make([]int64, 0, n)
	for _, s := range samples {
		if !s.success {
			failures++
		}
		if s.quality != nil {
			qualitySum += *s.quality
			qualityN++
		}
		latencies = append(latencies, s.latencyMs)
	}

	quality := m.baselines.QualityScore
	if qualityN > 0 {
		quality = qualitySum / float64(qualityN)
	}
	return model.NewMetricsSnapshot(
		float64(failures)/float64(n),
		percentile(latencies, 0.95),
		quality,
		int64(n),
	)
}

// Health compares the window with the baselines and lists fired triggers.
func (m *Monitor) Health(_ context.Context) (model.HealthContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snapshotLocked()
	b := m.baselines
	h := model.HealthContext{
		Current:          cur,
		Baselines:        b,
		TotalInvocations: m.total,
	}
	if cur.SampleCount == 0 {
		return h, nil
	}

	errTrigger := model.ErrorRateTrigger{
		Observed:  cur.ErrorRate,
		Baseline:  b.ErrorRate,
		Threshold: math.Max(b.ErrorRate*(1+m.cfg.ErrorRateDeviation), m.cfg.MinErrorRate),
	}
	latTrigger := model.LatencyTrigger{
		ObservedP95Ms: int64(math.Round(cur.LatencyP95Ms)),
		BaselineMs:    int64(math.Round(b.LatencyP95Ms)),
		ThresholdMs:   int64(math.Round(math.Max(b.LatencyP95Ms*(1+m.cfg.LatencyDeviation), m.cfg.MinLatencyMs))),
	}
	qualTrigger := model.QualityTrigger{
		Observed: cur.QualityScore,
		Baseline: b.QualityScore,
		Minimum:  b.QualityScore * (1 - m.cfg.QualityDeviation),
	}
	for _, t := range []model.TriggerMetric{errTrigger, latTrigger, qualTrigger} {
		if t.IsTriggered() {
			h.Triggers = append(h.Triggers, t)
		}
	}
	return h, nil
}

// UpdateBaselines folds the current values into the baselines by EMA, but
// only for metrics that did not trigger in h so anomalies do not become the
// new normal.
func (m *Monitor) UpdateBaselines(h model.HealthContext) {
	if h.Current.SampleCount == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.cfg.BaselineAlpha
	if !h.Triggered(model.MetricErrorRate) {
		m.baselines.ErrorRate = ema(m.baselines.ErrorRate, h.Current.ErrorRate, a)
	}
	if !h.Triggered(model.MetricLatency) {
		m.baselines.LatencyP95Ms = ema(m.baselines.LatencyP95Ms, h.Current.LatencyP95Ms, a)
	}
	if !h.Triggered(model.MetricQualityScore) {
		m.baselines.QualityScore = ema(m.baselines.QualityScore, h.Current.QualityScore, a)
	}
}

func ema(prev, cur, alpha float64) float64 {
	return alpha*cur + (1-alpha)*prev
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return float64(sorted[rank])
}
