package selfimprove

import (
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	// BreakerClosed lets cycles run.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen blocks cycles until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets trial cycles through.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed cycles that trips
	// the breaker. Default: 3
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a trial. Default: 5m
	Cooldown time.Duration
	// SuccessThreshold is the number of successful trial cycles needed to
	// close again. Default: 1
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		SuccessThreshold: 1,
	}
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Trips               int64        `json:"trips"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// CircuitBreaker stops the loop from remediating over and over while the
// process keeps failing. It has no lock: the manager goroutine owns it.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	state        BreakerState
	failures     int
	trialSuccess int
	openedAt     time.Time
	trips        int64
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: BreakerClosed}
}

// State returns the current state, moving Open to HalfOpen once the cooldown
// has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.trialSuccess = 0
	}
	return b.state
}

// Allow reports whether a cycle may run.
func (b *CircuitBreaker) Allow() bool {
	return b.State() != BreakerOpen
}

// RecordSuccess counts a successful cycle.
func (b *CircuitBreaker) RecordSuccess() {
	switch b.State() {
	case BreakerHalfOpen:
		b.trialSuccess++
		if b.trialSuccess >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.trialSuccess = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure counts a failed cycle. A failed trial reopens the breaker
// immediately.
func (b *CircuitBreaker) RecordFailure() {
	switch b.State() {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// Reset closes the breaker and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.state = BreakerClosed
	b.failures = 0
	b.trialSuccess = 0
}

// Status returns a snapshot safe to publish.
func (b *CircuitBreaker) Status() BreakerStatus {
	s := BreakerStatus{
		State:               b.State(),
		ConsecutiveFailures: b.failures,
		Trips:               b.trips,
	}
	if s.State != BreakerClosed {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

func (b *CircuitBreaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.trialSuccess = 0
	b.trips++
}
