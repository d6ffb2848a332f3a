package selfimprove

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(cfg)
	b.now = clock.Now
	return b, clock
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, int64(1), b.Status().Trips)
	require.NotNil(t, b.Status().OpenedAt)
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "failures must be consecutive")
	assert.Equal(t, 1, b.Status().ConsecutiveFailures)
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow())

	clock.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Nil(t, b.Status().OpenedAt)
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	b.RecordFailure()
	clock.Advance(time.Minute)
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, int64(2), b.Status().Trips)

	// The cooldown restarts from the failed trial.
	clock.Advance(30 * time.Second)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerNeedsEnoughTrials(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second, SuccessThreshold: 2})

	b.RecordFailure()
	clock.Advance(time.Second)

	b.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerDefaultsAndReset(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{})
	assert.Equal(t, DefaultBreakerConfig(), b.cfg)

	for range 3 {
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())
	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Status().ConsecutiveFailures)
}
