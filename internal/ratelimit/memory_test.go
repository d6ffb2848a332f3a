package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rps float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rps, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k1")
	require.False(t, ok)

	clock.Advance(500 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k1")
	assert.True(t, ok)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "operator-a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "operator-a")
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "operator-b")
	assert.True(t, ok)
}

func TestMemoryLimiterEvictsStale(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "old")
	clock.Advance(staleThreshold + time.Second)
	_, _ = m.Allow(ctx, "fresh")

	m.evictStale()
	assert.Equal(t, 1, m.len())
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 10)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(ctx, "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestNewDisabledIsNoop(t *testing.T) {
	l := New(0, 1)
	_, isNoop := l.(NoopLimiter)
	require.True(t, isNoop)
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, l.Close())

	m := New(5, 2)
	_, isMemory := m.(*MemoryLimiter)
	assert.True(t, isMemory)
	assert.NoError(t, m.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
