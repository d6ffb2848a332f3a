package mcp

import (
	"sync"
	"time"
)

// reviewTracker remembers which pending diagnoses a caller listed recently,
// so an approval of something the caller never looked at gets a nudge. It
// is advisory only and does not survive restarts.
type reviewTracker struct {
	mu      sync.Mutex
	reviews map[reviewKey]time.Time
	window  time.Duration
	now     func() time.Time
}

type reviewKey struct {
	caller      string
	diagnosisID string
}

func newReviewTracker(window time.Duration) *reviewTracker {
	return &reviewTracker{
		reviews: make(map[reviewKey]time.Time),
		window:  window,
		now:     time.Now,
	}
}

// Record notes that caller was shown diagnosisID.
func (t *reviewTracker) Record(caller, diagnosisID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reviews[reviewKey{caller, diagnosisID}] = t.now()

	if len(t.reviews) > 1000 {
		t.purgeStale()
	}
}

// WasReviewed reports whether caller was shown diagnosisID within the window.
func (t *reviewTracker) WasReviewed(caller, diagnosisID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := reviewKey{caller, diagnosisID}
	ts, ok := t.reviews[key]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.reviews, key)
		return false
	}
	return true
}

// purgeStale must be called with mu held.
func (t *reviewTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.reviews {
		if now.Sub(ts) > t.window {
			delete(t.reviews, k)
		}
	}
}
