package manager

import (
	"sync"
	"time"

	"github.com/ashita-ai/kaizen/internal/service/learning"
	"github.com/ashita-ai/kaizen/internal/service/selfimprove"
)

// CycleSummary describes the most recent cycle.
type CycleSummary struct {
	CycleID    string    `json:"cycle_id"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Executed   int       `json:"executed"`
	Queued     int       `json:"queued"`
	Error      string    `json:"error,omitempty"`
}

// Status is the snapshot the manager publishes after every cycle or
// state-changing command.
type Status struct {
	Running              bool                      `json:"running"`
	CyclesRun            int64                     `json:"cycles_run"`
	TotalActionsExecuted int64                     `json:"total_actions_executed"`
	ActionsRolledBack    int64                     `json:"actions_rolled_back"`
	Approvals            int64                     `json:"approvals"`
	Rejections           int64                     `json:"rejections"`
	PendingDiagnoses     int                       `json:"pending_diagnoses"`
	Breaker              selfimprove.BreakerStatus `json:"circuit_breaker"`
	Cycles               selfimprove.Stats         `json:"cycles"`
	Learning             learning.Summary          `json:"learning"`
	LastCycle            *CycleSummary             `json:"last_cycle,omitempty"`
	UpdatedAt            time.Time                 `json:"updated_at"`
}

// statusHub holds the latest Status and fans it out. Each subscriber channel
// has room for one value; a newer status replaces one the subscriber has not
// read yet, so publishing never blocks.
type statusHub struct {
	mu     sync.Mutex
	latest Status
	subs   map[chan Status]struct{}
}

func newStatusHub(initial Status) *statusHub {
	return &statusHub{latest: initial, subs: make(map[chan Status]struct{})}
}

func (h *statusHub) publish(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = s
	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *statusHub) load() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// subscribe returns a channel primed with the latest status and a cancel
// func that closes it.
func (h *statusHub) subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	h.mu.Lock()
	ch <- h.latest
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}
