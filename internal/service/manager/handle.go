package manager

import (
	"context"
	"errors"

	"github.com/ashita-ai/kaizen/internal/service/selfimprove"
)

var (
	// ErrNotRunning is returned when a command cannot be delivered because
	// the manager has stopped or the handle has no manager behind it.
	ErrNotRunning = errors.New("self-improvement manager not running")
	// ErrDisconnected is returned when the manager stopped after accepting a
	// command but before replying.
	ErrDisconnected = errors.New("self-improvement manager disconnected")
)

// Handle is the caller-side surface of a Manager. Every method sends one
// command and waits for exactly one reply. Safe for concurrent use.
type Handle struct {
	cmds chan<- command
	done <-chan struct{}
	hub  *statusHub
}

// NewDisconnectedHandle returns a handle with no manager behind it. Every
// command fails with ErrNotRunning and Status reports a stopped manager.
func NewDisconnectedHandle() *Handle {
	done := make(chan struct{})
	close(done)
	return &Handle{done: done, hub: newStatusHub(Status{})}
}

// TriggerCycle runs a cycle now without waiting for the next tick. A cycle
// with fewer invocations than the configured minimum comes back skipped.
func (h *Handle) TriggerCycle(ctx context.Context) (selfimprove.CycleResult, error) {
	return call(ctx, h, func(r chan result[selfimprove.CycleResult]) command {
		return triggerCycleCmd{reply: r}
	})
}

// Approve executes a pending diagnosis.
func (h *Handle) Approve(ctx context.Context, diagnosisID string) (selfimprove.ApproveResult, error) {
	return call(ctx, h, func(r chan result[selfimprove.ApproveResult]) command {
		return approveCmd{diagnosisID: diagnosisID, reply: r}
	})
}

// Reject records the rejection of a pending diagnosis.
func (h *Handle) Reject(ctx context.Context, diagnosisID, reason string) error {
	_, err := call(ctx, h, func(r chan result[struct{}]) command {
		return rejectCmd{diagnosisID: diagnosisID, reason: reason, reply: r}
	})
	return err
}

// Rollback reverses an executed action.
func (h *Handle) Rollback(ctx context.Context, actionID string) error {
	_, err := call(ctx, h, func(r chan result[struct{}]) command {
		return rollbackCmd{actionID: actionID, reply: r}
	})
	return err
}

// PendingDiagnoses lists diagnoses awaiting approval, oldest first. limit
// <= 0 means all.
func (h *Handle) PendingDiagnoses(ctx context.Context, limit int) ([]selfimprove.PendingDiagnosis, error) {
	return call(ctx, h, func(r chan result[[]selfimprove.PendingDiagnosis]) command {
		return pendingCmd{limit: limit, reply: r}
	})
}

// Status asks the manager for a fresh snapshot. When the manager cannot
// answer it returns the last published one instead.
func (h *Handle) Status(ctx context.Context) Status {
	s, err := call(ctx, h, func(r chan result[Status]) command {
		return statusCmd{reply: r}
	})
	if err != nil {
		return h.hub.load()
	}
	return s
}

// LastStatus returns the last published snapshot without asking the
// manager.
func (h *Handle) LastStatus() Status { return h.hub.load() }

// Subscribe streams published statuses, starting with the latest. Call
// cancel to stop receiving; the channel is closed.
func (h *Handle) Subscribe() (<-chan Status, func()) { return h.hub.subscribe() }

// IsRunning reports whether the manager loop is still accepting commands.
func (h *Handle) IsRunning() bool {
	if h.cmds == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func call[T any](ctx context.Context, h *Handle, build func(chan result[T]) command) (T, error) {
	var zero T
	if !h.IsRunning() {
		return zero, ErrNotRunning
	}

	reply := make(chan result[T], 1)
	select {
	case h.cmds <- build(reply):
	case <-h.done:
		return zero, ErrNotRunning
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-h.done:
		// The loop may have answered just before exiting.
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, ErrDisconnected
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
