// Package manager runs the self-improvement loop in a single goroutine.
//
// The goroutine owns the selfimprove.System and every counter. It wakes on
// an interval ticker, on a command from a Handle, or on shutdown, and handles
// one wake-up at a time. Callers never touch the system directly: they send
// commands through a Handle and read published Status snapshots.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaizen/internal/service/learning"
	"github.com/ashita-ai/kaizen/internal/service/selfimprove"
	"github.com/ashita-ai/kaizen/internal/telemetry"
)

// commandBuffer is the capacity of the command channel. Senders block once
// it is full.
const commandBuffer = 32

// System is the orchestrator the manager drives.
type System interface {
	ShouldRunCycle() bool
	RunCycle(ctx context.Context) selfimprove.CycleResult
	Approve(ctx context.Context, diagnosisID string) (selfimprove.ApproveResult, error)
	Reject(ctx context.Context, diagnosisID, reason string) error
	Rollback(ctx context.Context, actionID string) error
	Pending(limit int) []selfimprove.PendingDiagnosis
	PendingCount() int
	Stats() selfimprove.Stats
	Breaker() selfimprove.BreakerStatus
	LearningSummary() learning.Summary
}

var _ System = (*selfimprove.System)(nil)

// Config tunes the loop.
type Config struct {
	// CycleInterval is how often the ticker considers running a cycle.
	// Default: 5m
	CycleInterval time.Duration
}

type result[T any] struct {
	val T
	err error
}

type command interface{ isCommand() }

type (
	triggerCycleCmd struct {
		reply chan result[selfimprove.CycleResult]
	}
	approveCmd struct {
		diagnosisID string
		reply       chan result[selfimprove.ApproveResult]
	}
	rejectCmd struct {
		diagnosisID string
		reason      string
		reply       chan result[struct{}]
	}
	rollbackCmd struct {
		actionID string
		reply    chan result[struct{}]
	}
	statusCmd struct {
		reply chan result[Status]
	}
	pendingCmd struct {
		limit int
		reply chan result[[]selfimprove.PendingDiagnosis]
	}
)

func (triggerCycleCmd) isCommand() {}
func (approveCmd) isCommand()      {}
func (rejectCmd) isCommand()       {}
func (rollbackCmd) isCommand()     {}
func (statusCmd) isCommand()       {}
func (pendingCmd) isCommand()      {}

// Manager owns one System and serializes everything that touches it.
type Manager struct {
	sys    System
	cfg    Config
	logger *slog.Logger

	cmds    chan command
	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	started atomic.Bool
	hub     *statusHub

	// Owned by the loop goroutine.
	running           bool
	actionsExecuted   int64
	actionsRolledBack int64
	approvals         int64
	rejections        int64
	lastCycle         *CycleSummary

	cycleCounter  metric.Int64Counter
	cycleDuration metric.Float64Histogram
	actionCounter metric.Int64Counter
}

// New returns a manager for sys. Call Run to start the loop.
func New(sys System, cfg Config, logger *slog.Logger) *Manager {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sys:    sys,
		cfg:    cfg,
		logger: logger,
		cmds:   make(chan command, commandBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.hub = newStatusHub(m.buildStatus())
	m.registerMetrics()
	return m
}

// Handle returns a handle bound to this manager.
func (m *Manager) Handle() *Handle {
	return &Handle{cmds: m.cmds, done: m.done, hub: m.hub}
}

// Stop asks the loop to exit after the branch it is running. Safe to call
// more than once.
func (m *Manager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stop)
	}
}

// Done is closed once the loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Run blocks until ctx is cancelled or Stop is called. A cycle in flight is
// allowed to finish first: cycles and commands run on a context detached
// from ctx, so cancellation cannot strand an applied action half-recorded.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager: already started")
	}
	defer close(m.done)
	work := context.WithoutCancel(ctx)

	ticker := time.NewTicker(m.cfg.CycleInterval)
	defer ticker.Stop()

	m.running = true
	m.publish()
	m.logger.Info("manager: started", "cycle_interval", m.cfg.CycleInterval)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-m.stop:
			m.shutdown()
			return nil
		case <-ticker.C:
			if !m.sys.ShouldRunCycle() {
				m.logger.Debug("manager: not enough invocations for a cycle")
				continue
			}
			m.runCycle(work)
		case cmd := <-m.cmds:
			m.handle(work, cmd)
		}
	}
}

func (m *Manager) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case triggerCycleCmd:
		c.reply <- result[selfimprove.CycleResult]{val: m.runCycle(ctx)}

	case approveCmd:
		out, err := m.sys.Approve(ctx, c.diagnosisID)
		if err == nil {
			m.approvals++
			for _, r := range out.ExecutionResults {
				m.countAction(ctx, r.Success)
			}
			m.publish()
		}
		c.reply <- result[selfimprove.ApproveResult]{val: out, err: err}

	case rejectCmd:
		err := m.sys.Reject(ctx, c.diagnosisID, c.reason)
		if err == nil {
			m.rejections++
			m.publish()
		}
		c.reply <- result[struct{}]{err: err}

	case rollbackCmd:
		err := m.sys.Rollback(ctx, c.actionID)
		if err == nil {
			m.actionsRolledBack++
			m.actionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rolled_back")))
			m.publish()
		}
		c.reply <- result[struct{}]{err: err}

	case statusCmd:
		c.reply <- result[Status]{val: m.buildStatus()}

	case pendingCmd:
		c.reply <- result[[]selfimprove.PendingDiagnosis]{val: m.sys.Pending(c.limit)}
	}
}

func (m *Manager) runCycle(ctx context.Context) selfimprove.CycleResult {
	res := m.sys.RunCycle(ctx)

	queued := len(res.PendingApproval)
	executed := 0
	for _, r := range res.ExecutionResults {
		if r.ActionID == "" {
			// Diagnosis or validation failed before anything ran.
			continue
		}
		m.countAction(ctx, r.Success)
		if r.Success {
			executed++
		}
	}
	m.lastCycle = &CycleSummary{
		CycleID:    res.CycleID,
		Outcome:    res.Outcome(),
		StartedAt:  res.StartedAt,
		DurationMs: res.DurationMs,
		Executed:   executed,
		Queued:     queued,
		Error:      res.Error,
	}

	attrs := metric.WithAttributes(attribute.String("result", res.Outcome()))
	m.cycleCounter.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, float64(res.DurationMs), attrs)

	m.logger.Info("manager: cycle finished",
		"cycle_id", res.CycleID, "outcome", res.Outcome(),
		"executed", executed, "queued", queued, "duration_ms", res.DurationMs)
	m.publish()
	return res
}

func (m *Manager) countAction(ctx context.Context, success bool) {
	outcome := "failed"
	if success {
		outcome = "completed"
		m.actionsExecuted++
	}
	m.actionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// shutdown answers queued commands and publishes a stopped status.
func (m *Manager) shutdown() {
	m.running = false
	for {
		select {
		case cmd := <-m.cmds:
			rejectQueued(cmd)
		default:
			m.publish()
			m.logger.Info("manager: stopped")
			return
		}
	}
}

func rejectQueued(cmd command) {
	switch c := cmd.(type) {
	case triggerCycleCmd:
		c.reply <- result[selfimprove.CycleResult]{err: ErrNotRunning}
	case approveCmd:
		c.reply <- result[selfimprove.ApproveResult]{err: ErrNotRunning}
	case rejectCmd:
		c.reply <- result[struct{}]{err: ErrNotRunning}
	case rollbackCmd:
		c.reply <- result[struct{}]{err: ErrNotRunning}
	case statusCmd:
		c.reply <- result[Status]{err: ErrNotRunning}
	case pendingCmd:
		c.reply <- result[[]selfimprove.PendingDiagnosis]{err: ErrNotRunning}
	}
}

func (m *Manager) buildStatus() Status {
	s := Status{
		Running:              m.running,
		TotalActionsExecuted: m.actionsExecuted,
		ActionsRolledBack:    m.actionsRolledBack,
		Approvals:            m.approvals,
		Rejections:           m.rejections,
		PendingDiagnoses:     m.sys.PendingCount(),
		Breaker:              m.sys.Breaker(),
		Cycles:               m.sys.Stats(),
		Learning:             m.sys.LearningSummary(),
		UpdatedAt:            time.Now().UTC(),
	}
	s.CyclesRun = s.Cycles.TotalCycles
	if m.lastCycle != nil {
		lc := *m.lastCycle
		s.LastCycle = &lc
	}
	return s
}

func (m *Manager) publish() {
	m.hub.publish(m.buildStatus())
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("kaizen/manager")
	m.cycleCounter, _ = meter.Int64Counter("kaizen.cycles",
		metric.WithDescription("Self-improvement cycles by result"),
	)
	m.cycleDuration, _ = meter.Float64Histogram("kaizen.cycle.duration",
		metric.WithDescription("Self-improvement cycle duration (ms)"),
		metric.WithUnit("ms"),
	)
	m.actionCounter, _ = meter.Int64Counter("kaizen.actions",
		metric.WithDescription("Executed self-improvement actions by outcome"),
	)
	_, _ = meter.Int64ObservableGauge("kaizen.pending",
		metric.WithDescription("Diagnoses awaiting approval"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.hub.load().PendingDiagnoses))
			return nil
		}),
	)
}
