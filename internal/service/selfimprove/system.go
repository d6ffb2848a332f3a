// Package selfimprove runs one self-improvement cycle at a time: read health,
// diagnose what fired, validate the suggested actions, execute or queue them
// for approval, then measure and learn. It keeps no lock. The manager
// goroutine is its only caller.
package selfimprove

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/diagnosis"
	"github.com/ashita-ai/kaizen/internal/service/learning"
	"github.com/ashita-ai/kaizen/internal/service/reward"
	"github.com/ashita-ai/kaizen/internal/storage"
	"github.com/ashita-ai/kaizen/internal/telemetry"
)

var tracer = telemetry.Tracer("kaizen/selfimprove")

// ErrDiagnosisNotFound is returned for a diagnosis id that is not pending.
var ErrDiagnosisNotFound = errors.New("diagnosis not found")

// MetricsSource supplies the health view a cycle acts on.
type MetricsSource interface {
	Health(ctx context.Context) (model.HealthContext, error)
	Snapshot(ctx context.Context) (model.MetricsSnapshot, error)
	// SnapshotSince covers only invocations recorded after mark, a value
	// previously returned by TotalInvocations.
	SnapshotSince(ctx context.Context, mark int64) (model.MetricsSnapshot, error)
	TotalInvocations() int64
	UpdateBaselines(h model.HealthContext)
}

// Diagnoser explains triggers and proposes actions.
type Diagnoser interface {
	Diagnose(ctx context.Context, h model.HealthContext, t model.TriggerMetric) (diagnosis.Finding, error)
	SuggestAction(ctx context.Context, h model.HealthContext, t model.TriggerMetric, f diagnosis.Finding) (diagnosis.Suggestion, error)
	ValidateAction(ctx context.Context, d *model.SelfDiagnosis) (diagnosis.Verdict, error)
	SynthesizeLearning(ctx context.Context, d *model.SelfDiagnosis, res model.ExecutionResult, r reward.Normalized) (diagnosis.Synthesis, error)
}

// Executor applies and reverses actions.
type Executor interface {
	Apply(ctx context.Context, actionID string, action model.SuggestedAction) model.ExecutionResult
	Rollback(ctx context.Context, actionID string) error
}

// Validator checks an action against the settings allowlist and returns it
// with values coerced to their declared kinds.
type Validator interface {
	ValidateAction(a model.SuggestedAction) (model.SuggestedAction, error)
}

// Config tunes the cycle.
type Config struct {
	RequireApproval       bool
	MaxActionsPerCycle    int
	MinInvocations        int64
	MeasurementWindow     time.Duration
	ValidateWithLLM       bool
	MinRewardSignificance float64
	Breaker               BreakerConfig
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		RequireApproval:       true,
		MaxActionsPerCycle:    3,
		MinInvocations:        50,
		MeasurementWindow:     10 * time.Second,
		MinRewardSignificance: 0.1,
		Breaker:               DefaultBreakerConfig(),
	}
}

// Deps are the collaborators of a System. Store may be nil for an
// in-memory loop.
type Deps struct {
	Metrics   MetricsSource
	Diagnoser Diagnoser
	Executor  Executor
	Validator Validator
	Store     storage.Store
	Logger    *slog.Logger
}

// AnalysisResult is what the monitor and diagnoser found in one cycle.
type AnalysisResult struct {
	Health    model.HealthContext    `json:"health"`
	Diagnoses []*model.SelfDiagnosis `json:"diagnoses"`
}

// CycleResult reports one cycle. Error is set only for cycle-level failures;
// per-action failures live in ExecutionResults.
type CycleResult struct {
	CycleID          string                  `json:"cycle_id"`
	Blocked          bool                    `json:"blocked"`
	Skipped          bool                    `json:"skipped,omitempty"`
	SkipReason       string                  `json:"skip_reason,omitempty"`
	Analysis         *AnalysisResult         `json:"analysis_result,omitempty"`
	ExecutionResults []model.ExecutionResult `json:"execution_results"`
	PendingApproval  []string                `json:"pending_approval,omitempty"`
	Error            string                  `json:"error,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	DurationMs       int64                   `json:"duration_ms"`
}

// Failed reports whether the cycle counts against the circuit breaker: a
// cycle-level error, or every attempted execution failing.
func (r CycleResult) Failed() bool {
	if r.Error != "" {
		return true
	}
	if len(r.ExecutionResults) == 0 {
		return false
	}
	for _, res := range r.ExecutionResults {
		if res.Success {
			return false
		}
	}
	return true
}

// Outcome is the label the cycle is counted under.
func (r CycleResult) Outcome() string {
	switch {
	case r.Blocked:
		return "blocked"
	case r.Failed():
		return "failed"
	case r.Skipped:
		return "skipped"
	default:
		return "success"
	}
}

// LearningOutcome summarises the lesson recorded for an executed action.
type LearningOutcome struct {
	ActionID        string            `json:"action_id"`
	Insight         string            `json:"insight"`
	Reward          reward.Normalized `json:"reward"`
	Significant     bool              `json:"significant"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// ApproveResult is what approving a pending diagnosis produced.
type ApproveResult struct {
	DiagnosisID      string                  `json:"diagnosis_id"`
	ExecutionResults []model.ExecutionResult `json:"execution_results"`
	Learnings        []LearningOutcome       `json:"learnings,omitempty"`
}

// PendingDiagnosis is a queued diagnosis as shown to approvers.
type PendingDiagnosis struct {
	ID              string                `json:"id"`
	TriggerType     model.MetricType      `json:"trigger_type"`
	Trigger         string                `json:"trigger"`
	Severity        model.Severity        `json:"severity"`
	Description     string                `json:"description"`
	SuspectedCause  string                `json:"suspected_cause,omitempty"`
	Action          model.SuggestedAction `json:"suggested_action"`
	ActionSummary   string                `json:"action_summary"`
	ActionRationale string                `json:"action_rationale,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
}

// Stats counts cycles and actions since start.
type Stats struct {
	TotalCycles       int64      `json:"total_cycles"`
	SuccessfulCycles  int64      `json:"successful_cycles"`
	FailedCycles      int64      `json:"failed_cycles"`
	BlockedCycles     int64      `json:"blocked_cycles"`
	SkippedCycles     int64      `json:"skipped_cycles"`
	ActionsExecuted   int64      `json:"actions_executed"`
	ActionsFailed     int64      `json:"actions_failed"`
	ActionsRolledBack int64      `json:"actions_rolled_back"`
	LastCycleAt       *time.Time `json:"last_cycle_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// System is the cycle orchestrator.
type System struct {
	cfg       Config
	metrics   MetricsSource
	diagnoser Diagnoser
	executor  Executor
	validator Validator
	store     storage.Store
	logger    *slog.Logger
	breaker   *CircuitBreaker
	learner   *learning.Learner
	sleep     func(ctx context.Context, d time.Duration) error

	pending      map[string]*model.SelfDiagnosis
	pendingOrder []string
	stats        Stats
}

// New returns a System. Metrics, Diagnoser, Executor and Validator are
// required.
func New(cfg Config, deps Deps) (*System, error) {
	switch {
	case deps.Metrics == nil:
		return nil, errors.New("selfimprove: metrics source is required")
	case deps.Diagnoser == nil:
		return nil, errors.New("selfimprove: diagnoser is required")
	case deps.Executor == nil:
		return nil, errors.New("selfimprove: executor is required")
	case deps.Validator == nil:
		return nil, errors.New("selfimprove: validator is required")
	}
	if cfg.MaxActionsPerCycle <= 0 {
		cfg.MaxActionsPerCycle = DefaultConfig().MaxActionsPerCycle
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &System{
		cfg:       cfg,
		metrics:   deps.Metrics,
		diagnoser: deps.Diagnoser,
		executor:  deps.Executor,
		validator: deps.Validator,
		store:     deps.Store,
		logger:    logger,
		breaker:   NewCircuitBreaker(cfg.Breaker),
		learner:   learning.NewLearner(),
		sleep:     sleepCtx,
		pending:   make(map[string]*model.SelfDiagnosis),
	}, nil
}

// ShouldRunCycle reports whether enough invocations have been observed for
// analysis to mean anything.
func (s *System) ShouldRunCycle() bool {
	return s.metrics.TotalInvocations() >= s.cfg.MinInvocations
}

// RunCycle runs one monitor, diagnose, validate, execute and learn pass.
func (s *System) RunCycle(ctx context.Context) CycleResult {
	res := CycleResult{CycleID: uuid.NewString(), StartedAt: time.Now().UTC()}
	logger := s.logger.With("cycle_id", res.CycleID)

	if !s.breaker.Allow() {
		logger.Warn("selfimprove: cycle blocked by circuit breaker")
		res.Blocked = true
		s.finishCycle(&res)
		return res
	}

	ctx, span := tracer.Start(ctx, "selfimprove.run_cycle",
		trace.WithAttributes(attribute.String("kaizen.cycle_id", res.CycleID)))
	defer span.End()

	s.runCycle(ctx, logger, &res)

	span.SetAttributes(
		attribute.String("kaizen.cycle.outcome", res.Outcome()),
		attribute.Int("kaizen.cycle.actions", len(res.ExecutionResults)),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}
	s.finishCycle(&res)
	return res
}

func (s *System) runCycle(ctx context.Context, logger *slog.Logger, res *CycleResult) {
	if total := s.metrics.TotalInvocations(); total < s.cfg.MinInvocations {
		res.Skipped = true
		res.SkipReason = fmt.Sprintf("%d invocations observed, %d needed", total, s.cfg.MinInvocations)
		return
	}

	health, err := s.metrics.Health(ctx)
	if err != nil {
		res.Error = fmt.Sprintf("read health: %v", err)
		logger.Error("selfimprove: cycle aborted", "error", err)
		return
	}
	res.Analysis = &AnalysisResult{Health: health}
	s.metrics.UpdateBaselines(health)

	if health.IsHealthy() {
		res.Skipped = true
		res.SkipReason = "no metric triggered"
		return
	}

	triggers := health.Triggers
	if len(triggers) > s.cfg.MaxActionsPerCycle {
		triggers = triggers[:s.cfg.MaxActionsPerCycle]
	}

	for _, t := range triggers {
		d, err := s.diagnose(ctx, health, t)
		if err != nil {
			logger.Warn("selfimprove: diagnosis failed", "trigger", t.MetricType(), "error", err)
			res.ExecutionResults = append(res.ExecutionResults, model.ExecutionResult{
				Success: false,
				Message: err.Error(),
			})
			continue
		}
		res.Analysis.Diagnoses = append(res.Analysis.Diagnoses, d)

		if s.cfg.RequireApproval {
			if err := s.persistDiagnosis(ctx, d); err != nil {
				if errors.Is(err, errStoreUnavailable) {
					res.Error = err.Error()
					logger.Error("selfimprove: cycle aborted", "error", err)
					return
				}
				res.ExecutionResults = append(res.ExecutionResults, failedResult(d, err))
				continue
			}
			s.addPending(d)
			res.PendingApproval = append(res.PendingApproval, d.ID)
			logger.Info("selfimprove: diagnosis awaiting approval",
				"diagnosis_id", d.ID, "severity", d.Severity.String(), "action", d.Action.Describe())
			continue
		}

		if err := s.persistDiagnosis(ctx, d); err != nil {
			if errors.Is(err, errStoreUnavailable) {
				res.Error = err.Error()
				logger.Error("selfimprove: cycle aborted", "error", err)
				return
			}
			res.ExecutionResults = append(res.ExecutionResults, failedResult(d, err))
			continue
		}
		if err := d.Transition(model.DiagnosisApproved); err != nil {
			res.ExecutionResults = append(res.ExecutionResults, failedResult(d, err))
			continue
		}
		s.updateStatus(ctx, d)
		exec, _ := s.execute(ctx, d)
		res.ExecutionResults = append(res.ExecutionResults, exec)
	}
}

func (s *System) finishCycle(res *CycleResult) {
	res.DurationMs = time.Since(res.StartedAt).Milliseconds()
	if res.ExecutionResults == nil {
		res.ExecutionResults = []model.ExecutionResult{}
	}

	st := &s.stats
	st.TotalCycles++
	t := res.StartedAt
	st.LastCycleAt = &t

	switch res.Outcome() {
	case "blocked":
		st.BlockedCycles++
		return
	case "failed":
		st.FailedCycles++
		st.LastError = res.Error
		if st.LastError == "" {
			st.LastError = "all actions failed"
		}
		s.breaker.RecordFailure()
	case "skipped":
		st.SkippedCycles++
		// Skips are never half-open trials. A skip that never read health
		// leaves the breaker alone.
		if res.Analysis != nil && s.breaker.State() == BreakerClosed {
			s.breaker.RecordSuccess()
		}
	default:
		st.SuccessfulCycles++
		s.breaker.RecordSuccess()
	}
}

func (s *System) diagnose(ctx context.Context, h model.HealthContext, t model.TriggerMetric) (*model.SelfDiagnosis, error) {
	finding, err := s.diagnoser.Diagnose(ctx, h, t)
	if err != nil {
		return nil, err
	}
	suggestion, err := s.diagnoser.SuggestAction(ctx, h, t, finding)
	if err != nil {
		return nil, err
	}
	d := model.NewDiagnosis(t, finding.Description, suggestion.Action)
	d.SuspectedCause = finding.SuspectedCause
	d.ActionRationale = suggestion.Rationale
	return d, nil
}

// Approve executes a pending diagnosis and records what was learned.
func (s *System) Approve(ctx context.Context, diagnosisID string) (ApproveResult, error) {
	d, ok := s.pending[diagnosisID]
	if !ok {
		return ApproveResult{}, fmt.Errorf("%w: %s", ErrDiagnosisNotFound, diagnosisID)
	}
	if err := d.Transition(model.DiagnosisApproved); err != nil {
		return ApproveResult{}, err
	}
	s.removePending(diagnosisID)
	s.updateStatus(ctx, d)

	exec, lesson := s.execute(ctx, d)
	out := ApproveResult{DiagnosisID: diagnosisID, ExecutionResults: []model.ExecutionResult{exec}}
	if lesson != nil {
		out.Learnings = append(out.Learnings, *lesson)
	}
	return out, nil
}

// Reject checks that the diagnosis is pending and logs the rejection. The
// diagnosis stays pending and its stored status is unchanged.
// TODO: decide whether rejection should mark the diagnosis rejected and drop
// it from the pending list; approvers currently see rejected items again.
func (s *System) Reject(_ context.Context, diagnosisID, reason string) error {
	d, ok := s.pending[diagnosisID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDiagnosisNotFound, diagnosisID)
	}
	if reason == "" {
		reason = "no reason given"
	}
	s.logger.Info("selfimprove: diagnosis rejected",
		"diagnosis_id", diagnosisID, "action", d.Action.Describe(), "reason", reason)
	return nil
}

// Rollback reverses an executed action and marks it and its diagnosis
// rolled back.
func (s *System) Rollback(ctx context.Context, actionID string) error {
	if err := s.executor.Rollback(ctx, actionID); err != nil {
		return fmt.Errorf("selfimprove: rollback %s: %w", actionID, err)
	}
	s.stats.ActionsRolledBack++

	if s.store == nil {
		return nil
	}
	if err := s.store.UpdateActionOutcome(ctx, actionID, model.OutcomeRolledBack, nil); err != nil {
		s.logger.Warn("selfimprove: mark action rolled back", "action_id", actionID, "error", err)
		return nil
	}
	rec, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		s.logger.Warn("selfimprove: load rolled back action", "action_id", actionID, "error", err)
		return nil
	}
	if err := s.store.UpdateDiagnosisStatus(ctx, rec.DiagnosisID, model.DiagnosisRolledBack); err != nil {
		s.logger.Warn("selfimprove: mark diagnosis rolled back", "diagnosis_id", rec.DiagnosisID, "error", err)
	}
	return nil
}

// Pending lists queued diagnoses, oldest first. limit <= 0 means all.
func (s *System) Pending(limit int) []PendingDiagnosis {
	n := len(s.pendingOrder)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PendingDiagnosis, 0, n)
	for _, id := range s.pendingOrder[:n] {
		d := s.pending[id]
		out = append(out, PendingDiagnosis{
			ID:              d.ID,
			TriggerType:     d.Trigger.MetricType(),
			Trigger:         d.Trigger.Describe(),
			Severity:        d.Severity,
			Description:     d.Description,
			SuspectedCause:  d.SuspectedCause,
			Action:          d.Action,
			ActionSummary:   d.Action.Describe(),
			ActionRationale: d.ActionRationale,
			CreatedAt:       d.CreatedAt,
		})
	}
	return out
}

// PendingCount returns the number of queued diagnoses.
func (s *System) PendingCount() int { return len(s.pendingOrder) }

// Restore reloads pending diagnoses from the store so approvals survive a
// restart. Rows that no longer decode are skipped.
func (s *System) Restore(ctx context.Context, limit int) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.ListDiagnosesByStatus(ctx, model.DiagnosisPending, limit)
	if err != nil {
		return 0, fmt.Errorf("selfimprove: load pending diagnoses: %w", err)
	}
	restored := 0
	// Newest first from the store; queue oldest first.
	for i := len(recs) - 1; i >= 0; i-- {
		d, err := model.DiagnosisFromRecord(recs[i])
		if err != nil {
			s.logger.Warn("selfimprove: skip undecodable diagnosis", "diagnosis_id", recs[i].ID, "error", err)
			continue
		}
		if _, dup := s.pending[d.ID]; dup {
			continue
		}
		s.addPending(d)
		restored++
	}
	return restored, nil
}

// Stats returns the cycle and action counters.
func (s *System) Stats() Stats {
	st := s.stats
	if st.LastCycleAt != nil {
		t := *st.LastCycleAt
		st.LastCycleAt = &t
	}
	return st
}

// Breaker returns the circuit breaker status.
func (s *System) Breaker() BreakerStatus { return s.breaker.Status() }

// ResetBreaker closes the circuit breaker.
func (s *System) ResetBreaker() { s.breaker.Reset() }

// LearningSummary returns the running summary of lessons.
func (s *System) LearningSummary() learning.Summary { return s.learner.Summary() }

func (s *System) addPending(d *model.SelfDiagnosis) {
	s.pending[d.ID] = d
	s.pendingOrder = append(s.pendingOrder, d.ID)
}

func (s *System) removePending(id string) {
	delete(s.pending, id)
	for i, p := range s.pendingOrder {
		if p == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			return
		}
	}
}

// errStoreUnavailable marks storage failures that should abort the cycle
// rather than a single action.
var errStoreUnavailable = errors.New("store unavailable")

func (s *System) persistDiagnosis(ctx context.Context, d *model.SelfDiagnosis) error {
	if s.store == nil {
		return nil
	}
	rec, err := d.Record()
	if err != nil {
		return err
	}
	if err := s.store.CreateDiagnosis(ctx, rec); err != nil {
		if storage.KindOf(err) == storage.KindConnection {
			return fmt.Errorf("%w: %w", errStoreUnavailable, err)
		}
		return fmt.Errorf("selfimprove: save diagnosis %s: %w", d.ID, err)
	}
	return nil
}

func (s *System) updateStatus(ctx context.Context, d *model.SelfDiagnosis) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateDiagnosisStatus(ctx, d.ID, d.Status); err != nil {
		s.logger.Warn("selfimprove: update diagnosis status",
			"diagnosis_id", d.ID, "status", d.Status, "error", err)
	}
}

func failedResult(d *model.SelfDiagnosis, err error) model.ExecutionResult {
	return model.ExecutionResult{
		DiagnosisID: d.ID,
		Action:      d.Action,
		Success:     false,
		Message:     err.Error(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func marshalOrNil(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
