package selfimprove

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/reward"
	"github.com/ashita-ai/kaizen/internal/storage"
)

// execute validates, applies and measures the action of an approved
// diagnosis, then records a lesson. Every failure is reported in the
// returned result; nothing here aborts the cycle.
func (s *System) execute(ctx context.Context, d *model.SelfDiagnosis) (model.ExecutionResult, *LearningOutcome) {
	ctx, span := tracer.Start(ctx, "selfimprove.execute", trace.WithAttributes(
		attribute.String("kaizen.diagnosis_id", d.ID),
		attribute.String("kaizen.action_type", string(d.Action.ActionType())),
	))
	defer span.End()

	logger := s.logger.With("diagnosis_id", d.ID)
	fail := func(err error) (model.ExecutionResult, *LearningOutcome) {
		span.SetStatus(codes.Error, err.Error())
		s.stats.ActionsFailed++
		s.markDiagnosis(ctx, d, model.DiagnosisFailed)
		logger.Warn("selfimprove: action not executed", "action", d.Action.Describe(), "error", err)
		return failedResult(d, err), nil
	}

	validated, err := s.validator.ValidateAction(d.Action)
	if err != nil {
		return fail(fmt.Errorf("validate: %w", err))
	}
	d.Action = validated

	if s.cfg.ValidateWithLLM && !d.Action.IsNoOp() {
		verdict, err := s.diagnoser.ValidateAction(ctx, d)
		if err != nil {
			return fail(fmt.Errorf("review: %w", err))
		}
		if !verdict.Approve {
			return fail(fmt.Errorf("review vetoed action (risk %s): %v", verdict.Risk, verdict.Concerns))
		}
	}

	pre, err := s.metrics.Snapshot(ctx)
	if err != nil {
		return fail(fmt.Errorf("pre-action metrics: %w", err))
	}

	actionID := uuid.NewString()
	span.SetAttributes(attribute.String("kaizen.action_id", actionID))
	if s.store != nil {
		if err := s.store.CreateAction(ctx, model.ActionRecord{
			ID:             actionID,
			DiagnosisID:    d.ID,
			ActionType:     string(d.Action.ActionType()),
			ActionJSON:     marshalOrNil(d.Action),
			Outcome:        model.OutcomePending,
			PreMetricsJSON: marshalOrNil(pre),
		}); err != nil {
			return fail(fmt.Errorf("save action: %w", err))
		}
	}

	start := time.Now()
	res := s.executor.Apply(ctx, actionID, d.Action)
	mark := s.metrics.TotalInvocations()
	res.DiagnosisID = d.ID
	res.ActionID = actionID
	d.Action = res.Action

	var (
		post model.MetricsSnapshot
		r    reward.Normalized
	)
	if res.Success {
		if err := s.sleep(ctx, s.cfg.MeasurementWindow); err != nil {
			logger.Warn("selfimprove: measurement window cut short", "action_id", actionID, "error", err)
		}
		post, err = s.metrics.SnapshotSince(ctx, mark)
		if err != nil {
			logger.Warn("selfimprove: post-action metrics unavailable", "action_id", actionID, "error", err)
		}
		if err != nil || post.SampleCount == 0 {
			// Nothing measured the action: score it neutral with no confidence.
			post = model.NewMetricsSnapshot(pre.ErrorRate, pre.LatencyP95Ms, pre.QualityScore, 0)
		}
		r = reward.Calculate(d.Trigger, pre, post, post.SampleCount)
		v := r.Value
		res.MeasuredImprovement = &v
	}
	elapsed := time.Since(start).Milliseconds()

	s.finishAction(ctx, actionID, res, post, elapsed)

	if !res.Success {
		span.SetStatus(codes.Error, res.Message)
		s.stats.ActionsFailed++
		s.markDiagnosis(ctx, d, model.DiagnosisFailed)
		logger.Warn("selfimprove: action failed", "action_id", actionID, "error", res.Message)
		return res, nil
	}

	s.stats.ActionsExecuted++
	s.markDiagnosis(ctx, d, model.DiagnosisExecuted)
	logger.Info("selfimprove: action executed",
		"action_id", actionID, "action", res.Action.Describe(),
		"reward", r.Value, "confidence", r.Confidence)

	lesson := s.learn(ctx, d, res, r)
	return res, &lesson
}

func (s *System) finishAction(ctx context.Context, actionID string, res model.ExecutionResult, post model.MetricsSnapshot, elapsedMs int64) {
	if s.store == nil {
		return
	}
	out := storage.ActionResult{
		Outcome:         model.OutcomeCompleted,
		ActionJSON:      marshalOrNil(res.Action),
		ExecutionTimeMs: elapsedMs,
	}
	if res.Success {
		out.PostMetrics = marshalOrNil(post)
	} else {
		out.Outcome = model.OutcomeFailed
		msg := res.Message
		out.ErrorMessage = &msg
	}
	if err := s.store.FinishAction(ctx, actionID, out); err != nil {
		s.logger.Warn("selfimprove: record action outcome", "action_id", actionID, "error", err)
	}
}

// learn asks the diagnoser for a qualitative lesson, falling back to a
// generated insight, and records it.
func (s *System) learn(ctx context.Context, d *model.SelfDiagnosis, res model.ExecutionResult, r reward.Normalized) LearningOutcome {
	synth, err := s.diagnoser.SynthesizeLearning(ctx, d, res, r)
	if err != nil {
		s.logger.Warn("selfimprove: learning synthesis failed, using default insight",
			"action_id", res.ActionID, "error", err)
	}
	lesson := s.learner.Learn(res.ActionID, res.Action, r, synth.Insight, synth.ApplicableContexts, synth.Recommendations)

	if s.store != nil {
		rec, err := lesson.ToRecord()
		if err == nil {
			err = s.store.CreateLearning(ctx, rec)
		}
		if err != nil {
			s.logger.Warn("selfimprove: save learning", "action_id", res.ActionID, "error", err)
		}
	}

	return LearningOutcome{
		ActionID:        res.ActionID,
		Insight:         lesson.Insight,
		Reward:          r,
		Significant:     r.IsSignificant(s.cfg.MinRewardSignificance),
		Recommendations: lesson.Recommendations,
	}
}

func (s *System) markDiagnosis(ctx context.Context, d *model.SelfDiagnosis, next model.DiagnosisStatus) {
	if err := d.Transition(next); err != nil {
		s.logger.Warn("selfimprove: diagnosis transition", "diagnosis_id", d.ID, "error", err)
		return
	}
	s.updateStatus(ctx, d)
}
