// Package diagnosis turns health snapshots into diagnoses and suggested
// actions by prompting a completion.Client, and reviews and summarises
// executed actions the same way.
package diagnosis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ashita-ai/kaizen/internal/completion"
	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/reward"
	"github.com/ashita-ai/kaizen/internal/settings"
)

// Finding is the model's explanation of a trigger.
type Finding struct {
	Description    string  `json:"description"`
	SuspectedCause string  `json:"suspected_cause,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// Suggestion is the action the model proposes for a finding.
type Suggestion struct {
	Action    model.SuggestedAction `json:"action"`
	Rationale string                `json:"rationale,omitempty"`
}

// Verdict is the model's review of a proposed action.
type Verdict struct {
	Approve  bool     `json:"approve"`
	Risk     string   `json:"risk"`
	Concerns []string `json:"concerns,omitempty"`
}

// Synthesis is the qualitative lesson drawn from a measured action.
type Synthesis struct {
	Insight            string   `json:"insight"`
	ApplicableContexts []string `json:"applicable_contexts,omitempty"`
	Recommendations    []string `json:"recommendations,omitempty"`
}

// Config tunes the requests the diagnoser sends.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Diagnoser is safe for concurrent use if its client is.
type Diagnoser struct {
	client   completion.Client
	registry *settings.Registry
	cfg      Config
	logger   *slog.Logger
}

// New returns a diagnoser. registry supplies the parameter allowlist shown to
// the model and the current values recorded as Old on suggested actions.
func New(client completion.Client, registry *settings.Registry, cfg Config, logger *slog.Logger) *Diagnoser {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnoser{client: client, registry: registry, cfg: cfg, logger: logger}
}

func (d *Diagnoser) complete(ctx context.Context, prompt string) (gjson.Result, error) {
	resp, err := d.client.Complete(ctx, []completion.Message{completion.User(prompt)}, completion.Config{
		Model:       d.cfg.Model,
		System:      systemPrompt,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: completion.Temperature(d.cfg.Temperature),
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return extractJSON(resp.Content)
}

// Diagnose explains trigger t in the context of h.
func (d *Diagnoser) Diagnose(ctx context.Context, h model.HealthContext, t model.TriggerMetric) (Finding, error) {
	obj, err := d.complete(ctx, diagnosePrompt(h, t))
	if err != nil {
		return Finding{}, fmt.Errorf("diagnosis: diagnose %s: %w", t.MetricType(), err)
	}
	f := Finding{
		Description:    firstString(obj, "description", "summary"),
		SuspectedCause: firstString(obj, "suspected_cause", "cause", "root_cause"),
		Confidence:     clamp01(obj.Get("confidence").Float()),
	}
	if f.Description == "" {
		f.Description = t.Describe()
	}
	return f, nil
}

// SuggestAction asks for one corrective action. Old values are filled from
// the registry; the executor replaces them with what it actually overwrote.
func (d *Diagnoser) SuggestAction(ctx context.Context, h model.HealthContext, t model.TriggerMetric, f Finding) (Suggestion, error) {
	obj, err := d.complete(ctx, suggestPrompt(h, t, f, d.registry))
	if err != nil {
		return Suggestion{}, fmt.Errorf("diagnosis: suggest action: %w", err)
	}
	action, err := d.parseAction(obj)
	if err != nil {
		return Suggestion{}, fmt.Errorf("diagnosis: suggest action: %w", err)
	}
	return Suggestion{Action: action, Rationale: firstString(obj, "rationale", "reasoning")}, nil
}

func (d *Diagnoser) parseAction(obj gjson.Result) (model.SuggestedAction, error) {
	kind := strings.ToLower(firstString(obj, "action_type", "type", "action"))
	switch model.ActionType(kind) {
	case model.ActionNoOp, "none", "wait":
		return model.NoOpAction{
			Reason:           firstString(obj, "reason", "rationale"),
			RecheckAfterSecs: max(obj.Get("recheck_after_secs").Int(), 0),
		}, nil

	case model.ActionAdjustParam:
		name := firstString(obj, "param", "name", "parameter")
		if name == "" {
			return nil, completion.Unexpected("adjust_param without a parameter name")
		}
		scope, err := model.ParseScope(firstString(obj, "scope"))
		if err != nil {
			return nil, completion.Unexpected("adjust_param: %v", err)
		}
		raw := obj.Get("value")
		if !raw.Exists() {
			raw = obj.Get("new_value")
		}
		if !raw.Exists() {
			return nil, completion.Unexpected("adjust_param %s without a value", name)
		}
		a := model.AdjustParamAction{Name: name, New: paramValue(raw), Scope: scope.Normalize()}
		if d.registry != nil {
			if cur, err := d.registry.Get(a.Scope, name); err == nil {
				a.Old = cur
			}
		}
		return a, nil

	case model.ActionScaleResource:
		rt := model.ResourceType(firstString(obj, "resource", "resource_type"))
		if rt == "" {
			return nil, completion.Unexpected("scale_resource without a resource")
		}
		target := obj.Get("target")
		if !target.Exists() {
			target = obj.Get("new_value")
		}
		if target.Type != gjson.Number {
			return nil, completion.Unexpected("scale_resource %s without a numeric target", rt)
		}
		a := model.ScaleResourceAction{ResourceType: rt, New: target.Int()}
		if d.registry != nil {
			if cur, err := d.registry.Limit(rt); err == nil {
				a.Old = cur
			}
		}
		return a, nil

	default:
		return nil, completion.Unexpected("unknown action type %q", kind)
	}
}

// ValidateAction asks the model to review a diagnosis before execution.
func (d *Diagnoser) ValidateAction(ctx context.Context, diag *model.SelfDiagnosis) (Verdict, error) {
	obj, err := d.complete(ctx, validatePrompt(diag))
	if err != nil {
		return Verdict{}, fmt.Errorf("diagnosis: validate action: %w", err)
	}
	approve := obj.Get("approve")
	if !approve.Exists() {
		approve = obj.Get("approved")
	}
	if !approve.IsBool() {
		return Verdict{}, fmt.Errorf("diagnosis: validate action: %w", completion.Unexpected("verdict without approve flag"))
	}
	return Verdict{
		Approve:  approve.Bool(),
		Risk:     strings.ToLower(firstString(obj, "risk")),
		Concerns: stringList(obj.Get("concerns")),
	}, nil
}

// SynthesizeLearning asks the model for a lesson from a measured action.
func (d *Diagnoser) SynthesizeLearning(ctx context.Context, diag *model.SelfDiagnosis, res model.ExecutionResult, r reward.Normalized) (Synthesis, error) {
	obj, err := d.complete(ctx, learningPrompt(diag, res, r))
	if err != nil {
		return Synthesis{}, fmt.Errorf("diagnosis: synthesize learning: %w", err)
	}
	return Synthesis{
		Insight:            firstString(obj, "insight", "lesson"),
		ApplicableContexts: stringList(obj.Get("applicable_contexts")),
		Recommendations:    stringList(obj.Get("recommendations")),
	}, nil
}

// paramValue infers a ParamValue from JSON. Whole numbers become integers;
// the settings registry coerces to the declared kind later. Strings like
// "500ms" become durations.
func paramValue(r gjson.Result) model.ParamValue {
	switch r.Type {
	case gjson.True, gjson.False:
		return model.BooleanValue(r.Bool())
	case gjson.Number:
		f := r.Float()
		if f == math.Trunc(f) && !strings.ContainsAny(r.Raw, ".eE") {
			return model.IntegerValue(r.Int())
		}
		return model.FloatValue(f)
	default:
		if r.IsObject() {
			if v, err := model.UnmarshalParamValue([]byte(r.Raw)); err == nil {
				return v
			}
		}
		s := strings.TrimSpace(r.String())
		if ms, ok := strings.CutSuffix(s, "ms"); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(ms), 10, 64); err == nil {
				return model.DurationMsValue(n)
			}
		}
		return model.StringValue(s)
	}
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
