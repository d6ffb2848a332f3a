package diagnosis

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/service/reward"
	"github.com/ashita-ai/kaizen/internal/settings"
)

const systemPrompt = `You are the self-improvement controller of a reasoning server.
You diagnose runtime health problems and propose one small, reversible configuration change at a time.
Always answer with a single JSON object and nothing else.`

func healthSection(h model.HealthContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current metrics over %d recent invocations (%d total):\n", h.Current.SampleCount, h.TotalInvocations)
	fmt.Fprintf(&b, "- error_rate: %.4f (baseline %.4f)\n", h.Current.ErrorRate, h.Baselines.ErrorRate)
	fmt.Fprintf(&b, "- latency_p95_ms: %.0f (baseline %.0f)\n", h.Current.LatencyP95Ms, h.Baselines.LatencyP95Ms)
	fmt.Fprintf(&b, "- quality_score: %.3f (baseline %.3f)\n", h.Current.QualityScore, h.Baselines.QualityScore)
	return b.String()
}

func triggerSection(t model.TriggerMetric) string {
	return fmt.Sprintf("Triggered metric: %s\nSeverity: %s (%.0f%% from baseline)\n",
		t.Describe(), t.Severity(), t.DeviationPct())
}

func diagnosePrompt(h model.HealthContext, t model.TriggerMetric) string {
	return healthSection(h) + "\n" + triggerSection(t) + `
Explain what is most likely wrong. Respond with:
{"description": "<one sentence summary>", "suspected_cause": "<most likely cause>", "confidence": <0..1>}`
}

func suggestPrompt(h model.HealthContext, t model.TriggerMetric, f Finding, reg *settings.Registry) string {
	var b strings.Builder
	b.WriteString(healthSection(h))
	b.WriteString("\n")
	b.WriteString(triggerSection(t))
	fmt.Fprintf(&b, "Diagnosis: %s\nSuspected cause: %s\n\n", f.Description, f.SuspectedCause)

	b.WriteString("Tunable parameters (scope is global, mode:<mode> or tool:reasoning_<mode>):\n")
	for _, p := range reg.Params() {
		cur, _ := reg.Get(model.GlobalScope(), p.Name)
		if len(p.Allowed) > 0 {
			fmt.Fprintf(&b, "- %s (%s, one of %s, current %s): %s\n", p.Name, p.Kind, strings.Join(p.Allowed, "|"), cur, p.Description)
			continue
		}
		if p.Kind == model.ParamBoolean {
			fmt.Fprintf(&b, "- %s (%s, current %s): %s\n", p.Name, p.Kind, cur, p.Description)
			continue
		}
		fmt.Fprintf(&b, "- %s (%s, %g..%g, current %s): %s\n", p.Name, p.Kind, p.Min, p.Max, cur, p.Description)
	}
	b.WriteString("\nScalable resources:\n")
	limits := reg.Limits()
	for _, spec := range reg.Resources() {
		fmt.Fprintf(&b, "- %s (%d..%d, current %d)\n", spec.Type, spec.Min, spec.Max, limits[spec.Type])
	}
	fmt.Fprintf(&b, "\nKnown modes: %s\n", strings.Join(model.ReasoningModes, ", "))
	b.WriteString(`
Propose exactly one action. Respond with one of:
{"action_type": "adjust_param", "param": "<name>", "value": <new value>, "scope": "global", "rationale": "..."}
{"action_type": "scale_resource", "resource": "<name>", "target": <integer>, "rationale": "..."}
{"action_type": "no_op", "reason": "...", "recheck_after_secs": <integer>, "rationale": "..."}`)
	return b.String()
}

func validatePrompt(d *model.SelfDiagnosis) string {
	return fmt.Sprintf(`A controller wants to apply this change to a live reasoning server.

Trigger: %s
Diagnosis: %s
Suspected cause: %s
Proposed action: %s
Rationale: %s

Is the action safe and likely to help? Respond with:
{"approve": true|false, "risk": "low|medium|high", "concerns": ["..."]}`,
		d.Trigger.Describe(), d.Description, orNone(d.SuspectedCause), d.Action.Describe(), orNone(d.ActionRationale))
}

func learningPrompt(d *model.SelfDiagnosis, res model.ExecutionResult, r reward.Normalized) string {
	outcome := "succeeded"
	if !res.Success {
		outcome = "failed: " + res.Message
	}
	return fmt.Sprintf(`An automated change to a reasoning server has been measured.

Trigger: %s
Diagnosis: %s
Action: %s (%s)
Reward: %+.2f with confidence %.2f (error %+.2f, latency %+.2f, quality %+.2f)

What should the controller learn? Respond with:
{"insight": "<one sentence>", "applicable_contexts": ["..."], "recommendations": ["..."]}`,
		d.Trigger.Describe(), d.Description, res.Action.Describe(), outcome,
		r.Value, r.Confidence, r.Breakdown.ErrorRate, r.Breakdown.Latency, r.Breakdown.Quality)
}

func orNone(s string) string {
	if s == "" {
		return "none given"
	}
	return s
}
