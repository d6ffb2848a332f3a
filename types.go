package kaizen

import (
	"fmt"
	"time"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/settings"
)

// Invocation is one completed tool call of the host server, as reported to
// RecordInvocation. QualityScore is optional and must lie in [0, 1].
type Invocation struct {
	ToolName     string
	LatencyMs    int64
	Success      bool
	QualityScore *float64
	// CreatedAt defaults to the time of recording.
	CreatedAt time.Time
}

// ParamKind is the value kind of a tunable parameter.
type ParamKind string

const (
	ParamInteger    ParamKind = "integer"
	ParamFloat      ParamKind = "float"
	ParamString     ParamKind = "string"
	ParamBoolean    ParamKind = "boolean"
	ParamDurationMs ParamKind = "duration_ms"
)

// Param declares a parameter the loop is allowed to tune. Default must match
// Kind: int or int64 for integers, float64 for floats, string, bool, and
// time.Duration for durations. Min and Max bound numeric kinds; Allowed
// restricts strings when non-empty.
type Param struct {
	Name        string
	Kind        ParamKind
	Default     any
	Min         float64
	Max         float64
	Allowed     []string
	Description string
}

func toModelInvocation(inv Invocation) model.Invocation {
	return model.Invocation{
		ToolName:     inv.ToolName,
		LatencyMs:    inv.LatencyMs,
		Success:      inv.Success,
		QualityScore: inv.QualityScore,
		CreatedAt:    inv.CreatedAt,
	}
}

func toParamSpecs(params []Param) ([]settings.ParamSpec, error) {
	specs := make([]settings.ParamSpec, 0, len(params))
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("param: name is required")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("param %q: declared twice", p.Name)
		}
		seen[p.Name] = true

		def, err := toParamValue(p.Kind, p.Default)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", p.Name, err)
		}
		if (p.Kind != ParamString && p.Kind != ParamBoolean) && p.Min > p.Max {
			return nil, fmt.Errorf("param %q: min %g above max %g", p.Name, p.Min, p.Max)
		}
		specs = append(specs, settings.ParamSpec{
			Name:        p.Name,
			Kind:        model.ParamKind(p.Kind),
			Default:     def,
			Min:         p.Min,
			Max:         p.Max,
			Allowed:     p.Allowed,
			Description: p.Description,
		})
	}
	return specs, nil
}

func toParamValue(kind ParamKind, v any) (model.ParamValue, error) {
	switch kind {
	case ParamInteger:
		switch n := v.(type) {
		case int:
			return model.IntegerValue(n), nil
		case int64:
			return model.IntegerValue(n), nil
		}
	case ParamFloat:
		switch f := v.(type) {
		case float64:
			return model.FloatValue(f), nil
		case int:
			return model.FloatValue(float64(f)), nil
		}
	case ParamString:
		if s, ok := v.(string); ok {
			return model.StringValue(s), nil
		}
	case ParamBoolean:
		if b, ok := v.(bool); ok {
			return model.BooleanValue(b), nil
		}
	case ParamDurationMs:
		if d, ok := v.(time.Duration); ok {
			return model.DurationMsValue(d.Milliseconds()), nil
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return nil, fmt.Errorf("default %v (%T) does not match kind %s", v, v, kind)
}

// fromParamValue converts a live value back to the Go type Param.Default
// uses for its kind.
func fromParamValue(v model.ParamValue) any {
	switch pv := v.(type) {
	case model.IntegerValue:
		return int64(pv)
	case model.FloatValue:
		return float64(pv)
	case model.StringValue:
		return string(pv)
	case model.BooleanValue:
		return bool(pv)
	case model.DurationMsValue:
		return time.Duration(pv) * time.Millisecond
	default:
		return nil
	}
}
