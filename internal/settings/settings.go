// Package settings is the live configuration the executor mutates: a fixed
// allowlist of tunable parameters and scalable resources with their bounds,
// plus the current values at each scope.
package settings

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/ashita-ai/kaizen/internal/model"
)

var (
	ErrUnknownParam    = errors.New("settings: unknown parameter")
	ErrUnknownResource = errors.New("settings: unknown resource")
	ErrKindMismatch    = errors.New("settings: value kind mismatch")
	ErrOutOfBounds     = errors.New("settings: value out of bounds")
	ErrInvalidScope    = errors.New("settings: invalid scope")
)

// ParamSpec declares a tunable parameter. Min and Max apply to numeric kinds;
// Allowed applies to strings and is ignored when empty.
type ParamSpec struct {
	Name        string           `json:"name"`
	Kind        model.ParamKind  `json:"kind"`
	Default     model.ParamValue `json:"default"`
	Min         float64          `json:"min,omitempty"`
	Max         float64          `json:"max,omitempty"`
	Allowed     []string         `json:"allowed,omitempty"`
	Description string           `json:"description,omitempty"`
}

// ResourceSpec declares a scalable resource limit.
type ResourceSpec struct {
	Type    model.ResourceType `json:"type"`
	Default int64              `json:"default"`
	Min     int64              `json:"min"`
	Max     int64              `json:"max"`
}

// Registry holds the allowlist and the current values. Safe for concurrent
// use: request handlers read while the manager goroutine writes.
type Registry struct {
	mu        sync.RWMutex
	params    map[string]ParamSpec
	resources map[model.ResourceType]ResourceSpec
	values    map[string]model.ParamValue // keyed by ConfigScope.Key
	limits    map[model.ResourceType]int64
}

// NewRegistry builds a registry from specs. Resource limits start at their
// defaults.
func NewRegistry(params []ParamSpec, resources []ResourceSpec) *Registry {
	r := &Registry{
		params:    make(map[string]ParamSpec, len(params)),
		resources: make(map[model.ResourceType]ResourceSpec, len(resources)),
		values:    make(map[string]model.ParamValue),
		limits:    make(map[model.ResourceType]int64, len(resources)),
	}
	for _, p := range params {
		r.params[p.Name] = p
	}
	for _, res := range resources {
		r.resources[res.Type] = res
		r.limits[res.Type] = res.Default
	}
	return r
}

// NewDefaultRegistry returns a registry with DefaultParams and DefaultResources.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultParams(), DefaultResources())
}

// DefaultParams are the parameters the reasoning modes read per request.
func DefaultParams() []ParamSpec {
	return []ParamSpec{
		{Name: "temperature", Kind: model.ParamFloat, Default: model.FloatValue(0.7), Min: 0, Max: 1,
			Description: "sampling temperature"},
		{Name: "top_p", Kind: model.ParamFloat, Default: model.FloatValue(1.0), Min: 0.1, Max: 1,
			Description: "nucleus sampling cutoff"},
		{Name: "max_tokens", Kind: model.ParamInteger, Default: model.IntegerValue(4096), Min: 256, Max: 16384,
			Description: "completion token budget"},
		{Name: "request_timeout_ms", Kind: model.ParamDurationMs, Default: model.DurationMsValue(30000), Min: 1000, Max: 300000,
			Description: "per-request completion timeout"},
		{Name: "retry_on_parse_failure", Kind: model.ParamBoolean, Default: model.BooleanValue(true),
			Description: "re-ask the model when its JSON cannot be parsed"},
		{Name: "response_format", Kind: model.ParamString, Default: model.StringValue("json"), Allowed: []string{"json", "text"},
			Description: "response shape requested from the model"},
	}
}

// DefaultResources are the process limits the executor may scale.
func DefaultResources() []ResourceSpec {
	return []ResourceSpec{
		{Type: model.ResourceMaxConcurrentRequests, Default: 8, Min: 1, Max: 64},
		{Type: model.ResourceConnectionPoolSize, Default: 4, Min: 1, Max: 32},
		{Type: model.ResourceCacheSize, Default: 1000, Min: 0, Max: 100000},
		{Type: model.ResourceTimeoutMs, Default: 30000, Min: 1000, Max: 300000},
		{Type: model.ResourceMaxRetries, Default: 3, Min: 0, Max: 10},
		{Type: model.ResourceRetryDelayMs, Default: 500, Min: 0, Max: 60000},
	}
}

// Param returns the spec for name.
func (r *Registry) Param(name string) (ParamSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[name]
	return p, ok
}

// Params returns every parameter spec ordered by name.
func (r *Registry) Params() []ParamSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ParamSpec, 0, len(r.params))
	for _, p := range r.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resource returns the spec for t.
func (r *Registry) Resource(t model.ResourceType) (ResourceSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[t]
	return res, ok
}

// Resources returns every resource spec ordered by type.
func (r *Registry) Resources() []ResourceSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ResourceSpec, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Get resolves name for scope, falling back tool → mode → global → default.
func (r *Registry) Get(scope model.ConfigScope, name string) (model.ParamValue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.params[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	for _, s := range fallbackChain(scope) {
		if v, ok := r.values[s.Key(name)]; ok {
			return v, nil
		}
	}
	return spec.Default, nil
}

// Lookup returns the value set exactly at scope, without fallback.
func (r *Registry) Lookup(scope model.ConfigScope, name string) (model.ParamValue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[scope.Key(name)]
	return v, ok
}

// Set validates v against the allowlist and stores it at scope. The stored
// value may be coerced to the declared kind.
func (r *Registry) Set(scope model.ConfigScope, name string, v model.ParamValue) (model.ParamValue, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.params[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	coerced, err := spec.Check(v)
	if err != nil {
		return nil, err
	}
	r.values[scope.Key(name)] = coerced
	return coerced, nil
}

// Unset removes the value stored exactly at scope.
func (r *Registry) Unset(scope model.ConfigScope, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, scope.Key(name))
}

// SetKey stores v under a raw override key, as loaded from the store.
func (r *Registry) SetKey(key string, v model.ParamValue) error {
	scope, name, err := model.ParseScopeKey(key)
	if err != nil {
		return err
	}
	_, err = r.Set(scope, name, v)
	return err
}

// Values returns a copy of every scoped value keyed by override key.
func (r *Registry) Values() map[string]model.ParamValue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.ParamValue, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Limit returns the current value of a resource limit.
func (r *Registry) Limit(t model.ResourceType) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.limits[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, t)
	}
	return v, nil
}

// SetLimit bounds-checks and stores a resource limit.
func (r *Registry) SetLimit(t model.ResourceType, v int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.resources[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownResource, t)
	}
	if err := spec.Check(v); err != nil {
		return err
	}
	r.limits[t] = v
	return nil
}

// Limits returns a copy of every resource limit.
func (r *Registry) Limits() map[model.ResourceType]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.ResourceType]int64, len(r.limits))
	for k, v := range r.limits {
		out[k] = v
	}
	return out
}

// ValidateAction checks an action against the allowlist and returns it with
// values coerced to their declared kinds. No-op actions always pass.
func (r *Registry) ValidateAction(a model.SuggestedAction) (model.SuggestedAction, error) {
	switch act := a.(type) {
	case model.NoOpAction:
		return act, nil
	case model.AdjustParamAction:
		if err := validateScope(act.Scope); err != nil {
			return nil, err
		}
		spec, ok := r.Param(act.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParam, act.Name)
		}
		coerced, err := spec.Check(act.New)
		if err != nil {
			return nil, err
		}
		act.New = coerced
		act.Scope = act.Scope.Normalize()
		return act, nil
	case model.ScaleResourceAction:
		spec, ok := r.Resource(act.ResourceType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownResource, act.ResourceType)
		}
		if err := spec.Check(act.New); err != nil {
			return nil, err
		}
		return act, nil
	case nil:
		return nil, errors.New("settings: nil action")
	default:
		return nil, fmt.Errorf("settings: unsupported action %T", a)
	}
}

// Check validates v against the spec, coercing numeric kinds where the
// conversion is lossless.
func (p ParamSpec) Check(v model.ParamValue) (model.ParamValue, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: %s requires a %s value", ErrKindMismatch, p.Name, p.Kind)
	}
	coerced, ok := coerce(p.Kind, v)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects %s, got %s", ErrKindMismatch, p.Name, p.Kind, v.Kind())
	}
	if n, numeric := model.Numeric(coerced); numeric {
		if math.IsNaN(n) || n < p.Min || n > p.Max {
			return nil, fmt.Errorf("%w: %s=%s outside [%g, %g]", ErrOutOfBounds, p.Name, coerced, p.Min, p.Max)
		}
	}
	if s, isString := coerced.(model.StringValue); isString && len(p.Allowed) > 0 {
		if !slices.Contains(p.Allowed, string(s)) {
			return nil, fmt.Errorf("%w: %s=%q not in %v", ErrOutOfBounds, p.Name, string(s), p.Allowed)
		}
	}
	return coerced, nil
}

// Check bounds-checks a resource target.
func (s ResourceSpec) Check(v int64) error {
	if v < s.Min || v > s.Max {
		return fmt.Errorf("%w: %s=%d outside [%d, %d]", ErrOutOfBounds, s.Type, v, s.Min, s.Max)
	}
	return nil
}

func coerce(kind model.ParamKind, v model.ParamValue) (model.ParamValue, bool) {
	if v.Kind() == kind {
		return v, true
	}
	switch kind {
	case model.ParamFloat:
		if n, ok := v.(model.IntegerValue); ok {
			return model.FloatValue(float64(n)), true
		}
	case model.ParamInteger:
		if f, ok := v.(model.FloatValue); ok && f == model.FloatValue(math.Trunc(float64(f))) {
			return model.IntegerValue(int64(f)), true
		}
		if d, ok := v.(model.DurationMsValue); ok {
			return model.IntegerValue(int64(d)), true
		}
	case model.ParamDurationMs:
		switch x := v.(type) {
		case model.IntegerValue:
			return model.DurationMsValue(int64(x)), true
		case model.FloatValue:
			if x == model.FloatValue(math.Trunc(float64(x))) {
				return model.DurationMsValue(int64(x)), true
			}
		}
	}
	return nil, false
}

func validateScope(s model.ConfigScope) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	return nil
}

// fallbackChain lists the scopes consulted for a lookup, most specific first.
func fallbackChain(scope model.ConfigScope) []model.ConfigScope {
	scope = scope.Normalize()
	chain := make([]model.ConfigScope, 0, 3)
	if scope.Kind == model.ScopeTool {
		chain = append(chain, scope)
	}
	if mode, ok := scope.Mode(); ok && mode != "" {
		chain = append(chain, model.ModeScope(mode))
	}
	return append(chain, model.GlobalScope())
}
