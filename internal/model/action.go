package model

import (
	"encoding/json"
	"fmt"
)

// ActionType is the discriminator of a SuggestedAction.
type ActionType string

const (
	ActionNoOp          ActionType = "no_op"
	ActionAdjustParam   ActionType = "adjust_param"
	ActionScaleResource ActionType = "scale_resource"
)

// ResourceType names a scalable resource limit of the running process.
type ResourceType string

const (
	ResourceMaxConcurrentRequests ResourceType = "max_concurrent_requests"
	ResourceConnectionPoolSize    ResourceType = "connection_pool_size"
	ResourceCacheSize             ResourceType = "cache_size"
	ResourceTimeoutMs             ResourceType = "timeout_ms"
	ResourceMaxRetries            ResourceType = "max_retries"
	ResourceRetryDelayMs          ResourceType = "retry_delay_ms"
)

// SuggestedAction is a corrective action proposed by a diagnosis.
// Implemented by NoOpAction, AdjustParamAction and ScaleResourceAction.
type SuggestedAction interface {
	ActionType() ActionType
	IsNoOp() bool
	Describe() string

	isSuggestedAction()
}

// NoOpAction records a decision to wait and recheck instead of acting.
type NoOpAction struct {
	Reason           string `json:"reason"`
	RecheckAfterSecs int64  `json:"recheck_after_secs"`
}

// AdjustParamAction changes a configuration parameter within a scope.
// Old is the value observed when the action was built; the executor records
// the value it actually replaced.
type AdjustParamAction struct {
	Name  string      `json:"name"`
	Old   ParamValue  `json:"old"`
	New   ParamValue  `json:"new"`
	Scope ConfigScope `json:"scope"`
}

// ScaleResourceAction moves a resource limit from Old to New.
type ScaleResourceAction struct {
	ResourceType ResourceType `json:"resource_type"`
	Old          int64        `json:"old"`
	New          int64        `json:"new"`
}

func (NoOpAction) isSuggestedAction()          {}
func (AdjustParamAction) isSuggestedAction()   {}
func (ScaleResourceAction) isSuggestedAction() {}

func (NoOpAction) ActionType() ActionType          { return ActionNoOp }
func (AdjustParamAction) ActionType() ActionType   { return ActionAdjustParam }
func (ScaleResourceAction) ActionType() ActionType { return ActionScaleResource }

func (NoOpAction) IsNoOp() bool          { return true }
func (AdjustParamAction) IsNoOp() bool   { return false }
func (ScaleResourceAction) IsNoOp() bool { return false }

func (a NoOpAction) Describe() string {
	if a.RecheckAfterSecs > 0 {
		return fmt.Sprintf("no action (%s); recheck after %ds", a.Reason, a.RecheckAfterSecs)
	}
	return fmt.Sprintf("no action (%s)", a.Reason)
}

func (a AdjustParamAction) Describe() string {
	return fmt.Sprintf("set %s from %s to %s (%s)", a.Name, displayParam(a.Old), displayParam(a.New), a.Scope)
}

func (a ScaleResourceAction) Describe() string {
	return fmt.Sprintf("scale %s from %d to %d", a.ResourceType, a.Old, a.New)
}

func displayParam(v ParamValue) string {
	if v == nil {
		return "unset"
	}
	return v.String()
}

func (a NoOpAction) MarshalJSON() ([]byte, error) {
	type plain NoOpAction
	return json.Marshal(struct {
		Type ActionType `json:"type"`
		plain
	}{ActionNoOp, plain(a)})
}

func (a AdjustParamAction) MarshalJSON() ([]byte, error) {
	type plain AdjustParamAction
	return json.Marshal(struct {
		Type ActionType `json:"type"`
		plain
	}{ActionAdjustParam, plain(a)})
}

func (a ScaleResourceAction) MarshalJSON() ([]byte, error) {
	type plain ScaleResourceAction
	return json.Marshal(struct {
		Type ActionType `json:"type"`
		plain
	}{ActionScaleResource, plain(a)})
}

func (a *AdjustParamAction) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name  string          `json:"name"`
		Old   json.RawMessage `json:"old"`
		New   json.RawMessage `json:"new"`
		Scope ConfigScope     `json:"scope"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: decode adjust_param: %w", err)
	}
	a.Name = raw.Name
	a.Scope = raw.Scope
	a.Old, a.New = nil, nil
	if len(raw.Old) > 0 && string(raw.Old) != "null" {
		v, err := UnmarshalParamValue(raw.Old)
		if err != nil {
			return err
		}
		a.Old = v
	}
	if len(raw.New) > 0 && string(raw.New) != "null" {
		v, err := UnmarshalParamValue(raw.New)
		if err != nil {
			return err
		}
		a.New = v
	}
	return nil
}

// UnmarshalAction decodes a {"type": ...} envelope into its concrete variant.
func UnmarshalAction(data []byte) (SuggestedAction, error) {
	var env struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("model: decode action: %w", err)
	}
	switch env.Type {
	case ActionNoOp:
		var a NoOpAction
		err := json.Unmarshal(data, &a)
		return a, err
	case ActionAdjustParam:
		var a AdjustParamAction
		err := json.Unmarshal(data, &a)
		return a, err
	case ActionScaleResource:
		var a ScaleResourceAction
		err := json.Unmarshal(data, &a)
		return a, err
	default:
		return nil, fmt.Errorf("model: unknown action type %q", env.Type)
	}
}
