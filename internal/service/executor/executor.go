// Package executor applies suggested actions to the live settings registry,
// persists the resulting overrides, and reverses them on rollback.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/settings"
	"github.com/ashita-ai/kaizen/internal/storage"
)

// resourcePrefix namespaces resource limits among config override keys.
const resourcePrefix = "resource."

// ErrUnknownAction is returned by Rollback for an action that was never applied.
var ErrUnknownAction = errors.New("executor: unknown action")

// ResourceKey is the override key under which a resource limit is persisted.
func ResourceKey(t model.ResourceType) string { return resourcePrefix + string(t) }

// ConfigExecutor mutates a settings.Registry and mirrors every change into
// config_overrides. Safe for concurrent use, though the manager goroutine is
// the only writer in practice.
type ConfigExecutor struct {
	registry *settings.Registry
	store    storage.Store
	logger   *slog.Logger

	mu      sync.Mutex
	applied map[string]model.SuggestedAction // action id → action as applied
}

// New returns an executor over registry. store may be nil, in which case
// changes are in-memory only.
func New(registry *settings.Registry, store storage.Store, logger *slog.Logger) *ConfigExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigExecutor{
		registry: registry,
		store:    store,
		logger:   logger,
		applied:  make(map[string]model.SuggestedAction),
	}
}

// Apply executes action under actionID. The returned result carries the
// action with Old set to the value it actually replaced; that is what
// Rollback restores. The actionID must already exist in the store because
// persisted overrides reference it.
func (e *ConfigExecutor) Apply(ctx context.Context, actionID string, action model.SuggestedAction) model.ExecutionResult {
	res := model.ExecutionResult{ActionID: actionID, Action: action}

	validated, err := e.registry.ValidateAction(action)
	if err != nil {
		res.Message = err.Error()
		return res
	}

	switch a := validated.(type) {
	case model.NoOpAction:
		res.Action = a
		res.Success = true
		res.Message = "no-op: " + a.Reason
		return res

	case model.AdjustParamAction:
		applied, err := e.applyParam(ctx, actionID, a)
		if err != nil {
			res.Message = err.Error()
			return res
		}
		res.Action = applied
		res.Success = true
		res.Message = "applied " + applied.Describe()

	case model.ScaleResourceAction:
		applied, err := e.applyResource(ctx, actionID, a)
		if err != nil {
			res.Message = err.Error()
			return res
		}
		res.Action = applied
		res.Success = true
		res.Message = "applied " + applied.Describe()
	}

	e.mu.Lock()
	e.applied[actionID] = res.Action
	e.mu.Unlock()

	e.logger.Info("executor: action applied", "action_id", actionID, "action", res.Action.Describe())
	return res
}

func (e *ConfigExecutor) applyParam(ctx context.Context, actionID string, a model.AdjustParamAction) (model.AdjustParamAction, error) {
	prev, hadPrev := e.registry.Lookup(a.Scope, a.Name)
	a.Old = nil
	if hadPrev {
		a.Old = prev
	}

	newVal, err := e.registry.Set(a.Scope, a.Name, a.New)
	if err != nil {
		return a, err
	}
	a.New = newVal

	if err := e.persist(ctx, a.Scope.Key(a.Name), newVal, &actionID); err != nil {
		e.restoreParam(a.Scope, a.Name, prev, hadPrev)
		return a, err
	}
	return a, nil
}

func (e *ConfigExecutor) applyResource(ctx context.Context, actionID string, a model.ScaleResourceAction) (model.ScaleResourceAction, error) {
	prev, err := e.registry.Limit(a.ResourceType)
	if err != nil {
		return a, err
	}
	a.Old = prev

	if err := e.registry.SetLimit(a.ResourceType, a.New); err != nil {
		return a, err
	}
	if err := e.persist(ctx, ResourceKey(a.ResourceType), model.IntegerValue(a.New), &actionID); err != nil {
		_ = e.registry.SetLimit(a.ResourceType, prev)
		return a, err
	}
	return a, nil
}

// Rollback restores the value the action replaced. Actions applied before a
// restart are recovered from the store. Rolling back a no-op succeeds and
// changes nothing.
func (e *ConfigExecutor) Rollback(ctx context.Context, actionID string) error {
	action, err := e.lookup(ctx, actionID)
	if err != nil {
		return err
	}

	switch a := action.(type) {
	case model.NoOpAction:
		// inert
	case model.AdjustParamAction:
		key := a.Scope.Key(a.Name)
		if a.Old == nil {
			e.registry.Unset(a.Scope, a.Name)
			if err := e.forget(ctx, key); err != nil {
				return err
			}
		} else {
			if _, err := e.registry.Set(a.Scope, a.Name, a.Old); err != nil {
				return fmt.Errorf("executor: restore %s: %w", key, err)
			}
			if err := e.persist(ctx, key, a.Old, nil); err != nil {
				return err
			}
		}
	case model.ScaleResourceAction:
		if err := e.registry.SetLimit(a.ResourceType, a.Old); err != nil {
			return fmt.Errorf("executor: restore %s: %w", a.ResourceType, err)
		}
		if err := e.persist(ctx, ResourceKey(a.ResourceType), model.IntegerValue(a.Old), nil); err != nil {
			return err
		}
	default:
		return fmt.Errorf("executor: cannot roll back %T", action)
	}

	e.mu.Lock()
	delete(e.applied, actionID)
	e.mu.Unlock()

	e.logger.Info("executor: action rolled back", "action_id", actionID, "action", action.Describe())
	return nil
}

// Restore loads persisted overrides into the registry. Invalid rows are
// skipped with a warning so one bad value cannot block startup.
func (e *ConfigExecutor) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	overrides, err := e.store.ListConfigOverrides(ctx)
	if err != nil {
		return 0, fmt.Errorf("executor: load overrides: %w", err)
	}

	restored := 0
	for _, o := range overrides {
		v, err := model.UnmarshalParamValue(o.ValueJSON)
		if err != nil {
			e.logger.Warn("executor: skip undecodable override", "key", o.Key, "error", err)
			continue
		}
		if rt, ok := strings.CutPrefix(o.Key, resourcePrefix); ok {
			n, numeric := model.Numeric(v)
			if !numeric {
				e.logger.Warn("executor: skip non-numeric resource override", "key", o.Key)
				continue
			}
			err = e.registry.SetLimit(model.ResourceType(rt), int64(n))
		} else {
			err = e.registry.SetKey(o.Key, v)
		}
		if err != nil {
			e.logger.Warn("executor: skip invalid override", "key", o.Key, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

func (e *ConfigExecutor) lookup(ctx context.Context, actionID string) (model.SuggestedAction, error) {
	e.mu.Lock()
	a, ok := e.applied[actionID]
	e.mu.Unlock()
	if ok {
		return a, nil
	}
	if e.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}

	rec, err := e.store.GetAction(ctx, actionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	if err != nil {
		return nil, fmt.Errorf("executor: load action %s: %w", actionID, err)
	}
	if rec.Outcome != model.OutcomeCompleted {
		return nil, fmt.Errorf("executor: action %s was not successfully executed (outcome %s)", actionID, rec.Outcome)
	}
	return model.UnmarshalAction(rec.ActionJSON)
}

func (e *ConfigExecutor) persist(ctx context.Context, key string, v model.ParamValue, actionID *string) error {
	if e.store == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("executor: encode %s: %w", key, err)
	}
	if err := e.store.UpsertConfigOverride(ctx, model.ConfigOverrideRecord{
		Key:             key,
		ValueJSON:       raw,
		AppliedByAction: actionID,
	}); err != nil {
		return fmt.Errorf("executor: persist %s: %w", key, err)
	}
	return nil
}

func (e *ConfigExecutor) forget(ctx context.Context, key string) error {
	if e.store == nil {
		return nil
	}
	err := e.store.DeleteConfigOverride(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("executor: delete %s: %w", key, err)
	}
	return nil
}

func (e *ConfigExecutor) restoreParam(scope model.ConfigScope, name string, prev model.ParamValue, hadPrev bool) {
	if hadPrev {
		_, _ = e.registry.Set(scope, name, prev)
		return
	}
	e.registry.Unset(scope, name)
}
