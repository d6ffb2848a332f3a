package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ReasoningModes lists the reasoning modes served by the host server. Tool
// names are "reasoning_<mode>".
var ReasoningModes = []string{
	"linear", "tree", "divergent", "reflection", "checkpoint", "auto", "graph",
	"detect", "decision", "evidence", "timeline", "mcts", "counterfactual",
}

const toolPrefix = "reasoning_"

// IsKnownMode reports whether name is a reasoning mode, ignoring case.
func IsKnownMode(name string) bool {
	return slices.Contains(ReasoningModes, strings.ToLower(name))
}

// ScopeKind discriminates ConfigScope.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeMode   ScopeKind = "mode"
	ScopeTool   ScopeKind = "tool"
)

// ConfigScope says where a parameter adjustment applies.
type ConfigScope struct {
	Kind ScopeKind `json:"type"`
	Name string    `json:"name,omitempty"`
}

func GlobalScope() ConfigScope          { return ConfigScope{Kind: ScopeGlobal} }
func ModeScope(name string) ConfigScope { return ConfigScope{Kind: ScopeMode, Name: name} }
func ToolScope(name string) ConfigScope { return ConfigScope{Kind: ScopeTool, Name: name} }

// Validate rejects unknown modes and tool names that are not reasoning_<mode>.
func (s ConfigScope) Validate() error {
	switch s.Kind {
	case ScopeGlobal, "":
		return nil
	case ScopeMode:
		if !IsKnownMode(s.Name) {
			return fmt.Errorf("unknown mode %q: expected one of %s", s.Name, strings.Join(ReasoningModes, ", "))
		}
		return nil
	case ScopeTool:
		lower := strings.ToLower(s.Name)
		mode, ok := strings.CutPrefix(lower, toolPrefix)
		if !ok || mode == "" {
			return fmt.Errorf("invalid tool format %q: expected %s<mode>", s.Name, toolPrefix)
		}
		if !IsKnownMode(mode) {
			return fmt.Errorf("unknown mode %q in tool %q", mode, s.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
}

// Normalize lowercases the name so equal scopes compare equal.
func (s ConfigScope) Normalize() ConfigScope {
	if s.Kind == "" {
		s.Kind = ScopeGlobal
	}
	if s.Kind == ScopeGlobal {
		s.Name = ""
	}
	s.Name = strings.ToLower(s.Name)
	return s
}

// Mode returns the reasoning mode this scope is bound to, if any.
func (s ConfigScope) Mode() (string, bool) {
	switch s.Kind {
	case ScopeMode:
		return strings.ToLower(s.Name), true
	case ScopeTool:
		mode, ok := strings.CutPrefix(strings.ToLower(s.Name), toolPrefix)
		return mode, ok
	default:
		return "", false
	}
}

// String renders "global", "mode:<name>" or "tool:<name>".
func (s ConfigScope) String() string {
	if s.Kind == ScopeGlobal || s.Kind == "" {
		return string(ScopeGlobal)
	}
	return string(s.Kind) + ":" + s.Name
}

// Key is the override key for param within this scope, e.g.
// "mode.linear.temperature".
func (s ConfigScope) Key(param string) string {
	n := s.Normalize()
	if n.Kind == ScopeGlobal {
		return "global." + param
	}
	return string(n.Kind) + "." + n.Name + "." + param
}

// ParseScope accepts the String form. The result is not validated.
func ParseScope(s string) (ConfigScope, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(ScopeGlobal)) {
		return GlobalScope(), nil
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return ConfigScope{}, fmt.Errorf("invalid scope %q: expected global, mode:<name> or tool:<name>", s)
	}
	switch ScopeKind(strings.ToLower(kind)) {
	case ScopeMode:
		return ModeScope(name), nil
	case ScopeTool:
		return ToolScope(name), nil
	default:
		return ConfigScope{}, fmt.Errorf("invalid scope kind %q", kind)
	}
}

// ParseScopeKey splits an override key produced by Key back into its scope
// and parameter name.
func ParseScopeKey(key string) (ConfigScope, string, error) {
	parts := strings.SplitN(key, ".", 3)
	switch {
	case len(parts) == 2 && parts[0] == string(ScopeGlobal):
		return GlobalScope(), parts[1], nil
	case len(parts) == 3 && parts[0] == string(ScopeMode):
		return ModeScope(parts[1]), parts[2], nil
	case len(parts) == 3 && parts[0] == string(ScopeTool):
		return ToolScope(parts[1]), parts[2], nil
	default:
		return ConfigScope{}, "", fmt.Errorf("model: malformed override key %q", key)
	}
}

func (s *ConfigScope) UnmarshalJSON(data []byte) error {
	// Accept the compact string form as well as the object form.
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		parsed, err := ParseScope(str)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	type plain ConfigScope
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("model: decode scope: %w", err)
	}
	*s = ConfigScope(p)
	return nil
}
