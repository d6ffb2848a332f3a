package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay. Pointer fields distinguish "absent" from
// a zero value so the overlay only replaces what it names.
type fileConfig struct {
	SelfImprovement selfImprovementYAML `yaml:"self_improvement"`
}

type selfImprovementYAML struct {
	Enabled                   *bool    `yaml:"enabled"`
	CycleIntervalSecs         *int     `yaml:"cycle_interval_secs"`
	MinInvocationsForAnalysis *int     `yaml:"min_invocations_for_analysis"`
	RequireApproval           *bool    `yaml:"require_approval"`
	MaxActionsPerCycle        *int     `yaml:"max_actions_per_cycle"`
	CircuitBreakerThreshold   *int     `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    *string  `yaml:"circuit_breaker_cooldown"`
	CircuitBreakerTrials      *int     `yaml:"circuit_breaker_trials"`
	MeasurementWindow         *string  `yaml:"measurement_window"`
	MetricsWindowSize         *int     `yaml:"metrics_window_size"`
	ErrorRateDeviation        *float64 `yaml:"error_rate_deviation"`
	LatencyDeviation          *float64 `yaml:"latency_deviation"`
	QualityDeviation          *float64 `yaml:"quality_deviation"`
	BaselineAlpha             *float64 `yaml:"baseline_alpha"`
	MinRewardSignificance     *float64 `yaml:"min_reward_significance"`
	ValidateWithLLM           *bool    `yaml:"validate_with_llm"`
}

// ApplyFile overlays the self_improvement block of a YAML file onto c.
// Environment variables in the file are expanded before parsing.
func (c *Config) ApplyFile(path string) error {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc.SelfImprovement.apply(&c.SelfImprovement)
}

func (y selfImprovementYAML) apply(s *SelfImprovement) error {
	set(&s.Enabled, y.Enabled)
	if y.CycleIntervalSecs != nil {
		s.CycleInterval = time.Duration(*y.CycleIntervalSecs) * time.Second
	}
	set(&s.MinInvocations, y.MinInvocationsForAnalysis)
	set(&s.RequireApproval, y.RequireApproval)
	set(&s.MaxActionsPerCycle, y.MaxActionsPerCycle)
	set(&s.BreakerThreshold, y.CircuitBreakerThreshold)
	set(&s.BreakerTrials, y.CircuitBreakerTrials)
	set(&s.MetricsWindowSize, y.MetricsWindowSize)
	set(&s.ErrorRateDeviation, y.ErrorRateDeviation)
	set(&s.LatencyDeviation, y.LatencyDeviation)
	set(&s.QualityDeviation, y.QualityDeviation)
	set(&s.BaselineAlpha, y.BaselineAlpha)
	set(&s.MinRewardSignificance, y.MinRewardSignificance)
	set(&s.ValidateWithLLM, y.ValidateWithLLM)

	if y.CircuitBreakerCooldown != nil {
		d, err := time.ParseDuration(*y.CircuitBreakerCooldown)
		if err != nil {
			return fmt.Errorf("config: circuit_breaker_cooldown=%q is not a valid duration", *y.CircuitBreakerCooldown)
		}
		s.BreakerCooldown = d
	}
	if y.MeasurementWindow != nil {
		d, err := time.ParseDuration(*y.MeasurementWindow)
		if err != nil {
			return fmt.Errorf("config: measurement_window=%q is not a valid duration", *y.MeasurementWindow)
		}
		s.MeasurementWindow = d
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
