// Package config loads and validates application configuration from
// environment variables, with an optional YAML overlay for the
// self-improvement block.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage engines accepted by KAIZEN_DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	SelfImprovement SelfImprovement

	// Storage settings.
	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string // file path or ":memory:" for sqlite, DSN for postgres
	DBMaxConns  int

	// Completion settings.
	AnthropicAPIKey      string
	Model                string
	CompletionTimeout    time.Duration // per attempt
	CompletionMaxRetries int
	CompletionRPS        float64

	// Invocation buffer and retention.
	InvocationBufferSize    int
	InvocationFlushInterval time.Duration
	InvocationRetention     time.Duration // 0 keeps invocations forever
	RetentionInterval       time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// MCP manual trigger limits.
	TriggerRPS   float64
	TriggerBurst int

	// Operational settings.
	LogLevel   string
	LogFile    string // empty disables the rotating file
	ConfigFile string // YAML overlay, applied after env vars
}

// SelfImprovement tunes the control loop.
type SelfImprovement struct {
	Enabled               bool
	CycleInterval         time.Duration
	MinInvocations        int
	RequireApproval       bool
	MaxActionsPerCycle    int
	BreakerThreshold      int
	BreakerCooldown       time.Duration
	BreakerTrials         int
	MeasurementWindow     time.Duration
	MetricsWindowSize     int
	ErrorRateDeviation    float64
	LatencyDeviation      float64
	QualityDeviation      float64
	BaselineAlpha         float64
	MinRewardSignificance float64
	ValidateWithLLM       bool
}

// DefaultSelfImprovement returns the loop defaults.
func DefaultSelfImprovement() SelfImprovement {
	return SelfImprovement{
		Enabled:               true,
		CycleInterval:         5 * time.Minute,
		MinInvocations:        50,
		RequireApproval:       true,
		MaxActionsPerCycle:    3,
		BreakerThreshold:      3,
		BreakerCooldown:       5 * time.Minute,
		BreakerTrials:         1,
		MeasurementWindow:     10 * time.Second,
		MetricsWindowSize:     1000,
		ErrorRateDeviation:    0.5,
		LatencyDeviation:      0.5,
		QualityDeviation:      0.2,
		BaselineAlpha:         0.2,
		MinRewardSignificance: 0.1,
		ValidateWithLLM:       false,
	}
}

// Load reads configuration from environment variables with sensible
// defaults. Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = appendErr(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = appendErr(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = appendErr(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = appendErr(errs, err)
		return v
	}

	d := DefaultSelfImprovement()
	cfg := Config{
		SelfImprovement: SelfImprovement{
			Enabled:               boolean("KAIZEN_SELF_IMPROVEMENT_ENABLED", d.Enabled),
			CycleInterval:         duration("KAIZEN_CYCLE_INTERVAL", d.CycleInterval),
			MinInvocations:        integer("KAIZEN_MIN_INVOCATIONS", d.MinInvocations),
			RequireApproval:       boolean("KAIZEN_REQUIRE_APPROVAL", d.RequireApproval),
			MaxActionsPerCycle:    integer("KAIZEN_MAX_ACTIONS_PER_CYCLE", d.MaxActionsPerCycle),
			BreakerThreshold:      integer("KAIZEN_BREAKER_THRESHOLD", d.BreakerThreshold),
			BreakerCooldown:       duration("KAIZEN_BREAKER_COOLDOWN", d.BreakerCooldown),
			BreakerTrials:         integer("KAIZEN_BREAKER_TRIALS", d.BreakerTrials),
			MeasurementWindow:     duration("KAIZEN_MEASUREMENT_WINDOW", d.MeasurementWindow),
			MetricsWindowSize:     integer("KAIZEN_METRICS_WINDOW_SIZE", d.MetricsWindowSize),
			ErrorRateDeviation:    float("KAIZEN_ERROR_RATE_DEVIATION", d.ErrorRateDeviation),
			LatencyDeviation:      float("KAIZEN_LATENCY_DEVIATION", d.LatencyDeviation),
			QualityDeviation:      float("KAIZEN_QUALITY_DEVIATION", d.QualityDeviation),
			BaselineAlpha:         float("KAIZEN_BASELINE_ALPHA", d.BaselineAlpha),
			MinRewardSignificance: float("KAIZEN_MIN_REWARD_SIGNIFICANCE", d.MinRewardSignificance),
			ValidateWithLLM:       boolean("KAIZEN_VALIDATE_WITH_LLM", d.ValidateWithLLM),
		},
		DBDriver:                str("KAIZEN_DB_DRIVER", DriverSQLite),
		DatabaseURL:             str("KAIZEN_DATABASE_URL", "kaizen.db"),
		DBMaxConns:              integer("KAIZEN_DB_MAX_CONNS", 4),
		AnthropicAPIKey:         str("ANTHROPIC_API_KEY", ""),
		Model:                   str("KAIZEN_MODEL", ""),
		CompletionTimeout:       duration("KAIZEN_COMPLETION_TIMEOUT", 60*time.Second),
		CompletionMaxRetries:    integer("KAIZEN_COMPLETION_MAX_RETRIES", 3),
		CompletionRPS:           float("KAIZEN_COMPLETION_RPS", 1),
		InvocationBufferSize:    integer("KAIZEN_INVOCATION_BUFFER_SIZE", 500),
		InvocationFlushInterval: duration("KAIZEN_INVOCATION_FLUSH_INTERVAL", 5*time.Second),
		InvocationRetention:     duration("KAIZEN_INVOCATION_RETENTION", 30*24*time.Hour),
		RetentionInterval:       duration("KAIZEN_RETENTION_INTERVAL", time.Hour),
		OTELEndpoint:            str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:             str("OTEL_SERVICE_NAME", "kaizen"),
		OTELInsecure:            boolean("KAIZEN_OTEL_INSECURE", false),
		TriggerRPS:              float("KAIZEN_TRIGGER_RPS", 0.1),
		TriggerBurst:            integer("KAIZEN_TRIGGER_BURST", 2),
		LogLevel:                str("KAIZEN_LOG_LEVEL", "info"),
		LogFile:                 str("KAIZEN_LOG_FILE", ""),
		ConfigFile:              str("KAIZEN_CONFIG_FILE", ""),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if cfg.ConfigFile != "" {
		if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: KAIZEN_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDriver == DriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("config: KAIZEN_DATABASE_URL is required for postgres")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("config: KAIZEN_DB_MAX_CONNS must be positive")
	}
	if c.InvocationBufferSize <= 0 {
		return fmt.Errorf("config: KAIZEN_INVOCATION_BUFFER_SIZE must be positive")
	}
	if c.TriggerBurst <= 0 {
		return fmt.Errorf("config: KAIZEN_TRIGGER_BURST must be positive")
	}
	if c.InvocationRetention < 0 {
		return fmt.Errorf("config: KAIZEN_INVOCATION_RETENTION must not be negative")
	}
	if c.InvocationRetention > 0 && c.RetentionInterval <= 0 {
		return fmt.Errorf("config: KAIZEN_RETENTION_INTERVAL must be positive when retention is enabled")
	}

	s := c.SelfImprovement
	if s.CycleInterval <= 0 {
		return fmt.Errorf("config: cycle_interval must be positive")
	}
	if s.MinInvocations < 0 {
		return fmt.Errorf("config: min_invocations_for_analysis must not be negative")
	}
	if s.MaxActionsPerCycle <= 0 {
		return fmt.Errorf("config: max_actions_per_cycle must be positive")
	}
	if s.BreakerThreshold <= 0 || s.BreakerTrials <= 0 {
		return fmt.Errorf("config: circuit_breaker_threshold and circuit_breaker_trials must be positive")
	}
	if s.MetricsWindowSize <= 0 {
		return fmt.Errorf("config: metrics_window_size must be positive")
	}
	if s.BaselineAlpha <= 0 || s.BaselineAlpha > 1 {
		return fmt.Errorf("config: baseline_alpha must be in (0, 1], got %g", s.BaselineAlpha)
	}
	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
