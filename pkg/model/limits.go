package model

import (
	"fmt"
	"time"
)

// ResourceLimits is the capacity policy the controller evaluates every cycle.
// It is replaced as a whole on reload and never mutated in place.
type ResourceLimits struct {
	MinGPUs int `json:"min_gpus" mapstructure:"minGPUs"`
	MaxGPUs int `json:"max_gpus" mapstructure:"maxGPUs"`

	TargetUtilization  float64 `json:"target_utilization" mapstructure:"targetUtilization"`
	ScaleUpThreshold   float64 `json:"scale_up_threshold" mapstructure:"scaleUpThreshold"`
	ScaleDownThreshold float64 `json:"scale_down_threshold" mapstructure:"scaleDownThreshold"`

	CooldownPeriod     time.Duration `json:"cooldown_period" mapstructure:"cooldownPeriod"`
	EvaluationInterval time.Duration `json:"evaluation_interval" mapstructure:"evaluationInterval"`

	LatencyThresholdMs float64 `json:"latency_threshold_ms" mapstructure:"latencyThresholdMs"`
	QueueThreshold     int     `json:"queue_threshold" mapstructure:"queueThreshold"`

	// PowerBudgetWatts is informational; zero means unbounded.
	PowerBudgetWatts float64 `json:"power_budget_watts" mapstructure:"powerBudgetWatts"`
}

// DefaultLimits returns the limits used when the config file omits a section.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MinGPUs:            1,
		MaxGPUs:            8,
		TargetUtilization:  0.70,
		ScaleUpThreshold:   0.85,
		ScaleDownThreshold: 0.50,
		CooldownPeriod:     5 * time.Minute,
		EvaluationInterval: 30 * time.Second,
		LatencyThresholdMs: 1000,
		QueueThreshold:     10,
	}
}

// Validate checks bounds and hysteresis ordering.
func (l ResourceLimits) Validate() error {
	if l.MinGPUs < 1 {
		return fmt.Errorf("minGPUs must be >= 1, got %d", l.MinGPUs)
	}
	if l.MaxGPUs < l.MinGPUs {
		return fmt.Errorf("maxGPUs (%d) must be >= minGPUs (%d)", l.MaxGPUs, l.MinGPUs)
	}
	for name, v := range map[string]float64{
		"targetUtilization":  l.TargetUtilization,
		"scaleUpThreshold":   l.ScaleUpThreshold,
		"scaleDownThreshold": l.ScaleDownThreshold,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %.2f", name, v)
		}
	}
	if l.ScaleDownThreshold >= l.ScaleUpThreshold {
		return fmt.Errorf("scaleDownThreshold (%.2f) must be < scaleUpThreshold (%.2f)",
			l.ScaleDownThreshold, l.ScaleUpThreshold)
	}
	if l.CooldownPeriod < 0 {
		return fmt.Errorf("cooldownPeriod must be >= 0, got %s", l.CooldownPeriod)
	}
	if l.EvaluationInterval <= 0 {
		return fmt.Errorf("evaluationInterval must be > 0, got %s", l.EvaluationInterval)
	}
	if l.LatencyThresholdMs <= 0 {
		return fmt.Errorf("latencyThresholdMs must be > 0, got %.1f", l.LatencyThresholdMs)
	}
	if l.QueueThreshold < 0 {
		return fmt.Errorf("queueThreshold must be >= 0, got %d", l.QueueThreshold)
	}
	if l.PowerBudgetWatts < 0 {
		return fmt.Errorf("powerBudgetWatts must be >= 0, got %.1f", l.PowerBudgetWatts)
	}
	return nil
}

// Clamp bounds n to [MinGPUs, MaxGPUs].
func (l ResourceLimits) Clamp(n int) int {
	if n < l.MinGPUs {
		return l.MinGPUs
	}
	if n > l.MaxGPUs {
		return l.MaxGPUs
	}
	return n
}
