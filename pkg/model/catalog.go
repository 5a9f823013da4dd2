package model

import (
	"fmt"
	"time"
)

// Priority is the admission class of a model or agent.
type Priority string

// Priority classes, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities: critical=3, high=2, medium=1, low=0.
// Unknown values rank as low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Precision is the numeric format a model is served in.
type Precision string

// Supported precisions.
const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
	PrecisionBF16 Precision = "bf16"
	PrecisionInt8 Precision = "int8"
	PrecisionInt4 Precision = "int4"
)

func (p Precision) valid() bool {
	switch p {
	case PrecisionFP32, PrecisionFP16, PrecisionBF16, PrecisionInt8, PrecisionInt4:
		return true
	}
	return false
}

// ModelDescriptor is a static catalog entry for a servable model.
type ModelDescriptor struct {
	ID            string    `json:"id" mapstructure:"id"`
	Location      string    `json:"location" mapstructure:"location"`
	Precision     Precision `json:"precision" mapstructure:"precision"`
	Priority      Priority  `json:"priority" mapstructure:"priority"`
	MemoryBytes   int64     `json:"memory_bytes" mapstructure:"memoryBytes"`
	ContextWindow int       `json:"context_window" mapstructure:"contextWindow"`
	BatchSize     int       `json:"batch_size" mapstructure:"batchSize"`
	// Pinned instances are never chosen as eviction victims.
	Pinned bool `json:"pinned,omitempty" mapstructure:"pinned"`
}

// Validate checks the descriptor for missing or out-of-range fields.
func (d ModelDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if _, err := ParsePriority(string(d.Priority)); err != nil {
		return fmt.Errorf("model %s: %w", d.ID, err)
	}
	if d.Precision != "" && !d.Precision.valid() {
		return fmt.Errorf("model %s: unknown precision %q", d.ID, d.Precision)
	}
	if d.MemoryBytes <= 0 {
		return fmt.Errorf("model %s: memoryBytes must be > 0", d.ID)
	}
	if d.ContextWindow < 0 || d.BatchSize < 0 {
		return fmt.Errorf("model %s: contextWindow and batchSize must be >= 0", d.ID)
	}
	return nil
}

// LoadState is the lifecycle phase of a model instance.
type LoadState string

// Instance load states.
const (
	StateLoading   LoadState = "loading"
	StateLoaded    LoadState = "loaded"
	StateUnloading LoadState = "unloading"
)

// ModelInstance is a resident copy of a ModelDescriptor.
type ModelInstance struct {
	Descriptor   ModelDescriptor `json:"descriptor"`
	State        LoadState       `json:"state"`
	MemoryBytes  int64           `json:"memory_bytes"`
	LoadedAt     time.Time       `json:"loaded_at"`
	LastUsed     time.Time       `json:"last_used"`
	RequestCount int64           `json:"request_count"`
	AvgLatencyMs float64         `json:"avg_latency_ms"`
}
