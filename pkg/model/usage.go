package model

import "time"

// ResourceUsage is one telemetry sample. Samples are immutable once taken.
type ResourceUsage struct {
	Timestamp time.Time `json:"timestamp"`

	GPUMemoryUsedBytes  int64 `json:"gpu_memory_used_bytes"`
	GPUMemoryTotalBytes int64 `json:"gpu_memory_total_bytes"`
	CPUMemoryUsedBytes  int64 `json:"cpu_memory_used_bytes"`
	CPUMemoryTotalBytes int64 `json:"cpu_memory_total_bytes"`

	// CPUUsage and GPUUtilization are fractions in [0, 1].
	CPUUsage       float64 `json:"cpu_usage"`
	GPUUtilization float64 `json:"gpu_utilization"`

	TemperatureCelsius float64 `json:"temperature_celsius"`
	PowerWatts         float64 `json:"power_watts"`

	GPUCount     int     `json:"gpu_count"`
	QueueDepth   int     `json:"queue_depth"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	Allocations []Allocation `json:"allocations,omitempty"`

	// Models is per-model serving activity reported by inference engines.
	Models []ModelActivity `json:"models,omitempty"`

	// Stale marks a repeated last-known sample returned after a telemetry failure.
	Stale bool `json:"stale,omitempty"`
}

// GPUMemoryUtilization returns used/total GPU memory, or 0 when total is unknown.
func (u ResourceUsage) GPUMemoryUtilization() float64 {
	if u.GPUMemoryTotalBytes <= 0 {
		return 0
	}
	return float64(u.GPUMemoryUsedBytes) / float64(u.GPUMemoryTotalBytes)
}

// Allocation is an active workload placement on one accelerator.
type Allocation struct {
	ID          string `json:"id"`
	Component   string `json:"component"`
	Accelerator string `json:"accelerator"`

	Requests       int      `json:"requests"`
	LatencyMs      float64  `json:"latency_ms"`
	GPUUtilization float64  `json:"gpu_utilization"`
	MemoryBytes    int64    `json:"memory_bytes"`
	Priority       Priority `json:"priority,omitempty"`
}

// ModelActivity is the serving load of one model since the previous sample.
// ModelID matches the engine's model_name label.
type ModelActivity struct {
	ModelID string `json:"model_id"`
	// Requests counts running and waiting requests.
	Requests int `json:"requests"`
	// Completed counts requests finished since the previous sample.
	Completed int     `json:"completed"`
	LatencyMs float64 `json:"latency_ms"`
}

// Active reports whether the model served or holds any request.
func (a ModelActivity) Active() bool {
	return a.Requests > 0 || a.Completed > 0
}
