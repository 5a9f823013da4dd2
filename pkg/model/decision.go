package model

import "time"

// Action is the capacity change a ScalingDecision asks for.
type Action string

// Scaling actions.
const (
	ActionScaleUp      Action = "scale_up"
	ActionScaleDown    Action = "scale_down"
	ActionRedistribute Action = "redistribute"
	ActionMaintain     Action = "maintain"
)

// Impact is the analytically estimated effect of a decision. Informational only.
type Impact struct {
	LatencyDelta         float64 `json:"latency_delta"`
	ThroughputDelta      float64 `json:"throughput_delta"`
	PowerEfficiencyDelta float64 `json:"power_efficiency_delta"`
}

// ScalingDecision is the single output of one evaluation cycle.
type ScalingDecision struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`
	Reason      string    `json:"reason"`
	CurrentGPUs int       `json:"current_gpus"`
	TargetGPUs  int       `json:"target_gpus"`

	// Reallocation maps agent id to accelerator slot; set only for redistribute.
	Reallocation map[string]int `json:"reallocation,omitempty"`

	Impact     Impact  `json:"impact"`
	Confidence float64 `json:"confidence"`
}

// ChangesCapacity reports whether the decision is subject to cooldown.
func (d ScalingDecision) ChangesCapacity() bool {
	return d.Action != ActionMaintain
}

// WorkloadRecord is the per-agent view derived each cycle.
type WorkloadRecord struct {
	AgentID        string   `json:"agent_id"`
	Requests       int      `json:"requests"`
	AvgLatencyMs   float64  `json:"avg_latency_ms"`
	GPUUtilization float64  `json:"gpu_utilization"`
	MemoryBytes    int64    `json:"memory_bytes"`
	Priority       Priority `json:"priority"`
	PredictedLoad  float64  `json:"predicted_load"`
	Allocations    int      `json:"allocations"`
	IdleCycles     int      `json:"idle_cycles"`
}

// Active reports whether the agent had any allocation this cycle.
func (r WorkloadRecord) Active() bool {
	return r.Allocations > 0
}

// Idle reports whether the agent is active but serving nothing.
func (r WorkloadRecord) Idle() bool {
	return r.Requests == 0 && r.GPUUtilization == 0
}
