package workload

import "github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"

// CriticalHot reports whether any active critical agent exceeds the
// utilization or concurrent request limit.
func CriticalHot(records []model.WorkloadRecord, utilization float64, requests int) bool {
	for _, r := range records {
		if r.Priority != model.PriorityCritical || !r.Active() {
			continue
		}
		if r.GPUUtilization > utilization || r.Requests > requests {
			return true
		}
	}
	return false
}

// CriticalBusy reports whether any critical agent has outstanding requests.
func CriticalBusy(records []model.WorkloadRecord) bool {
	for _, r := range records {
		if r.Priority == model.PriorityCritical && r.Requests > 0 {
			return true
		}
	}
	return false
}

// Shares returns the GPU utilization share of every active agent.
func Shares(records []model.WorkloadRecord) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range records {
		if r.Active() {
			out[r.AgentID] = r.GPUUtilization
		}
	}
	return out
}
