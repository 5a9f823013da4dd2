// Package scaling holds the capacity decision function. Decide is pure:
// the controller gathers every input up front, so the same Input always
// yields the same ScalingDecision.
package scaling

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/workload"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const (
	// TrailingWindow is the number of samples behind scale-down averages
	// and confidence trend fits.
	TrailingWindow = 5

	// ImbalanceThreshold is the population stddev of per-agent utilization
	// shares above which agents are redistributed.
	ImbalanceThreshold = 0.3

	// Critical agents above either limit force a scale up.
	CriticalUtilization = 0.9
	CriticalRequests    = 5

	baseConfidence    = 0.5
	alignedConfidence = 0.7
	maxConfidence     = 0.95
)

// Input is everything one decision depends on.
type Input struct {
	Limits model.ResourceLimits
	Usage  model.ResourceUsage
	// History holds recent samples oldest first, Usage included.
	History     []model.ResourceUsage
	Records     []model.WorkloadRecord
	CurrentGPUs int
	LastAction  time.Time
	Now         time.Time
}

// Decide evaluates the rules in priority order: cooldown, scale up,
// scale down, redistribute, maintain.
func Decide(in Input) model.ScalingDecision {
	lim := in.Limits
	cur := in.CurrentGPUs

	if !in.LastAction.IsZero() {
		if elapsed := in.Now.Sub(in.LastAction); elapsed < lim.CooldownPeriod {
			return maintain(in, fmt.Sprintf("cooldown: %s remaining", (lim.CooldownPeriod - elapsed).Round(time.Second)))
		}
	}

	switch {
	case cur < lim.MinGPUs:
		return resize(in, model.ActionScaleUp, lim.MinGPUs, fmt.Sprintf("%d accelerators below minimum %d", cur, lim.MinGPUs))
	case cur > lim.MaxGPUs:
		return resize(in, model.ActionScaleDown, lim.MaxGPUs, fmt.Sprintf("%d accelerators above maximum %d", cur, lim.MaxGPUs))
	}

	if cur < lim.MaxGPUs {
		if reasons := scaleUpReasons(in); len(reasons) > 0 {
			return resize(in, model.ActionScaleUp, lim.Clamp(cur+1), strings.Join(reasons, ", "))
		}
	}

	if cur > lim.MinGPUs {
		if reason, ok := scaleDownReason(in); ok {
			return resize(in, model.ActionScaleDown, lim.Clamp(cur-1), reason)
		}
	}

	if realloc, sd, ok := redistribution(in.Records, cur); ok {
		return model.ScalingDecision{
			ID:           decisionID(in.Now),
			Timestamp:    in.Now,
			Action:       model.ActionRedistribute,
			Reason:       fmt.Sprintf("utilization share stddev %.2f > %.2f", sd, ImbalanceThreshold),
			CurrentGPUs:  cur,
			TargetGPUs:   cur,
			Reallocation: realloc,
			Confidence:   baseConfidence,
		}
	}

	return maintain(in, "within thresholds")
}

func scaleUpReasons(in Input) []string {
	lim, u := in.Limits, in.Usage
	var reasons []string
	if u.GPUUtilization > lim.ScaleUpThreshold {
		reasons = append(reasons, fmt.Sprintf("gpu utilization %.2f > %.2f", u.GPUUtilization, lim.ScaleUpThreshold))
	}
	if u.AvgLatencyMs > lim.LatencyThresholdMs {
		reasons = append(reasons, fmt.Sprintf("latency %.0fms > %.0fms", u.AvgLatencyMs, lim.LatencyThresholdMs))
	}
	if u.QueueDepth > lim.QueueThreshold {
		reasons = append(reasons, fmt.Sprintf("queue depth %d > %d", u.QueueDepth, lim.QueueThreshold))
	}
	if workload.CriticalHot(in.Records, CriticalUtilization, CriticalRequests) {
		reasons = append(reasons, "critical agent saturated")
	}
	return reasons
}

// scaleDownReason requires a full trailing window so a restart never
// scales down on a single quiet sample.
func scaleDownReason(in Input) (string, bool) {
	lim, u := in.Limits, in.Usage
	window := trailing(in.History, TrailingWindow)
	if len(window) < TrailingWindow {
		return "", false
	}
	avg := stat.Mean(utilizations(window), nil)
	if avg >= lim.ScaleDownThreshold ||
		u.AvgLatencyMs >= lim.LatencyThresholdMs/2 ||
		u.QueueDepth != 0 ||
		workload.CriticalBusy(in.Records) {
		return "", false
	}
	return fmt.Sprintf("trailing utilization %.2f < %.2f", avg, lim.ScaleDownThreshold), true
}

// redistribution assigns active, non-idle agents round-robin to slots
// 0..gpus-1, busiest first.
func redistribution(records []model.WorkloadRecord, gpus int) (map[string]int, float64, bool) {
	if gpus < 1 {
		return nil, 0, false
	}
	shares := workload.Shares(records)
	if len(shares) < 2 {
		return nil, 0, false
	}
	ids := make([]string, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	values := make([]float64, len(ids))
	for i, id := range ids {
		values[i] = shares[id]
	}
	_, sd := stat.PopMeanStdDev(values, nil)
	if sd <= ImbalanceThreshold {
		return nil, sd, false
	}

	var agents []model.WorkloadRecord
	for _, r := range records {
		if r.Active() && !r.Idle() {
			agents = append(agents, r)
		}
	}
	if len(agents) == 0 {
		return nil, sd, false
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].GPUUtilization != agents[j].GPUUtilization {
			return agents[i].GPUUtilization > agents[j].GPUUtilization
		}
		return agents[i].AgentID < agents[j].AgentID
	})
	out := make(map[string]int, len(agents))
	for i, r := range agents {
		out[r.AgentID] = i % gpus
	}
	return out, sd, true
}

func resize(in Input, action model.Action, target int, reason string) model.ScalingDecision {
	return model.ScalingDecision{
		ID:          decisionID(in.Now),
		Timestamp:   in.Now,
		Action:      action,
		Reason:      reason,
		CurrentGPUs: in.CurrentGPUs,
		TargetGPUs:  target,
		Impact:      estimateImpact(in.CurrentGPUs, target),
		Confidence:  confidence(in, action),
	}
}

func maintain(in Input, reason string) model.ScalingDecision {
	return model.ScalingDecision{
		ID:          decisionID(in.Now),
		Timestamp:   in.Now,
		Action:      model.ActionMaintain,
		Reason:      reason,
		CurrentGPUs: in.CurrentGPUs,
		TargetGPUs:  in.CurrentGPUs,
		Confidence:  baseConfidence,
	}
}

func decisionID(now time.Time) string {
	return fmt.Sprintf("decision-%d", now.UnixNano())
}

// estimateImpact is a ratio model over accelerator counts.
func estimateImpact(current, target int) model.Impact {
	if current <= 0 || target <= 0 || current == target {
		return model.Impact{}
	}
	c, t := float64(current), float64(target)
	return model.Impact{
		LatencyDelta:         1 - c/t,
		ThroughputDelta:      t/c - 1,
		PowerEfficiencyDelta: c/t - 1,
	}
}

// confidence fits a line through the trailing utilization and latency
// samples. Both trending in the direction of the action raises confidence
// with the steepness of the trends; anything else stays at the base value.
func confidence(in Input, action model.Action) float64 {
	window := trailing(in.History, TrailingWindow)
	if len(window) < 2 {
		return baseConfidence
	}
	xs := make([]float64, len(window))
	lat := make([]float64, len(window))
	for i, u := range window {
		xs[i] = float64(i)
		lat[i] = u.AvgLatencyMs
	}
	_, utilSlope := stat.LinearRegression(xs, utilizations(window), nil, false)
	_, latSlope := stat.LinearRegression(xs, lat, nil, false)
	if math.IsNaN(utilSlope) || math.IsNaN(latSlope) {
		return baseConfidence
	}

	var aligned bool
	switch action {
	case model.ActionScaleUp:
		aligned = utilSlope > 0 && latSlope > 0
	case model.ActionScaleDown:
		aligned = utilSlope < 0 && latSlope < 0
	}
	if !aligned {
		return baseConfidence
	}

	// 5 points of utilization or 5% of the latency threshold per sample
	// count as a full-strength trend.
	latScale := 0.05 * in.Limits.LatencyThresholdMs
	if latScale <= 0 {
		latScale = 1
	}
	strength := (math.Min(1, math.Abs(utilSlope)/0.05) + math.Min(1, math.Abs(latSlope)/latScale)) / 2
	return math.Min(maxConfidence, alignedConfidence+0.25*strength)
}

func trailing(history []model.ResourceUsage, n int) []model.ResourceUsage {
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

func utilizations(samples []model.ResourceUsage) []float64 {
	out := make([]float64, len(samples))
	for i, u := range samples {
		out[i] = u.GPUUtilization
	}
	return out
}
