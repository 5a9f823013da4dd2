// Package telemetry reads hardware and queue signals for the scaler.
//
// A Source returns one Reading per call. DCGMSource scrapes dcgm-exporter,
// EngineSource scrapes inference engine /metrics, NodeSource reads
// metrics-server. Composite merges them into a single Reading.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// Source produces telemetry readings.
type Source interface {
	Name() string
	Read(ctx context.Context) (Reading, error)
}

// Reading is one telemetry observation. Every resource dimension carries
// both a used and a total value.
type Reading struct {
	GPUMemoryUsedBytes  int64
	GPUMemoryTotalBytes int64
	CPUMemoryUsedBytes  int64
	CPUMemoryTotalBytes int64

	// CPUUsage and GPUUtilization are fractions in [0, 1].
	CPUUsage       float64
	GPUUtilization float64

	TemperatureCelsius float64
	PowerWatts         float64

	GPUCount     int
	QueueDepth   int
	AvgLatencyMs float64

	Allocations []model.Allocation
	Models      []model.ModelActivity
}

// Merge folds other into r. Capacities add up, utilization is weighted by
// GPU count, temperature takes the max. Single-owner fields (CPU usage,
// latency) keep the first non-zero value.
func (r Reading) Merge(other Reading) Reading {
	out := r
	out.GPUMemoryUsedBytes += other.GPUMemoryUsedBytes
	out.GPUMemoryTotalBytes += other.GPUMemoryTotalBytes
	out.CPUMemoryUsedBytes += other.CPUMemoryUsedBytes
	out.CPUMemoryTotalBytes += other.CPUMemoryTotalBytes
	out.PowerWatts += other.PowerWatts
	out.QueueDepth += other.QueueDepth

	if n := r.GPUCount + other.GPUCount; n > 0 {
		out.GPUUtilization = (r.GPUUtilization*float64(r.GPUCount) + other.GPUUtilization*float64(other.GPUCount)) / float64(n)
	}
	out.GPUCount = r.GPUCount + other.GPUCount

	if other.TemperatureCelsius > out.TemperatureCelsius {
		out.TemperatureCelsius = other.TemperatureCelsius
	}
	if out.CPUUsage == 0 {
		out.CPUUsage = other.CPUUsage
	}
	if out.AvgLatencyMs == 0 {
		out.AvgLatencyMs = other.AvgLatencyMs
	}

	out.Allocations = mergeAllocations(r.Allocations, other.Allocations)
	out.Models = mergeModels(r.Models, other.Models)
	return out
}

// Usage converts the reading into an immutable sample.
func (r Reading) Usage() model.ResourceUsage {
	return model.ResourceUsage{
		GPUMemoryUsedBytes:  r.GPUMemoryUsedBytes,
		GPUMemoryTotalBytes: r.GPUMemoryTotalBytes,
		CPUMemoryUsedBytes:  r.CPUMemoryUsedBytes,
		CPUMemoryTotalBytes: r.CPUMemoryTotalBytes,
		CPUUsage:            r.CPUUsage,
		GPUUtilization:      r.GPUUtilization,
		TemperatureCelsius:  r.TemperatureCelsius,
		PowerWatts:          r.PowerWatts,
		GPUCount:            r.GPUCount,
		QueueDepth:          r.QueueDepth,
		AvgLatencyMs:        r.AvgLatencyMs,
		Allocations:         append([]model.Allocation(nil), r.Allocations...),
		Models:              append([]model.ModelActivity(nil), r.Models...),
	}
}

// Allocation ids are "namespace/pod" for engine-reported pods and
// "namespace/pod@gpu-uuid" for device-attributed ones.
func allocationID(namespace, pod, accelerator string) string {
	id := namespace + "/" + pod
	if accelerator != "" {
		id += "@" + accelerator
	}
	return id
}

func podKey(id string) string {
	pod, _, _ := strings.Cut(id, "@")
	return pod
}

// mergeAllocations joins engine-level request data onto device-level
// allocations of the same pod. The first device (by accelerator id) of a pod
// carries its requests; every device carries its latency.
func mergeAllocations(a, b []model.Allocation) []model.Allocation {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	var devices, pods []model.Allocation
	for _, al := range append(append([]model.Allocation(nil), a...), b...) {
		if al.Accelerator == "" {
			pods = append(pods, al)
		} else {
			devices = append(devices, al)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	byPod := make(map[string][]int)
	for i, d := range devices {
		byPod[podKey(d.ID)] = append(byPod[podKey(d.ID)], i)
	}

	out := devices
	for _, p := range pods {
		idx, ok := byPod[p.ID]
		if !ok {
			out = append(out, p)
			continue
		}
		out[idx[0]].Requests += p.Requests
		for _, i := range idx {
			if p.LatencyMs > 0 {
				out[i].LatencyMs = p.LatencyMs
			}
			if out[i].Priority == "" {
				out[i].Priority = p.Priority
			}
		}
	}
	return out
}

// mergeModels sums activity of the same model across readings, weighting
// latency by completed requests. The result is ordered by model id.
func mergeModels(a, b []model.ModelActivity) []model.ModelActivity {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	byID := make(map[string]*model.ModelActivity)
	for _, m := range append(append([]model.ModelActivity(nil), a...), b...) {
		cur, ok := byID[m.ModelID]
		if !ok {
			cp := m
			byID[m.ModelID] = &cp
			continue
		}
		if n := cur.Completed + m.Completed; n > 0 {
			cur.LatencyMs = (cur.LatencyMs*float64(cur.Completed) + m.LatencyMs*float64(m.Completed)) / float64(n)
		}
		cur.Requests += m.Requests
		cur.Completed += m.Completed
	}
	out := make([]model.ModelActivity, 0, len(byID))
	for _, m := range byID {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Composite reads every source concurrently and merges the results. It fails
// only when every source fails.
type Composite struct {
	sources []Source
	metrics *observability.Metrics
}

// NewComposite creates a Composite over sources. metrics may be nil.
func NewComposite(metrics *observability.Metrics, sources ...Source) *Composite {
	return &Composite{sources: sources, metrics: metrics}
}

// Name returns the source name.
func (c *Composite) Name() string { return "composite" }

// Read implements Source.
func (c *Composite) Read(ctx context.Context) (Reading, error) {
	if len(c.sources) == 0 {
		return Reading{}, fmt.Errorf("no telemetry sources configured: %w", errors.TelemetryUnavailable)
	}

	type result struct {
		r   Reading
		err error
	}
	results := make([]result, len(c.sources))

	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			r, err := src.Read(ctx)
			results[i] = result{r: r, err: err}
		}(i, src)
	}
	wg.Wait()

	var merged Reading
	var failed []string
	for i, res := range results {
		if res.err != nil {
			slog.Warn("telemetry source failed", "source", c.sources[i].Name(), "error", res.err)
			failed = append(failed, c.sources[i].Name())
			if c.metrics != nil {
				c.metrics.TelemetryFailures.WithLabelValues(c.sources[i].Name()).Inc()
			}
			continue
		}
		merged = merged.Merge(res.r)
	}
	if len(failed) == len(c.sources) {
		return Reading{}, fmt.Errorf("all telemetry sources failed (%s): %w",
			strings.Join(failed, ", "), errors.TelemetryUnavailable)
	}
	return merged, nil
}

