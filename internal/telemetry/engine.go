package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// vLLM metric names.
const (
	metricRequestsWaiting = "vllm:num_requests_waiting"
	metricRequestsRunning = "vllm:num_requests_running"
	metricLatencySum      = "vllm:e2e_request_latency_seconds_sum"
	metricLatencyCount    = "vllm:e2e_request_latency_seconds_count"
)

// EngineEndpoint is one inference engine pod to scrape.
type EngineEndpoint struct {
	URL       string
	Namespace string
	Pod       string
	Priority  model.Priority
}

type latencyCounter struct {
	sum   float64
	count float64
}

type modelCounters struct {
	waiting float64
	running float64
	latency latencyCounter
}

// EngineSource scrapes inference engines for queue depth, running requests
// and end-to-end latency, per pod and per served model. Latency is averaged
// over requests completed since the previous read of the same endpoint.
type EngineSource struct {
	client      *http.Client
	endpointsFn func(ctx context.Context) []EngineEndpoint

	mu   sync.Mutex
	prev map[string]latencyCounter
}

// NewEngineSource creates an EngineSource.
func NewEngineSource(client *http.Client, endpointsFn func(ctx context.Context) []EngineEndpoint) *EngineSource {
	return &EngineSource{
		client:      client,
		endpointsFn: endpointsFn,
		prev:        make(map[string]latencyCounter),
	}
}

// Name returns the source name.
func (s *EngineSource) Name() string { return "engine" }

// Read implements Source.
func (s *EngineSource) Read(ctx context.Context) (Reading, error) {
	endpoints := s.endpointsFn(ctx)
	if len(endpoints) == 0 {
		return Reading{}, fmt.Errorf("engine: no endpoints: %w", errors.TelemetryUnavailable)
	}

	var r Reading
	var latSum, latCount float64
	ok := 0

	for _, ep := range endpoints {
		body, err := scrapeEndpoint(ctx, s.client, ep.URL)
		if err != nil {
			slog.Warn("failed to scrape inference engine", "endpoint", ep.URL, "pod", ep.Pod, "error", err)
			continue
		}
		ok++

		// Per-model counters; the empty name collects unlabeled series.
		perModel := make(map[string]*modelCounters)
		for _, smp := range parsePrometheusText(body) {
			mc := perModel[smp.labels["model_name"]]
			if mc == nil {
				mc = &modelCounters{}
				perModel[smp.labels["model_name"]] = mc
			}
			switch smp.name {
			case metricRequestsWaiting:
				mc.waiting += smp.value
			case metricRequestsRunning:
				mc.running += smp.value
			case metricLatencySum:
				mc.latency.sum += smp.value
			case metricLatencyCount:
				mc.latency.count += smp.value
			}
		}

		var waiting, running, podSum, podCount float64
		for name, mc := range perModel {
			waiting += mc.waiting
			running += mc.running

			dSum, dCount := s.delta(ep.URL+"#"+name, mc.latency)
			podSum += dSum
			podCount += dCount

			if name == "" {
				continue
			}
			act := model.ModelActivity{
				ModelID:   name,
				Requests:  int(mc.running + mc.waiting),
				Completed: int(dCount),
			}
			if dCount > 0 {
				act.LatencyMs = dSum / dCount * 1000
			}
			r.Models = mergeModels(r.Models, []model.ModelActivity{act})
		}

		var podLatencyMs float64
		if podCount > 0 {
			podLatencyMs = podSum / podCount * 1000
			latSum += podSum
			latCount += podCount
		}

		r.QueueDepth += int(waiting)
		if ep.Pod != "" {
			r.Allocations = append(r.Allocations, model.Allocation{
				ID:        allocationID(ep.Namespace, ep.Pod, ""),
				Component: ep.Pod,
				Requests:  int(running + waiting),
				LatencyMs: podLatencyMs,
				Priority:  ep.Priority,
			})
		}
	}

	if ok == 0 {
		return Reading{}, fmt.Errorf("engine: all %d endpoints failed: %w", len(endpoints), errors.TelemetryUnavailable)
	}
	if latCount > 0 {
		r.AvgLatencyMs = latSum / latCount * 1000
	}
	return r, nil
}

// delta returns the counter increase of one endpoint series since the
// previous read. The first read and counter resets fall back to the
// cumulative values.
func (s *EngineSource) delta(key string, cur latencyCounter) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.prev[key]
	s.prev[key] = cur
	if !seen || cur.count < prev.count {
		return cur.sum, cur.count
	}
	return cur.sum - prev.sum, cur.count - prev.count
}
