package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const (
	// sentinelThreshold is the threshold above which DCGM metric values are
	// treated as "blank" sentinel values (~1.8e19) and rejected.
	sentinelThreshold = 1e15

	// mibToBytes converts mebibytes to bytes.
	mibToBytes = 1048576
)

const (
	metricProfGrEngineActive = "DCGM_FI_PROF_GR_ENGINE_ACTIVE"
	metricDevGPUUtil         = "DCGM_FI_DEV_GPU_UTIL"
	metricDevFBUsed          = "DCGM_FI_DEV_FB_USED"
	metricDevFBFree          = "DCGM_FI_DEV_FB_FREE"
	metricDevFBTotal         = "DCGM_FI_DEV_FB_TOTAL"
	metricDevGPUTemp         = "DCGM_FI_DEV_GPU_TEMP"
	metricDevPowerUsage      = "DCGM_FI_DEV_POWER_USAGE"
)

// GPUDevice is one accelerator as reported by dcgm-exporter.
type GPUDevice struct {
	UUID      string
	GPU       string
	Hostname  string
	ModelName string

	Pod       string
	Namespace string
	Container string

	// Utilization is a fraction in [0, 1].
	Utilization      *float64
	MemoryUsedBytes  *int64
	MemoryFreeBytes  *int64
	MemoryTotalBytes *int64
	Temperature      *float64
	PowerWatts       *float64
}

// ID returns the stable device identity: UUID when present, else host/index.
func (d GPUDevice) ID() string {
	if d.UUID != "" {
		return d.UUID
	}
	return d.Hostname + "/" + d.GPU
}

// ParseDCGMMetrics parses dcgm-exporter exposition text into per-device
// metrics. Old-style (pod_name, pod_namespace, container_name) and new-style
// (pod, namespace, container) label schemas are both accepted. For GPUs with
// profiling metrics, DCGM_FI_PROF_GR_ENGINE_ACTIVE wins over DCGM_FI_DEV_GPU_UTIL.
func ParseDCGMMetrics(data []byte) []GPUDevice {
	devices := make(map[string]*GPUDevice)
	hasProf := make(map[string]bool)

	for _, s := range parsePrometheusText(data) {
		uuid := firstLabel(s.labels, "UUID", "uuid")
		if uuid == "" && s.labels["gpu"] == "" {
			continue
		}
		if isSentinel(s.value) {
			continue
		}

		d := getOrCreateDevice(devices, s.labels)
		key := d.ID()

		switch s.name {
		case metricProfGrEngineActive:
			v := s.value
			d.Utilization = &v
			hasProf[key] = true
		case metricDevGPUUtil:
			if !hasProf[key] {
				v := s.value / 100
				d.Utilization = &v
			}
		case metricDevFBUsed:
			b := int64(s.value * mibToBytes)
			d.MemoryUsedBytes = &b
		case metricDevFBFree:
			b := int64(s.value * mibToBytes)
			d.MemoryFreeBytes = &b
		case metricDevFBTotal:
			b := int64(s.value * mibToBytes)
			d.MemoryTotalBytes = &b
		case metricDevGPUTemp:
			v := s.value
			d.Temperature = &v
		case metricDevPowerUsage:
			v := s.value
			d.PowerWatts = &v
		}
	}

	result := make([]GPUDevice, 0, len(devices))
	for _, d := range devices {
		if d.MemoryTotalBytes == nil && d.MemoryUsedBytes != nil && d.MemoryFreeBytes != nil {
			total := *d.MemoryUsedBytes + *d.MemoryFreeBytes
			d.MemoryTotalBytes = &total
		}
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

func firstLabel(labels map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := labels[k]; v != "" {
			return v
		}
	}
	return ""
}

func getOrCreateDevice(devices map[string]*GPUDevice, labels map[string]string) *GPUDevice {
	d := GPUDevice{
		UUID:      firstLabel(labels, "UUID", "uuid"),
		GPU:       labels["gpu"],
		Hostname:  labels["Hostname"],
		ModelName: labels["modelName"],
		// New-style labels take priority over old-style ones.
		Pod:       firstLabel(labels, "pod", "pod_name"),
		Namespace: firstLabel(labels, "namespace", "pod_namespace"),
		Container: firstLabel(labels, "container", "container_name"),
	}
	if existing, ok := devices[d.ID()]; ok {
		if existing.Pod == "" && d.Pod != "" {
			existing.Pod, existing.Namespace, existing.Container = d.Pod, d.Namespace, d.Container
		}
		return existing
	}
	devices[d.ID()] = &d
	return &d
}

// isSentinel returns true if the value is a DCGM sentinel ("blank") value.
func isSentinel(v float64) bool {
	return v > sentinelThreshold
}

// GPUMetricsAPI abstracts device scraping for testability.
type GPUMetricsAPI interface {
	ScrapeGPUMetrics(ctx context.Context, endpoints []string) ([]GPUDevice, error)
}

type dcgmExporterClient struct {
	client *http.Client
}

// NewDCGMExporterClient creates a GPUMetricsAPI that scrapes dcgm-exporter HTTP endpoints.
func NewDCGMExporterClient(client *http.Client) GPUMetricsAPI {
	return &dcgmExporterClient{client: client}
}

// ScrapeGPUMetrics scrapes every endpoint. Individual endpoint failures are
// logged; an error is returned only if no endpoint answered.
func (c *dcgmExporterClient) ScrapeGPUMetrics(ctx context.Context, endpoints []string) ([]GPUDevice, error) {
	var all []GPUDevice
	var lastErr error
	ok := 0

	for _, endpoint := range endpoints {
		body, err := scrapeEndpoint(ctx, c.client, endpoint)
		if err != nil {
			slog.Warn("failed to scrape dcgm-exporter", "endpoint", endpoint, "error", err)
			lastErr = err
			continue
		}
		ok++
		all = append(all, ParseDCGMMetrics(body)...)
	}

	if ok == 0 && lastErr != nil {
		return nil, lastErr
	}
	return all, nil
}

// DCGMSource aggregates dcgm-exporter device metrics into a Reading. Devices
// with a pod label become allocations.
type DCGMSource struct {
	api         GPUMetricsAPI
	endpointsFn func(ctx context.Context) []string
}

// NewDCGMSource creates a DCGMSource. endpointsFn is called on every read so
// discovery can follow exporter restarts.
func NewDCGMSource(api GPUMetricsAPI, endpointsFn func(ctx context.Context) []string) *DCGMSource {
	return &DCGMSource{api: api, endpointsFn: endpointsFn}
}

// Name returns the source name.
func (s *DCGMSource) Name() string { return "dcgm" }

// Read implements Source.
func (s *DCGMSource) Read(ctx context.Context) (Reading, error) {
	endpoints := s.endpointsFn(ctx)
	if len(endpoints) == 0 {
		return Reading{}, fmt.Errorf("dcgm: no exporter endpoints: %w", errors.TelemetryUnavailable)
	}

	devices, err := s.api.ScrapeGPUMetrics(ctx, endpoints)
	if err != nil {
		return Reading{}, fmt.Errorf("dcgm: %w: %w", err, errors.TelemetryUnavailable)
	}
	if len(devices) == 0 {
		return Reading{}, fmt.Errorf("dcgm: no devices reported: %w", errors.TelemetryUnavailable)
	}

	return aggregateDevices(devices), nil
}

func aggregateDevices(devices []GPUDevice) Reading {
	var r Reading
	var utilSum float64
	var utilN int

	for _, d := range devices {
		r.GPUCount++
		if d.MemoryUsedBytes != nil {
			r.GPUMemoryUsedBytes += *d.MemoryUsedBytes
		}
		if d.MemoryTotalBytes != nil {
			r.GPUMemoryTotalBytes += *d.MemoryTotalBytes
		}
		if d.Utilization != nil {
			utilSum += *d.Utilization
			utilN++
		}
		if d.Temperature != nil && *d.Temperature > r.TemperatureCelsius {
			r.TemperatureCelsius = *d.Temperature
		}
		if d.PowerWatts != nil {
			r.PowerWatts += *d.PowerWatts
		}

		if d.Pod == "" {
			continue
		}
		al := model.Allocation{
			ID:          allocationID(d.Namespace, d.Pod, d.ID()),
			Component:   d.Pod,
			Accelerator: d.ID(),
		}
		if d.Utilization != nil {
			al.GPUUtilization = *d.Utilization
		}
		if d.MemoryUsedBytes != nil {
			al.MemoryBytes = *d.MemoryUsedBytes
		}
		r.Allocations = append(r.Allocations, al)
	}

	if utilN > 0 {
		r.GPUUtilization = utilSum / float64(utilN)
	}
	return r
}
