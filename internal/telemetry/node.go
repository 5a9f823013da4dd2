package telemetry

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv1beta1client "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
)

// NodeMetricsAPI abstracts the metrics-server API for testability.
type NodeMetricsAPI interface {
	ListNodeMetrics(ctx context.Context) ([]metricsv1beta1.NodeMetrics, error)
}

// metricsAPIClient wraps the real metrics client to implement NodeMetricsAPI.
type metricsAPIClient struct {
	client metricsv1beta1client.MetricsV1beta1Interface
}

// NewNodeMetricsAPI wraps a metrics-server client.
func NewNodeMetricsAPI(client metricsv1beta1client.MetricsV1beta1Interface) NodeMetricsAPI {
	return &metricsAPIClient{client: client}
}

func (c *metricsAPIClient) ListNodeMetrics(ctx context.Context) ([]metricsv1beta1.NodeMetrics, error) {
	list, err := c.client.NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// NodeSource reports host CPU and memory of GPU nodes from metrics-server,
// against node allocatable as the total.
type NodeSource struct {
	api     NodeMetricsAPI
	nodesFn func(ctx context.Context) ([]corev1.Node, error)
}

// NewNodeSource creates a NodeSource. nodesFn returns the GPU nodes to account.
func NewNodeSource(api NodeMetricsAPI, nodesFn func(ctx context.Context) ([]corev1.Node, error)) *NodeSource {
	return &NodeSource{api: api, nodesFn: nodesFn}
}

// Name returns the source name.
func (s *NodeSource) Name() string { return "node" }

// Read implements Source.
func (s *NodeSource) Read(ctx context.Context) (Reading, error) {
	nodes, err := s.nodesFn(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("node: %w: %w", err, errors.TelemetryUnavailable)
	}
	usage, err := s.api.ListNodeMetrics(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("node: list node metrics: %w: %w", err, errors.TelemetryUnavailable)
	}

	byName := make(map[string]metricsv1beta1.NodeMetrics, len(usage))
	for _, nm := range usage {
		byName[nm.Name] = nm
	}

	var r Reading
	var cpuUsedMilli, cpuTotalMilli int64
	matched := 0
	for _, node := range nodes {
		nm, ok := byName[node.Name]
		if !ok {
			continue
		}
		matched++

		cpuQ := nm.Usage[corev1.ResourceCPU]
		memQ := nm.Usage[corev1.ResourceMemory]
		cpuUsedMilli += cpuQ.MilliValue()
		r.CPUMemoryUsedBytes += memQ.Value()

		allocCPU := node.Status.Allocatable[corev1.ResourceCPU]
		allocMem := node.Status.Allocatable[corev1.ResourceMemory]
		cpuTotalMilli += allocCPU.MilliValue()
		r.CPUMemoryTotalBytes += allocMem.Value()
	}

	if matched == 0 {
		return Reading{}, fmt.Errorf("node: no metrics for %d GPU nodes: %w", len(nodes), errors.TelemetryUnavailable)
	}
	if cpuTotalMilli > 0 {
		r.CPUUsage = float64(cpuUsedMilli) / float64(cpuTotalMilli)
	}
	return r, nil
}
