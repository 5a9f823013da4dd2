package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
)

// Well-known API groups and resources used for capability detection.
const (
	apiGroupMetrics = "metrics.k8s.io"

	// LabelPriority carries an agent's priority class on its engine pods.
	LabelPriority = "kubeadapt.io/priority"

	resourceGPU       = v1.ResourceName("nvidia.com/gpu")
	resourceMIGPrefix = "nvidia.com/mig-"
)

// dcgmSelectors are the label selectors used by the common dcgm-exporter charts.
var dcgmSelectors = []string{
	"app=nvidia-dcgm-exporter",
	"app.kubernetes.io/name=dcgm-exporter",
}

// Capabilities describes optional cluster features detected at startup.
type Capabilities struct {
	MetricsServer         bool     // metrics.k8s.io API group exists
	GPUNodes              int      // nodes advertising nvidia.com/gpu or MIG resources
	DCGMExporter          bool     // dcgm-exporter pods found on GPU nodes
	DCGMExporterEndpoints []string // pod IPs of discovered dcgm-exporter instances
}

// Endpoint is a scrape target backed by a running pod.
type Endpoint struct {
	Namespace string
	Pod       string
	Node      string
	IP        string
	Priority  string
}

// URL returns the http base URL of the endpoint on port.
func (e Endpoint) URL(port int) string {
	return "http://" + net.JoinHostPort(e.IP, strconv.Itoa(port))
}

// Detect probes the cluster for metrics-server, GPU nodes and dcgm-exporter.
// This is intended to run once at startup.
func Detect(ctx context.Context, client kubernetes.Interface, discoveryClient discovery.DiscoveryInterface, dcgmNamespace string) (*Capabilities, error) {
	caps := &Capabilities{}

	hasMetrics, err := HasAPIGroup(discoveryClient, apiGroupMetrics)
	if err != nil {
		return nil, err
	}
	caps.MetricsServer = hasMetrics

	nodes, err := GPUNodes(ctx, client)
	if err == nil {
		caps.GPUNodes = len(nodes)
	}
	if caps.GPUNodes > 0 {
		caps.DCGMExporterEndpoints = DCGMEndpoints(ctx, client, dcgmNamespace)
		caps.DCGMExporter = len(caps.DCGMExporterEndpoints) > 0
	}

	return caps, nil
}

// HasAPIGroup checks whether a specific API group is registered with the cluster.
func HasAPIGroup(discoveryClient discovery.DiscoveryInterface, group string) (bool, error) {
	groups, err := discoveryClient.ServerGroups()
	if err != nil {
		return false, fmt.Errorf("discovery: failed to list server groups: %w", err)
	}

	for _, g := range groups.Groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

// IsGPUNode reports whether the node advertises whole GPUs or MIG slices.
func IsGPUNode(node *v1.Node) bool {
	if q, ok := node.Status.Allocatable[resourceGPU]; ok && q.Value() > 0 {
		return true
	}
	for rName, q := range node.Status.Allocatable {
		if strings.HasPrefix(string(rName), resourceMIGPrefix) && q.Value() > 0 {
			return true
		}
	}
	return false
}

// GPUNodes lists nodes that carry GPU capacity.
func GPUNodes(ctx context.Context, client kubernetes.Interface) ([]v1.Node, error) {
	nodeList, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("discovery: list nodes: %w", err)
	}
	var out []v1.Node
	for i := range nodeList.Items {
		if IsGPUNode(&nodeList.Items[i]) {
			out = append(out, nodeList.Items[i])
		}
	}
	return out, nil
}

// DCGMEndpoints returns pod IPs of running dcgm-exporter pods. An empty
// namespace searches all namespaces. Safe to call repeatedly for endpoint refresh.
func DCGMEndpoints(ctx context.Context, client kubernetes.Interface, namespace string) []string {
	for _, sel := range dcgmSelectors {
		eps, err := PodEndpoints(ctx, client, namespace, sel)
		if err != nil || len(eps) == 0 {
			continue
		}
		ips := make([]string, 0, len(eps))
		for _, ep := range eps {
			ips = append(ips, ep.IP)
		}
		return ips
	}
	return nil
}

// DCGMSelector returns the first known dcgm-exporter label selector that
// matches a running pod, or the GPU Operator default when none does.
func DCGMSelector(ctx context.Context, client kubernetes.Interface, namespace string) string {
	for _, sel := range dcgmSelectors {
		if eps, err := PodEndpoints(ctx, client, namespace, sel); err == nil && len(eps) > 0 {
			return sel
		}
	}
	return dcgmSelectors[0]
}

// PodEndpoints lists running pods matching selector that have an IP.
func PodEndpoints(ctx context.Context, client kubernetes.Interface, namespace, selector string) ([]Endpoint, error) {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("discovery: list pods %q: %w", selector, err)
	}
	var out []Endpoint
	for _, pod := range pods.Items {
		if pod.Status.PodIP == "" || pod.Status.Phase != v1.PodRunning {
			continue
		}
		out = append(out, Endpoint{
			Namespace: pod.Namespace,
			Pod:       pod.Name,
			Node:      pod.Spec.NodeName,
			IP:        pod.Status.PodIP,
			Priority:  pod.Labels[LabelPriority],
		})
	}
	return out, nil
}
