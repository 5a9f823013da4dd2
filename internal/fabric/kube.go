package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
)

// Annotations and ConfigMap keys shared with the GPU workers and the
// placement-aware scheduler.
const (
	AnnotationAccelerator          = "kubeadapt.io/accelerator"
	AnnotationExcludedAccelerators = "kubeadapt.io/excluded-accelerators"
	AnnotationPlacementUpdated     = "kubeadapt.io/placement-updated"
	AnnotationOptimizeRequested    = "kubeadapt.io/optimize-requested"
	annotationDeletionCost         = "controller.kubernetes.io/pod-deletion-cost"

	PlacementKey = "placement.json"
	OptimizeKey  = "optimize.json"

	// removalDeletionCost ranks hinted replicas ahead of every default-cost pod.
	removalDeletionCost = "-1000"
)

// migrationGracePeriod is the drain time, in seconds, given to an evicted
// allocation's pod.
const migrationGracePeriod int64 = 30

// Worker kinds accepted by NewKubeProvider.
const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
)

// KubeProvider scales a GPU worker workload through its scale subresource,
// one replica per accelerator, and publishes placement through a ConfigMap.
type KubeProvider struct {
	client    kubernetes.Interface
	namespace string
	kind      string
	name      string
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewKubeProvider creates a KubeProvider for the worker kind/name in
// namespace. metrics may be nil.
func NewKubeProvider(client kubernetes.Interface, namespace, kind, name string, metrics *observability.Metrics) *KubeProvider {
	return &KubeProvider{
		client:    client,
		namespace: namespace,
		kind:      kind,
		name:      name,
		metrics:   metrics,
		now:       time.Now,
	}
}

// PlacementConfigMap returns the name of the ConfigMap the scheduler reads.
func (p *KubeProvider) PlacementConfigMap() string {
	return p.name + "-placement"
}

// Capacity returns the desired replica count of the worker.
func (p *KubeProvider) Capacity(ctx context.Context) (int, error) {
	scale, err := p.getScale(ctx)
	if err != nil {
		return 0, err
	}
	return int(scale.Spec.Replicas), nil
}

// ExpandCluster raises the worker to target replicas.
func (p *KubeProvider) ExpandCluster(ctx context.Context, target int) error {
	defer p.observe("expand", p.now())
	return p.setReplicas(ctx, target)
}

// ShrinkCluster lowers the worker to target replicas.
func (p *KubeProvider) ShrinkCluster(ctx context.Context, target int) error {
	defer p.observe("shrink", p.now())
	return p.setReplicas(ctx, target)
}

func (p *KubeProvider) setReplicas(ctx context.Context, target int) error {
	if target < 0 {
		return fmt.Errorf("invalid replica target %d", target)
	}
	scale, err := p.getScale(ctx)
	if err != nil {
		return err
	}
	from := scale.Spec.Replicas
	if from == int32(target) {
		return nil
	}
	scale.Spec.Replicas = int32(target)

	switch p.kind {
	case KindStatefulSet:
		_, err = p.client.AppsV1().StatefulSets(p.namespace).UpdateScale(ctx, p.name, scale, metav1.UpdateOptions{})
	default:
		_, err = p.client.AppsV1().Deployments(p.namespace).UpdateScale(ctx, p.name, scale, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("update %s %s/%s scale to %d: %w", p.kind, p.namespace, p.name, target, err)
	}
	slog.Info("worker scaled", "kind", p.kind, "name", p.name, "from", from, "to", target)
	return nil
}

func (p *KubeProvider) getScale(ctx context.Context) (*autoscalingv1.Scale, error) {
	var scale *autoscalingv1.Scale
	var err error
	switch p.kind {
	case KindStatefulSet:
		scale, err = p.client.AppsV1().StatefulSets(p.namespace).GetScale(ctx, p.name, metav1.GetOptions{})
	default:
		scale, err = p.client.AppsV1().Deployments(p.namespace).GetScale(ctx, p.name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s/%s scale: %w", p.kind, p.namespace, p.name, err)
	}
	return scale, nil
}

// HintRemoval marks the worker pods bound to accelerators with the lowest
// pod-deletion-cost so the ReplicaSet controller removes them first.
// StatefulSets always remove the highest ordinal, so there is nothing to hint.
func (p *KubeProvider) HintRemoval(ctx context.Context, accelerators []string) error {
	if p.kind == KindStatefulSet || len(accelerators) == 0 {
		return nil
	}
	scale, err := p.getScale(ctx)
	if err != nil {
		return err
	}
	pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{LabelSelector: scale.Status.Selector})
	if err != nil {
		return fmt.Errorf("list worker pods: %w", err)
	}

	remove := make(map[string]bool, len(accelerators))
	for _, a := range accelerators {
		remove[a] = true
	}
	marked := 0
	for _, pod := range pods.Items {
		if !remove[pod.Annotations[AnnotationAccelerator]] {
			continue
		}
		if err := p.annotatePod(ctx, pod.Namespace, pod.Name, map[string]string{annotationDeletionCost: removalDeletionCost}); err != nil {
			return err
		}
		marked++
	}
	slog.Debug("hinted worker removal", "accelerators", len(accelerators), "pods_marked", marked)
	return nil
}

// MigrateAllocation records the accelerators the allocation must avoid on
// its pod and evicts it through the Eviction API, which honors
// PodDisruptionBudgets.
func (p *KubeProvider) MigrateAllocation(ctx context.Context, allocationID string, excluded []string) error {
	defer p.observe("migrate", p.now())

	namespace, pod, _, err := splitAllocationID(allocationID)
	if err != nil {
		return err
	}
	sorted := append([]string(nil), excluded...)
	sort.Strings(sorted)
	if err := p.annotatePod(ctx, namespace, pod, map[string]string{
		AnnotationExcludedAccelerators: strings.Join(sorted, ","),
	}); err != nil {
		return err
	}

	eviction := &policyv1.Eviction{
		ObjectMeta:    metav1.ObjectMeta{Name: pod, Namespace: namespace},
		DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: ptr.To(migrationGracePeriod)},
	}
	if err := p.client.PolicyV1().Evictions(namespace).Evict(ctx, eviction); err != nil {
		return fmt.Errorf("evict %s/%s: %w", namespace, pod, err)
	}
	slog.Info("allocation migrated", "allocation", allocationID, "excluded", len(sorted))
	return nil
}

func (p *KubeProvider) annotatePod(ctx context.Context, namespace, name string, annotations map[string]string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": annotations},
	})
	if err != nil {
		return err
	}
	if _, err := p.client.CoreV1().Pods(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("annotate pod %s/%s: %w", namespace, name, err)
	}
	return nil
}

// OptimizePlacement asks the scheduler to re-spread the given agents over
// the current capacity.
func (p *KubeProvider) OptimizePlacement(ctx context.Context, agentIDs []string) error {
	defer p.observe("optimize", p.now())

	ids := append([]string{}, agentIDs...)
	sort.Strings(ids)
	body, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return p.writePlacement(ctx, OptimizeKey, body, AnnotationOptimizeRequested)
}

// ApplyPlacement publishes the agent to slot map. It implements
// PlacementCoordinator.
func (p *KubeProvider) ApplyPlacement(ctx context.Context, placement map[string]int) error {
	defer p.observe("apply_placement", p.now())

	// encoding/json sorts map keys, so equal placements produce equal data.
	body, err := json.Marshal(placement)
	if err != nil {
		return err
	}
	return p.writePlacement(ctx, PlacementKey, body, AnnotationPlacementUpdated)
}

func (p *KubeProvider) writePlacement(ctx context.Context, key string, value []byte, stampAnnotation string) error {
	cms := p.client.CoreV1().ConfigMaps(p.namespace)
	name := p.PlacementConfigMap()
	stamp := p.now().UTC().Format(time.RFC3339)

	cm, err := cms.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   p.namespace,
				Labels:      map[string]string{"app.kubernetes.io/managed-by": "kubeadapt-gpu-scaler"},
				Annotations: map[string]string{stampAnnotation: stamp},
			},
			Data: map[string]string{key: string(value)},
		}
		if _, err := cms.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create configmap %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get configmap %s: %w", name, err)
	}

	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	if cm.Annotations == nil {
		cm.Annotations = map[string]string{}
	}
	cm.Data[key] = string(value)
	cm.Annotations[stampAnnotation] = stamp
	if _, err := cms.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update configmap %s: %w", name, err)
	}
	return nil
}

func (p *KubeProvider) observe(operation string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.FabricRequestDuration.WithLabelValues(operation).Observe(p.now().Sub(start).Seconds())
}
