package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/discovery"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/store"
)

// PodTargetCollector watches pods matching a label selector and keeps the
// running, addressable ones as scrape targets.
type PodTargetCollector struct {
	name         string
	client       kubernetes.Interface
	namespace    string
	selector     string
	metrics      *observability.Metrics
	resyncPeriod time.Duration

	targets  *store.TypedStore[discovery.Endpoint]
	matcher  labels.Selector
	informer cache.SharedIndexInformer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewPodTargetCollector creates a PodTargetCollector. An empty namespace
// watches all namespaces.
func NewPodTargetCollector(name string, client kubernetes.Interface, namespace, selector string, m *observability.Metrics, resyncPeriod time.Duration) *PodTargetCollector {
	return &PodTargetCollector{
		name:         name,
		client:       client,
		namespace:    namespace,
		selector:     selector,
		metrics:      m,
		resyncPeriod: resyncPeriod,
		targets:      store.NewTypedStore[discovery.Endpoint](),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Name returns the collector name.
func (c *PodTargetCollector) Name() string { return c.name }

func podKey(namespace, name string) string {
	return namespace + "/" + name
}

// Start registers event handlers and begins the informer.
func (c *PodTargetCollector) Start(_ context.Context) error {
	matcher, err := labels.Parse(c.selector)
	if err != nil {
		return fmt.Errorf("invalid selector %q: %w", c.selector, err)
	}
	c.matcher = matcher

	factory := informers.NewSharedInformerFactoryWithOptions(c.client, c.resyncPeriod,
		informers.WithNamespace(c.namespace),
		informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.LabelSelector = c.selector
		}),
	)
	c.informer = factory.Core().V1().Pods().Informer()

	if _, err := c.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if pod, ok := obj.(*corev1.Pod); ok {
				c.upsert(pod, "add")
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			if pod, ok := newObj.(*corev1.Pod); ok {
				c.upsert(pod, "update")
			}
		},
		DeleteFunc: func(obj interface{}) {
			pod, ok := obj.(*corev1.Pod)
			if !ok {
				tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
				if !ok {
					return
				}
				pod, ok = tombstone.Obj.(*corev1.Pod)
				if !ok {
					return
				}
			}
			c.targets.Delete(podKey(pod.Namespace, pod.Name))
			c.observe("delete")
		},
	}); err != nil {
		return fmt.Errorf("failed to add event handler: %w", err)
	}

	c.running.Store(true)
	go func() {
		c.informer.Run(c.stopCh)
		close(c.done)
	}()
	return nil
}

// upsert keeps a pod only while it is running with an IP; pending and
// terminating pods drop out of the target set.
func (c *PodTargetCollector) upsert(pod *corev1.Pod, event string) {
	key := podKey(pod.Namespace, pod.Name)
	if !c.matcher.Matches(labels.Set(pod.Labels)) ||
		pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" || pod.DeletionTimestamp != nil {
		c.targets.Delete(key)
	} else {
		c.targets.Set(key, discovery.Endpoint{
			Namespace: pod.Namespace,
			Pod:       pod.Name,
			Node:      pod.Spec.NodeName,
			IP:        pod.Status.PodIP,
			Priority:  pod.Labels[discovery.LabelPriority],
		})
	}
	c.observe(event)
}

func (c *PodTargetCollector) observe(event string) {
	if c.metrics == nil {
		return
	}
	c.metrics.InformerEventsTotal.WithLabelValues(c.name, event).Inc()
	c.metrics.WatchedObjects.WithLabelValues(c.name).Set(float64(c.targets.Len()))
}

// WaitForSync blocks until the informer cache is synced or ctx is canceled.
func (c *PodTargetCollector) WaitForSync(ctx context.Context) error {
	if !cache.WaitForCacheSync(ctx.Done(), c.informer.HasSynced) {
		return fmt.Errorf("%s informer cache sync failed", c.name)
	}
	return nil
}

// Stop signals the informer to stop and waits for it to exit.
func (c *PodTargetCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.running.Load() {
		<-c.done
	}
}

// Endpoints returns the current targets ordered by namespace/pod.
func (c *PodTargetCollector) Endpoints() []discovery.Endpoint {
	return c.targets.Values()
}

// URLs returns http://ip:port base URLs for every target.
func (c *PodTargetCollector) URLs(port int) []string {
	eps := c.targets.Values()
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.URL(port))
	}
	return out
}

// GPUNodeCollector watches nodes and keeps those carrying GPU capacity.
type GPUNodeCollector struct {
	client       kubernetes.Interface
	metrics      *observability.Metrics
	resyncPeriod time.Duration

	nodes    *store.TypedStore[corev1.Node]
	informer cache.SharedIndexInformer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewGPUNodeCollector creates a GPUNodeCollector.
func NewGPUNodeCollector(client kubernetes.Interface, m *observability.Metrics, resyncPeriod time.Duration) *GPUNodeCollector {
	return &GPUNodeCollector{
		client:       client,
		metrics:      m,
		resyncPeriod: resyncPeriod,
		nodes:        store.NewTypedStore[corev1.Node](),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Name returns the collector name.
func (c *GPUNodeCollector) Name() string { return "gpu-nodes" }

// Start registers event handlers and begins the informer.
func (c *GPUNodeCollector) Start(_ context.Context) error {
	factory := informers.NewSharedInformerFactory(c.client, c.resyncPeriod)
	c.informer = factory.Core().V1().Nodes().Informer()

	if _, err := c.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if node, ok := obj.(*corev1.Node); ok {
				c.upsert(node, "add")
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			if node, ok := newObj.(*corev1.Node); ok {
				c.upsert(node, "update")
			}
		},
		DeleteFunc: func(obj interface{}) {
			node, ok := obj.(*corev1.Node)
			if !ok {
				tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
				if !ok {
					return
				}
				node, ok = tombstone.Obj.(*corev1.Node)
				if !ok {
					return
				}
			}
			c.nodes.Delete(node.Name)
			c.observe("delete")
		},
	}); err != nil {
		return fmt.Errorf("failed to add event handler: %w", err)
	}

	c.running.Store(true)
	go func() {
		c.informer.Run(c.stopCh)
		close(c.done)
	}()
	return nil
}

func (c *GPUNodeCollector) upsert(node *corev1.Node, event string) {
	if discovery.IsGPUNode(node) {
		c.nodes.Set(node.Name, *node.DeepCopy())
	} else {
		// A node whose GPUs were drained or relabeled stops counting.
		c.nodes.Delete(node.Name)
	}
	c.observe(event)
}

func (c *GPUNodeCollector) observe(event string) {
	if c.metrics == nil {
		return
	}
	c.metrics.InformerEventsTotal.WithLabelValues(c.Name(), event).Inc()
	c.metrics.WatchedObjects.WithLabelValues(c.Name()).Set(float64(c.nodes.Len()))
}

// WaitForSync blocks until the informer cache is synced or ctx is canceled.
func (c *GPUNodeCollector) WaitForSync(ctx context.Context) error {
	if !cache.WaitForCacheSync(ctx.Done(), c.informer.HasSynced) {
		return fmt.Errorf("gpu-nodes informer cache sync failed")
	}
	return nil
}

// Stop signals the informer to stop and waits for it to exit.
func (c *GPUNodeCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.running.Load() {
		<-c.done
	}
}

// Nodes returns the GPU nodes ordered by name. The error is always nil; the
// signature matches telemetry.NodeSource's node lister.
func (c *GPUNodeCollector) Nodes(_ context.Context) ([]corev1.Node, error) {
	return c.nodes.Values(), nil
}
