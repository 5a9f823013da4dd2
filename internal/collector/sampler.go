package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/alerts"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/store"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/telemetry"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const (
	// DefaultHistorySize is the number of fresh samples kept for trend analysis.
	DefaultHistorySize = 1000

	// failureEscalation is the consecutive failure count that raises a critical alert.
	failureEscalation = 3

	componentName = "collector"
)

// MetricsCollector samples a telemetry source on its own ticker. A failed read
// never surfaces as an error: the last good sample is returned marked stale.
type MetricsCollector struct {
	source   telemetry.Source
	clock    errors.Clock
	interval time.Duration
	metrics  *observability.Metrics
	errs     *errors.ErrorCollector
	alerts   alerts.Raiser
	history  *store.Ring[model.ResourceUsage]

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	syncOnce sync.Once
	synced   chan struct{}

	// mu serializes Sample so failure streaks are counted in order.
	mu        sync.Mutex
	lastGood  *model.ResourceUsage
	latest    atomic.Pointer[model.ResourceUsage]
	failures  int
	escalated bool
}

// NewMetricsCollector creates a MetricsCollector. interval bounds each read as
// well as the polling period. errs and raiser may be nil.
func NewMetricsCollector(
	source telemetry.Source,
	clock errors.Clock,
	interval time.Duration,
	metrics *observability.Metrics,
	errs *errors.ErrorCollector,
	raiser alerts.Raiser,
) *MetricsCollector {
	return &MetricsCollector{
		source:   source,
		clock:    clock,
		interval: interval,
		metrics:  metrics,
		errs:     errs,
		alerts:   raiser,
		history:  store.NewRing[model.ResourceUsage](DefaultHistorySize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		synced:   make(chan struct{}),
	}
}

// Name returns the collector name.
func (c *MetricsCollector) Name() string { return "metrics" }

// Start launches the background sampling goroutine.
func (c *MetricsCollector) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("metrics collector already started")
	}
	go c.run(ctx)
	return nil
}

// WaitForSync blocks until the first sample completes or ctx is canceled.
func (c *MetricsCollector) WaitForSync(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the sampling goroutine to exit and waits for it.
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.done
	}
}

func (c *MetricsCollector) run(ctx context.Context) {
	defer close(c.done)

	c.Sample(ctx)
	c.syncOnce.Do(func() { close(c.synced) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sample(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sample reads the source once. It returns within the sampling interval even
// if the source does not honor cancellation.
func (c *MetricsCollector) Sample(ctx context.Context) model.ResourceUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	reading, err := c.read(ctx)
	if c.metrics != nil {
		c.metrics.SampleDuration.Observe(time.Since(start).Seconds())
	}

	var usage model.ResourceUsage
	if err != nil {
		usage = c.fail(err)
	} else {
		usage = c.succeed(reading)
	}
	c.latest.Store(&usage)
	return usage
}

func (c *MetricsCollector) read(ctx context.Context) (telemetry.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	type result struct {
		r   telemetry.Reading
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := c.source.Read(ctx)
		ch <- result{r: r, err: err}
	}()

	select {
	case res := <-ch:
		return res.r, res.err
	case <-ctx.Done():
		return telemetry.Reading{}, fmt.Errorf("read %s: %w: %w", c.source.Name(), ctx.Err(), errors.TelemetryUnavailable)
	}
}

func (c *MetricsCollector) succeed(r telemetry.Reading) model.ResourceUsage {
	usage := r.Usage()
	usage.Timestamp = c.clock.Now()

	c.history.Push(usage)
	c.lastGood = &usage
	if c.failures > 0 {
		slog.Info("telemetry recovered", "failed_samples", c.failures)
	}
	c.failures = 0
	c.escalated = false
	if c.errs != nil {
		c.errs.Resolve(errors.ErrTelemetryUnavailable, componentName)
	}

	if c.metrics != nil {
		c.metrics.GPUUtilization.Set(usage.GPUUtilization)
		c.metrics.GPUMemoryUtilization.Set(usage.GPUMemoryUtilization())
		c.metrics.QueueDepth.Set(float64(usage.QueueDepth))
	}
	slog.Debug("telemetry sample",
		"gpus", usage.GPUCount,
		"gpu_utilization", usage.GPUUtilization,
		"gpu_memory_utilization", usage.GPUMemoryUtilization(),
		"queue_depth", usage.QueueDepth,
		"allocations", len(usage.Allocations),
	)
	return usage
}

func (c *MetricsCollector) fail(err error) model.ResourceUsage {
	c.failures++
	slog.Warn("telemetry sample failed, using last known sample",
		"consecutive_failures", c.failures, "error", err)

	if c.metrics != nil {
		c.metrics.StaleSamples.Inc()
	}
	if c.errs != nil {
		c.errs.Report(errors.AgentError{
			Code:      errors.ErrTelemetryUnavailable,
			Message:   err.Error(),
			Component: componentName,
			Err:       err,
		})
	}

	if c.failures >= failureEscalation && !c.escalated {
		c.escalated = true
		if c.alerts != nil {
			c.alerts.Raise(model.ResourceAlert{
				Severity:    model.SeverityCritical,
				Message:     fmt.Sprintf("telemetry unavailable for %d consecutive samples: %v", c.failures, err),
				Resource:    "telemetry",
				Value:       float64(c.failures),
				Threshold:   failureEscalation,
				ActionTaken: "serving last known sample",
			})
		}
	}

	if c.lastGood == nil {
		return model.ResourceUsage{Timestamp: c.clock.Now(), Stale: true}
	}
	stale := *c.lastGood
	stale.Allocations = append([]model.Allocation(nil), c.lastGood.Allocations...)
	stale.Stale = true
	return stale
}

// Latest returns the most recent result of Sample, fresh or stale.
func (c *MetricsCollector) Latest() (model.ResourceUsage, bool) {
	u := c.latest.Load()
	if u == nil {
		return model.ResourceUsage{}, false
	}
	return *u, true
}

// MemoryPressure returns the GPU memory utilization of the latest sample.
// It reports false before the first sample, for stale samples and when the
// total GPU memory is unknown.
func (c *MetricsCollector) MemoryPressure() (float64, bool) {
	u, ok := c.Latest()
	if !ok || u.Stale || u.GPUMemoryTotalBytes <= 0 {
		return 0, false
	}
	return u.GPUMemoryUtilization(), true
}

// History returns up to n of the newest fresh samples, oldest first.
// n <= 0 returns the whole history.
func (c *MetricsCollector) History(n int) []model.ResourceUsage {
	return c.history.Last(n)
}

// ConsecutiveFailures returns the current failure streak.
func (c *MetricsCollector) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}
