// Package controller runs the evaluation loop: sample, track, decide,
// execute, one cycle at a time.
package controller

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/collector"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/config"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/events"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/scaling"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/store"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/workload"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const (
	// DecisionHistory is the number of decisions kept for inspection.
	DecisionHistory = 100

	// cycleHistory is the number of fresh per-cycle samples kept for
	// trailing averages and trend fits.
	cycleHistory = 2 * scaling.TrailingWindow

	defaultSyncTimeout = 2 * time.Minute
)

// ErrStopped is returned by RunCycle after Stop.
var ErrStopped = stderrors.New("controller stopped")

// Sampler produces one telemetry sample per call. *collector.MetricsCollector
// implements it.
type Sampler interface {
	Sample(ctx context.Context) model.ResourceUsage
	Latest() (model.ResourceUsage, bool)
}

// MemoryObserver reacts to the observed GPU memory ratio once per cycle.
// *lifecycle.Manager implements it.
type MemoryObserver interface {
	ObserveMemory(ctx context.Context, ratio float64)
}

// ActivityRecorder receives per-model serving activity once per fresh
// sample. *lifecycle.Manager implements it.
type ActivityRecorder interface {
	RecordActivity(activity []model.ModelActivity) int
}

// Executor applies decisions. *executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, d model.ScalingDecision, allocations []model.Allocation) error
	Seed(ctx context.Context, fallback int) int
	CurrentGPUs() int
	LastAction() time.Time
}

// EvaluationEvent is the payload of evaluation events.
type EvaluationEvent struct {
	Usage    model.ResourceUsage    `json:"usage"`
	Records  []model.WorkloadRecord `json:"records"`
	Decision model.ScalingDecision  `json:"decision"`
	Error    string                 `json:"error,omitempty"`
}

// Controller owns the evaluation timer. Cycles run inline on the Run
// goroutine so they never overlap; ticks that arrive mid-cycle are dropped.
type Controller struct {
	limits   *config.LimitsHolder
	registry *collector.Registry
	sampler  Sampler
	memory   MemoryObserver
	activity ActivityRecorder
	tracker  *workload.Tracker
	exec     Executor
	bus      events.Publisher
	metrics  *observability.Metrics
	clock    errors.Clock
	state    *StateMachine

	// SyncTimeout bounds the wait for the first sample in Run.
	SyncTimeout time.Duration

	cycleMu   sync.Mutex
	history   *store.Ring[model.ResourceUsage]
	decisions *store.Ring[model.ScalingDecision]
	latest    atomic.Pointer[model.ScalingDecision]
	ready     atomic.Bool

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	stopped  sync.Once
}

// NewController creates a Controller. registry, memory, bus and metrics
// may be nil. When memory also implements ActivityRecorder it receives each
// fresh sample's model activity.
func NewController(
	limits *config.LimitsHolder,
	registry *collector.Registry,
	sampler Sampler,
	memory MemoryObserver,
	tracker *workload.Tracker,
	exec Executor,
	bus events.Publisher,
	metrics *observability.Metrics,
	clock errors.Clock,
) *Controller {
	activity, _ := memory.(ActivityRecorder)
	return &Controller{
		limits:      limits,
		activity:    activity,
		registry:    registry,
		sampler:     sampler,
		memory:      memory,
		tracker:     tracker,
		exec:        exec,
		bus:         bus,
		metrics:     metrics,
		clock:       clock,
		state:       NewStateMachine(metrics),
		SyncTimeout: defaultSyncTimeout,
		history:     store.NewRing[model.ResourceUsage](cycleHistory),
		decisions:   store.NewRing[model.ScalingDecision](DecisionHistory),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// State returns the current controller state.
func (c *Controller) State() State {
	return c.state.State()
}

// IsReady reports whether a cycle has completed. Implements
// health.ReadinessChecker.
func (c *Controller) IsReady() bool {
	return c.ready.Load()
}

// LatestDecision returns the newest decision, or nil before the first cycle.
func (c *Controller) LatestDecision() any {
	d := c.latest.Load()
	if d == nil {
		return nil
	}
	return d
}

// Decisions returns up to the last DecisionHistory decisions, oldest first.
func (c *Controller) Decisions() []model.ScalingDecision {
	return c.decisions.Last(0)
}

// Run starts the collectors, waits for the first sample and then evaluates
// every EvaluationInterval until ctx is canceled or Stop is called.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already running")
	}
	defer close(c.done)

	select {
	case <-c.stopCh:
		slog.Info("controller stopped before run, not starting")
		return nil
	default:
	}
	defer c.finish("run exited")

	if c.registry != nil {
		if err := c.registry.StartAll(ctx); err != nil {
			var partial *collector.PartialStartError
			if !stderrors.As(err, &partial) {
				return fmt.Errorf("failed to start collectors: %w", err)
			}
			slog.Warn("some collectors failed to start, continuing with partial data",
				"failed", partial.Failed, "total", partial.Total)
		}
		defer c.registry.StopAll()

		syncCtx, cancel := context.WithTimeout(ctx, c.SyncTimeout)
		syncStart := time.Now()
		if err := c.registry.WaitForSync(syncCtx); err != nil {
			slog.Warn("collector sync incomplete, continuing",
				"error", err,
				"timeout", c.SyncTimeout,
				"elapsed", time.Since(syncStart).Round(time.Millisecond),
			)
		} else {
			slog.Info("collectors synced", "elapsed", time.Since(syncStart).Round(time.Millisecond))
		}
		cancel()
	}

	c.seed(ctx)
	c.publish(events.Started, nil)

	interval := c.limits.Load().EvaluationInterval
	slog.Info("controller started", "evaluation_interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return nil
		default:
		}
		if _, err := c.RunCycle(ctx); stderrors.Is(err, ErrStopped) {
			return nil
		}

		if next := c.limits.Load().EvaluationInterval; next != interval {
			slog.Info("evaluation interval changed", "from", interval, "to", next)
			interval = next
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// seed initializes the executor's accelerator count from the fabric, the
// first sample, or MinGPUs, in that order of preference.
func (c *Controller) seed(ctx context.Context) {
	if c.exec.CurrentGPUs() > 0 {
		return
	}
	fallback := c.limits.Load().MinGPUs
	if u, ok := c.sampler.Latest(); ok && !u.Stale && u.GPUCount > 0 {
		fallback = u.GPUCount
	}
	c.exec.Seed(ctx, fallback)
}

// RunCycle performs one evaluation: sample, observe memory, update workload
// records, decide, execute. Execution errors are returned after the
// evaluation event is published; they never stop the loop.
func (c *Controller) RunCycle(ctx context.Context) (model.ScalingDecision, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := c.clock.Now()
	if err := c.state.TransitionTo(StateEvaluating, "cycle started"); err != nil {
		return model.ScalingDecision{}, ErrStopped
	}

	usage := c.sampler.Sample(ctx)
	if !usage.Stale {
		c.history.Push(usage)
		if c.memory != nil {
			c.memory.ObserveMemory(ctx, usage.GPUMemoryUtilization())
		}
		if c.activity != nil && len(usage.Models) > 0 {
			c.activity.RecordActivity(usage.Models)
		}
	}
	c.tracker.Update(usage.Allocations)
	records := c.tracker.Records()

	c.mustTransition(StateDeciding, "metrics collected")
	limits := c.limits.Load()
	d := scaling.Decide(scaling.Input{
		Limits:      limits,
		Usage:       usage,
		History:     c.history.Last(scaling.TrailingWindow),
		Records:     records,
		CurrentGPUs: c.exec.CurrentGPUs(),
		LastAction:  c.exec.LastAction(),
		Now:         c.clock.Now(),
	})
	c.record(d)

	c.mustTransition(StateExecuting, string(d.Action))
	execErr := c.exec.Execute(ctx, d, usage.Allocations)

	ev := EvaluationEvent{Usage: usage, Records: records, Decision: d}
	if execErr != nil {
		ev.Error = execErr.Error()
	}
	c.publish(events.Evaluation, ev)

	c.mustTransition(StateIdle, "cycle finished")
	c.ready.Store(true)
	if c.metrics != nil {
		c.metrics.CycleDuration.Observe(c.clock.Now().Sub(start).Seconds())
	}

	slog.Info("evaluation cycle",
		"decision_id", d.ID,
		"action", d.Action,
		"reason", d.Reason,
		"current_gpus", d.CurrentGPUs,
		"target_gpus", d.TargetGPUs,
		"confidence", d.Confidence,
		"stale", usage.Stale,
	)
	return d, execErr
}

func (c *Controller) record(d model.ScalingDecision) {
	c.decisions.Push(d)
	c.latest.Store(&d)
	if c.metrics != nil {
		c.metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()
		c.metrics.TargetGPUs.Set(float64(d.TargetGPUs))
		c.metrics.DecisionConfidence.Set(d.Confidence)
	}
}

// mustTransition logs transitions the cycle cannot take; only Stop can
// interfere and it waits for the cycle lock.
func (c *Controller) mustTransition(s State, reason string) {
	if err := c.state.TransitionTo(s, reason); err != nil {
		slog.Error("controller state transition failed", "error", err)
	}
}

// Stop ends the loop. An in-flight cycle finishes before Stop returns.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.running.Load() {
		<-c.done
		return
	}
	c.finish("stopped before run")
}

func (c *Controller) finish(reason string) {
	c.stopped.Do(func() {
		c.cycleMu.Lock()
		_ = c.state.TransitionTo(StateStopped, reason)
		c.cycleMu.Unlock()
		c.publish(events.Stopped, nil)
		slog.Info("controller stopped", "reason", reason)
	})
}

func (c *Controller) publish(typ events.Type, payload any) {
	if c.bus != nil {
		c.bus.Publish(typ, payload)
	}
}
