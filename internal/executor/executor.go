// Package executor carries out scaling decisions against the accelerator
// fabric.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/events"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/fabric"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/workload"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const componentName = "executor"

// Budgeter resizes the model memory budget. *lifecycle.Manager implements it.
type Budgeter interface {
	Resize(ctx context.Context, budget int64) error
}

// FailureEvent is the payload of scalingError events.
type FailureEvent struct {
	DecisionID string       `json:"decision_id"`
	Action     model.Action `json:"action"`
	Error      string       `json:"error"`
}

// Executor applies decisions one at a time and owns the current
// accelerator count and the last scaling action timestamp.
type Executor struct {
	provider  fabric.Provider
	placement fabric.PlacementCoordinator
	resolver  workload.Resolver
	clock     errors.Clock
	bus       events.Publisher
	metrics   *observability.Metrics
	errs      *errors.ErrorCollector

	// run serializes Execute; mu guards the fields below.
	run          sync.Mutex
	mu           sync.Mutex
	current      int
	lastAction   time.Time
	budget       Budgeter
	memoryPerGPU int64
}

// NewExecutor creates an Executor. placement, resolver, bus, metrics and
// errs may be nil; without a resolver allocation components are used as
// agent ids.
func NewExecutor(
	provider fabric.Provider,
	placement fabric.PlacementCoordinator,
	resolver workload.Resolver,
	clock errors.Clock,
	bus events.Publisher,
	metrics *observability.Metrics,
	errs *errors.ErrorCollector,
) *Executor {
	return &Executor{
		provider:  provider,
		placement: placement,
		resolver:  resolver,
		clock:     clock,
		bus:       bus,
		metrics:   metrics,
		errs:      errs,
	}
}

// SetBudget ties the model memory budget to the accelerator count:
// after every capacity change the budget becomes perGPUBytes*GPUs.
// perGPUBytes 0 disables resizing.
func (e *Executor) SetBudget(b Budgeter, perGPUBytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget = b
	e.memoryPerGPU = perGPUBytes
}

// Seed initializes the current accelerator count, preferring the count the
// provider reports and falling back to fallback.
func (e *Executor) Seed(ctx context.Context, fallback int) int {
	n := fallback
	if r, ok := e.provider.(fabric.CapacityReader); ok {
		got, err := r.Capacity(ctx)
		switch {
		case err != nil:
			slog.Warn("reading fabric capacity failed, using fallback", "error", err, "fallback", fallback)
		case got > 0:
			n = got
		}
	}
	e.setCurrent(n)
	slog.Info("accelerator count seeded", "gpus", n)
	return n
}

// CurrentGPUs returns the accelerator count after the last successful change.
func (e *Executor) CurrentGPUs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// LastAction returns when the last non-maintain decision was executed, or
// the zero time if none was.
func (e *Executor) LastAction() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAction
}

// Execute applies decision. Every non-maintain decision updates the last
// action time whether or not it succeeds. Failures are wrapped with
// errors.FabricProvider or errors.MigrationFailed.
func (e *Executor) Execute(ctx context.Context, d model.ScalingDecision, allocations []model.Allocation) error {
	if d.Action == model.ActionMaintain {
		return nil
	}

	e.run.Lock()
	defer e.run.Unlock()

	e.mu.Lock()
	e.lastAction = e.clock.Now()
	current := e.current
	e.mu.Unlock()

	var err error
	switch d.Action {
	case model.ActionScaleUp:
		err = e.scaleUp(ctx, current, d.TargetGPUs, allocations)
	case model.ActionScaleDown:
		err = e.scaleDown(ctx, current, d.TargetGPUs, allocations)
	case model.ActionRedistribute:
		err = e.redistribute(ctx, d.Reallocation)
	default:
		err = fmt.Errorf("unknown action %q", d.Action)
	}

	if err != nil {
		e.fail(d, err)
		return err
	}
	e.succeed(d)
	return nil
}

func (e *Executor) scaleUp(ctx context.Context, current, target int, allocations []model.Allocation) error {
	if target <= current {
		return fmt.Errorf("scale up target %d is not above current %d", target, current)
	}
	if err := e.provider.ExpandCluster(ctx, target); err != nil {
		return fmt.Errorf("expand to %d: %w: %w", target, errors.FabricProvider, err)
	}
	e.setCurrent(target)

	if err := e.resizeBudget(ctx, target); err != nil {
		slog.Warn("model budget resize after scale up failed", "gpus", target, "error", err)
	}

	agents := e.agentIDs(allocations)
	if err := e.provider.OptimizePlacement(ctx, agents); err != nil {
		return fmt.Errorf("optimize placement for %d agents: %w: %w", len(agents), errors.FabricProvider, err)
	}
	return nil
}

func (e *Executor) scaleDown(ctx context.Context, current, target int, allocations []model.Allocation) error {
	if target >= current || target < 0 {
		return fmt.Errorf("scale down target %d is not below current %d", target, current)
	}

	removed := chooseRemovals(allocations, current, current-target)
	removing := make(map[string]bool, len(removed))
	for _, acc := range removed {
		removing[acc] = true
	}

	var movers []model.Allocation
	for _, a := range allocations {
		if removing[a.Accelerator] {
			movers = append(movers, a)
		}
	}
	sort.Slice(movers, func(i, j int) bool { return movers[i].ID < movers[j].ID })

	for _, a := range movers {
		if err := e.provider.MigrateAllocation(ctx, a.ID, removed); err != nil {
			return fmt.Errorf("migrate %s off %s: %w: %w", a.ID, a.Accelerator, errors.MigrationFailed, err)
		}
	}
	if len(movers) > 0 {
		slog.Info("allocations migrated for scale down", "allocations", len(movers), "accelerators", removed)
	}

	if err := e.resizeBudget(ctx, target); err != nil {
		return fmt.Errorf("shrink model budget for %d gpus: %w", target, err)
	}

	if h, ok := e.provider.(fabric.RemovalHinter); ok && len(removed) > 0 {
		if err := h.HintRemoval(ctx, removed); err != nil {
			slog.Warn("removal hint failed, shrinking anyway", "accelerators", removed, "error", err)
		}
	}

	if err := e.provider.ShrinkCluster(ctx, target); err != nil {
		return fmt.Errorf("shrink to %d: %w: %w", target, errors.FabricProvider, err)
	}
	e.setCurrent(target)
	return nil
}

func (e *Executor) redistribute(ctx context.Context, placement map[string]int) error {
	if e.placement == nil {
		return fmt.Errorf("no placement coordinator configured: %w", errors.FabricProvider)
	}
	if err := e.placement.ApplyPlacement(ctx, placement); err != nil {
		return fmt.Errorf("apply placement for %d agents: %w: %w", len(placement), errors.FabricProvider, err)
	}
	return nil
}

func (e *Executor) resizeBudget(ctx context.Context, gpus int) error {
	e.mu.Lock()
	b, perGPU := e.budget, e.memoryPerGPU
	e.mu.Unlock()
	if b == nil || perGPU <= 0 || gpus <= 0 {
		return nil
	}
	return b.Resize(ctx, perGPU*int64(gpus))
}

// agentIDs returns the sorted distinct agents owning allocations.
func (e *Executor) agentIDs(allocations []model.Allocation) []string {
	seen := make(map[string]bool)
	ids := []string{}
	for _, a := range allocations {
		id := a.Component
		if e.resolver != nil {
			resolved, ok := e.resolver.Resolve(a.Component)
			if !ok {
				continue
			}
			id = resolved
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// chooseRemovals picks the occupied accelerators to drain when removing n of
// current. Unoccupied accelerators go first and need no drain; the rest are
// ordered by fewest resident allocations, then lowest summed utilization,
// then highest id.
func chooseRemovals(allocations []model.Allocation, current, n int) []string {
	type accel struct {
		id    string
		count int
		util  float64
	}
	byID := make(map[string]*accel)
	for _, a := range allocations {
		if a.Accelerator == "" {
			continue
		}
		acc, ok := byID[a.Accelerator]
		if !ok {
			acc = &accel{id: a.Accelerator}
			byID[a.Accelerator] = acc
		}
		acc.count++
		acc.util += a.GPUUtilization
	}

	accs := make([]*accel, 0, len(byID))
	for _, acc := range byID {
		accs = append(accs, acc)
	}
	sort.Slice(accs, func(i, j int) bool {
		if accs[i].count != accs[j].count {
			return accs[i].count < accs[j].count
		}
		if accs[i].util != accs[j].util {
			return accs[i].util < accs[j].util
		}
		return accs[i].id > accs[j].id
	})

	if idle := current - len(accs); idle > 0 {
		n -= idle
	}
	if n < 0 {
		n = 0
	}
	if n > len(accs) {
		n = len(accs)
	}
	out := make([]string, 0, n)
	for _, acc := range accs[:n] {
		out = append(out, acc.id)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) setCurrent(n int) {
	e.mu.Lock()
	e.current = n
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.CurrentGPUs.Set(float64(n))
	}
}

func (e *Executor) succeed(d model.ScalingDecision) {
	slog.Info("scaling decision executed",
		"decision_id", d.ID,
		"action", d.Action,
		"current_gpus", d.CurrentGPUs,
		"target_gpus", d.TargetGPUs,
	)
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(d.Action), "success").Inc()
	}
	if e.errs != nil {
		e.errs.Resolve(errors.ErrFabricProvider, componentName)
		e.errs.Resolve(errors.ErrMigrationFailed, componentName)
	}
	if e.bus != nil {
		e.bus.Publish(events.Scaled, d)
	}
}

func (e *Executor) fail(d model.ScalingDecision, err error) {
	slog.Error("scaling decision failed",
		"decision_id", d.ID,
		"action", d.Action,
		"error", err,
	)
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(d.Action), "failure").Inc()
	}
	if e.errs != nil {
		code := errors.ErrFabricProvider
		if stderrors.Is(err, errors.MigrationFailed) {
			code = errors.ErrMigrationFailed
		}
		e.errs.Report(errors.AgentError{
			Code:      code,
			Message:   err.Error(),
			Component: componentName,
			Timestamp: e.clock.Now().UnixMilli(),
			Err:       err,
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.ScalingError, FailureEvent{
			DecisionID: d.ID,
			Action:     d.Action,
			Error:      err.Error(),
		})
	}
}
