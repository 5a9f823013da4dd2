// Package lifecycle admits and evicts model instances under a memory budget.
//
// The Manager owns the loaded-model map. Every operation holds its lock for
// the whole call, including loader I/O, so the resident total never exceeds
// the budget, even transiently.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/alerts"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/events"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const componentName = "lifecycle"

// Unload reasons carried on modelUnloaded events and the unloads metric.
const (
	ReasonEvicted   = "evicted"
	ReasonRequested = "requested"
	ReasonEmergency = "emergency"
	ReasonResize    = "resize"
)

// Options configures a Manager.
type Options struct {
	BudgetBytes        int64
	WarningThreshold   float64
	EmergencyThreshold float64
	Order              EvictionOrder
	// IdleGrace is how long an instance must go unused before it can be evicted.
	IdleGrace time.Duration
}

// DefaultOptions returns an 80Gi budget with 0.85/0.95 thresholds and LRU eviction.
func DefaultOptions() Options {
	return Options{
		BudgetBytes:        80 << 30,
		WarningThreshold:   0.85,
		EmergencyThreshold: 0.95,
		Order:              OrderLRU,
	}
}

// LoadResult is the outcome of a successful Load.
type LoadResult struct {
	Instance model.ModelInstance `json:"instance"`
	// Evicted lists the ids unloaded to make room, in eviction order.
	Evicted []string `json:"evicted,omitempty"`
	// AlreadyLoaded is set when the model was resident before the call.
	AlreadyLoaded bool `json:"already_loaded,omitempty"`
}

// ModelEvent is the payload of modelLoaded and modelUnloaded events.
type ModelEvent struct {
	ModelID     string         `json:"model_id"`
	Priority    model.Priority `json:"priority"`
	MemoryBytes int64          `json:"memory_bytes"`
	Reason      string         `json:"reason,omitempty"`
}

// EmergencyEvent is the payload of emergencyMode events.
type EmergencyEvent struct {
	Active   bool     `json:"active"`
	Ratio    float64  `json:"ratio"`
	Unloaded []string `json:"unloaded,omitempty"`
}

// PressureFunc returns the latest observed GPU memory utilization and whether
// it is fresh enough to act on.
type PressureFunc func() (float64, bool)

// Manager loads and unloads model instances.
type Manager struct {
	clock   errors.Clock
	loader  Loader
	bus     events.Publisher
	alerts  alerts.Raiser
	metrics *observability.Metrics
	errs    *errors.ErrorCollector
	opts    Options

	pressure PressureFunc

	mu        sync.Mutex
	budget    int64
	used      int64
	catalog   map[string]model.ModelDescriptor
	instances map[string]*model.ModelInstance

	emergency    bool
	clearStreak  int
	aboveWarning bool
}

// NewManager creates a Manager. loader nil means accounting only; bus,
// raiser, metrics and errs may be nil.
func NewManager(
	opts Options,
	clock errors.Clock,
	loader Loader,
	bus events.Publisher,
	raiser alerts.Raiser,
	metrics *observability.Metrics,
	errs *errors.ErrorCollector,
) *Manager {
	if loader == nil {
		loader = NopLoader{}
	}
	if opts.Order == "" {
		opts.Order = OrderLRU
	}
	m := &Manager{
		clock:     clock,
		loader:    loader,
		bus:       bus,
		alerts:    raiser,
		metrics:   metrics,
		errs:      errs,
		opts:      opts,
		budget:    opts.BudgetBytes,
		catalog:   make(map[string]model.ModelDescriptor),
		instances: make(map[string]*model.ModelInstance),
	}
	m.updateGauges()
	return m
}

// SetCatalog replaces the model catalog. Resident instances keep the
// descriptor they were admitted with until unloaded.
func (m *Manager) SetCatalog(descs []model.ModelDescriptor) {
	catalog := make(map[string]model.ModelDescriptor, len(descs))
	for _, d := range descs {
		catalog[d.ID] = d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = catalog
	for id := range m.instances {
		if _, ok := catalog[id]; !ok {
			slog.Warn("loaded model removed from catalog, keeping instance until unloaded", "model_id", id)
		}
	}
}

// SetPressureSource makes every Load consult live GPU memory utilization
// before admission, so emergency mode can be entered between evaluation
// cycles. Call before the first Load; f must not call back into the Manager.
func (m *Manager) SetPressureSource(f PressureFunc) {
	m.pressure = f
}

// Descriptor returns the catalog entry for id.
func (m *Manager) Descriptor(id string) (model.ModelDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.catalog[id]
	return d, ok
}

// Load admits a model, evicting idle instances of lower or equal priority
// when the budget is short. Nothing is evicted unless the whole plan frees
// enough memory.
func (m *Manager) Load(ctx context.Context, id string) (LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desc, ok := m.catalog[id]
	if !ok {
		m.countLoad("unknown")
		return LoadResult{}, fmt.Errorf("load %s: %w", id, errors.UnknownModel)
	}
	if inst, ok := m.instances[id]; ok {
		m.countLoad("already_loaded")
		return LoadResult{Instance: *inst, AlreadyLoaded: true}, nil
	}
	if m.pressure != nil && !m.emergency {
		if ratio, ok := m.pressure(); ok && ratio > m.opts.EmergencyThreshold {
			slog.Warn("memory pressure on load request", "model_id", id, "gpu_memory_utilization", ratio)
			m.enterEmergency(ctx, ratio)
		}
	}
	if m.emergency && desc.Priority != model.PriorityCritical {
		m.countLoad("emergency")
		return LoadResult{}, fmt.Errorf("load %s (%s): %w", id, desc.Priority, errors.EmergencyModeActive)
	}

	need := desc.MemoryBytes
	if need > m.budget {
		return LoadResult{}, m.insufficient(id, fmt.Errorf("load %s: footprint %d exceeds budget %d: %w",
			id, need, m.budget, errors.InsufficientMemory))
	}

	var evicted []string
	if free := m.budget - m.used; need > free {
		plan := m.planEviction(desc, need-free)
		if plan == nil {
			return LoadResult{}, m.insufficient(id, fmt.Errorf("load %s: need %d bytes, %d free and no eligible eviction plan: %w",
				id, need, free, errors.InsufficientMemory))
		}
		for _, victim := range plan {
			if err := m.unloadLocked(ctx, victim, ReasonEvicted, false); err != nil {
				m.countLoad("error")
				return LoadResult{Evicted: evicted}, fmt.Errorf("load %s: evict %s: %w", id, victim, err)
			}
			evicted = append(evicted, victim)
		}
		slog.Info("evicted models for admission", "model_id", id, "evicted", evicted)
	}

	now := m.clock.Now()
	inst := &model.ModelInstance{
		Descriptor:  desc,
		State:       model.StateLoading,
		MemoryBytes: need,
		LoadedAt:    now,
		LastUsed:    now,
	}
	// Reserve before I/O so a concurrent reader sees the footprint.
	m.instances[id] = inst
	m.used += need

	measured, err := m.loader.Load(ctx, desc)
	if err != nil {
		delete(m.instances, id)
		m.used -= need
		m.countLoad("error")
		m.updateGauges()
		return LoadResult{Evicted: evicted}, fmt.Errorf("load %s: %w", id, err)
	}
	switch {
	case measured > need:
		slog.Warn("model exceeds its memory bound, accounting the bound",
			"model_id", id, "measured_bytes", measured, "bound_bytes", need)
	case measured > 0:
		inst.MemoryBytes = measured
	}
	inst.State = model.StateLoaded

	if m.errs != nil {
		m.errs.Resolve(errors.ErrInsufficientMemory, componentName)
	}
	m.countLoad("loaded")
	m.updateGauges()
	m.publish(events.ModelLoaded, ModelEvent{ModelID: id, Priority: desc.Priority, MemoryBytes: need})
	slog.Info("model loaded", "model_id", id, "priority", desc.Priority,
		"memory_bytes", need, "resident_bytes", m.used, "budget_bytes", m.budget)

	m.checkWarning()
	return LoadResult{Instance: *inst, Evicted: evicted}, nil
}

func (m *Manager) insufficient(id string, err error) error {
	m.countLoad("insufficient_memory")
	if m.errs != nil {
		m.errs.Report(errors.AgentError{
			Code:      errors.ErrInsufficientMemory,
			Message:   err.Error(),
			Component: componentName,
			Err:       err,
		})
	}
	slog.Warn("model admission denied", "model_id", id, "error", err)
	return err
}

// checkWarning raises a warning alert when residency crosses the warning
// threshold. It does not block admission. Residency may legitimately reach
// the whole budget through eviction, so it never enters emergency mode.
func (m *Manager) checkWarning() {
	if m.budget <= 0 {
		return
	}
	ratio := float64(m.used) / float64(m.budget)
	if ratio <= m.opts.WarningThreshold {
		return
	}
	m.raise(model.ResourceAlert{
		Severity:  model.SeverityWarning,
		Message:   fmt.Sprintf("resident model memory at %.0f%% of budget", ratio*100),
		Resource:  "model_memory",
		Value:     ratio,
		Threshold: m.opts.WarningThreshold,
	})
}

// Unload removes a model. Unloading a model that is not loaded is a no-op.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return nil
	}
	return m.unloadLocked(ctx, id, ReasonRequested, false)
}

// unloadLocked releases id. With force, a loader failure is logged and the
// accounting is released anyway.
func (m *Manager) unloadLocked(ctx context.Context, id, reason string, force bool) error {
	inst := m.instances[id]
	inst.State = model.StateUnloading

	if err := m.loader.Unload(ctx, id); err != nil {
		if !force {
			inst.State = model.StateLoaded
			return fmt.Errorf("unload %s: %w", id, err)
		}
		slog.Error("model unload failed, releasing accounting", "model_id", id, "reason", reason, "error", err)
	}

	delete(m.instances, id)
	m.used -= inst.Descriptor.MemoryBytes
	if m.metrics != nil {
		m.metrics.EvictionsTotal.WithLabelValues(reason).Inc()
	}
	m.updateGauges()
	m.publish(events.ModelUnloaded, ModelEvent{
		ModelID:     id,
		Priority:    inst.Descriptor.Priority,
		MemoryBytes: inst.Descriptor.MemoryBytes,
		Reason:      reason,
	})
	slog.Info("model unloaded", "model_id", id, "reason", reason, "resident_bytes", m.used)
	return nil
}

// Touch records one request served by id with the given latency.
func (m *Manager) Touch(id string, latencyMs float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false
	}
	m.touchLocked(inst, 1, latencyMs)
	return true
}

// RecordActivity applies one sample's per-model activity to the resident
// instances. Models with running or completed requests count as used now,
// which drives least-recently-used eviction. It returns how many resident
// instances were touched.
func (m *Manager) RecordActivity(activity []model.ModelActivity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for _, a := range activity {
		inst, ok := m.instances[a.ModelID]
		if !ok || !a.Active() {
			continue
		}
		m.touchLocked(inst, a.Completed, a.LatencyMs)
		touched++
	}
	return touched
}

// touchLocked marks inst used and folds n completed requests at latencyMs
// into its running average.
func (m *Manager) touchLocked(inst *model.ModelInstance, n int, latencyMs float64) {
	inst.LastUsed = m.clock.Now()
	if n <= 0 {
		return
	}
	inst.RequestCount += int64(n)
	inst.AvgLatencyMs += (latencyMs - inst.AvgLatencyMs) * float64(n) / float64(inst.RequestCount)
}

// Instances returns copies of the resident instances ordered by id.
func (m *Manager) Instances() []model.ModelInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ModelInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Used returns the resident memory in bytes.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Budget returns the memory budget in bytes.
func (m *Manager) Budget() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// InEmergency reports whether emergency mode is active.
func (m *Manager) InEmergency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// Resize changes the budget, evicting non-critical instances (lowest
// priority, then least recently used) until the residents fit. If critical
// and pinned instances alone exceed the new budget nothing changes.
func (m *Manager) Resize(ctx context.Context, budget int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if budget <= 0 {
		return fmt.Errorf("resize: budget must be > 0, got %d", budget)
	}
	if m.used <= budget {
		m.setBudget(budget)
		return nil
	}

	var keep int64
	var victims []*model.ModelInstance
	for _, inst := range m.instances {
		if inst.Descriptor.Priority == model.PriorityCritical || inst.Descriptor.Pinned {
			keep += inst.Descriptor.MemoryBytes
			continue
		}
		victims = append(victims, inst)
	}
	if keep > budget {
		return fmt.Errorf("resize to %d: critical and pinned models hold %d bytes: %w",
			budget, keep, errors.InsufficientMemory)
	}

	sortVictims(victims, OrderLRU)
	for _, v := range victims {
		if m.used <= budget {
			break
		}
		if err := m.unloadLocked(ctx, v.Descriptor.ID, ReasonResize, false); err != nil {
			return fmt.Errorf("resize to %d: %w", budget, err)
		}
	}
	m.setBudget(budget)
	return nil
}

func (m *Manager) setBudget(budget int64) {
	if budget != m.budget {
		slog.Info("model memory budget resized", "from_bytes", m.budget, "to_bytes", budget, "resident_bytes", m.used)
	}
	m.budget = budget
	m.updateGauges()
}

// ObserveMemory feeds the observed GPU memory utilization of one evaluation
// cycle. Above the emergency threshold every non-critical instance is
// unloaded before it returns. Emergency clears after two consecutive
// observations below the warning threshold, i.e. one full cycle.
func (m *Manager) ObserveMemory(ctx context.Context, ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.emergency {
		if ratio > m.opts.EmergencyThreshold {
			m.enterEmergency(ctx, ratio)
			return
		}
		above := ratio > m.opts.WarningThreshold
		if above && !m.aboveWarning {
			m.raise(model.ResourceAlert{
				Severity:  model.SeverityWarning,
				Message:   fmt.Sprintf("GPU memory utilization at %.0f%%", ratio*100),
				Resource:  "gpu_memory",
				Value:     ratio,
				Threshold: m.opts.WarningThreshold,
			})
		}
		m.aboveWarning = above
		return
	}

	if ratio >= m.opts.WarningThreshold {
		m.clearStreak = 0
		return
	}
	m.clearStreak++
	if m.clearStreak < 2 {
		return
	}

	m.emergency = false
	m.clearStreak = 0
	m.aboveWarning = false
	if m.metrics != nil {
		m.metrics.EmergencyMode.Set(0)
	}
	if m.errs != nil {
		m.errs.Resolve(errors.ErrEmergencyModeActive, componentName)
	}
	m.publish(events.EmergencyMode, EmergencyEvent{Active: false, Ratio: ratio})
	slog.Info("emergency mode cleared", "gpu_memory_utilization", ratio)
}

func (m *Manager) enterEmergency(ctx context.Context, ratio float64) {
	m.emergency = true
	m.clearStreak = 0

	ids := make([]string, 0, len(m.instances))
	for id, inst := range m.instances {
		if inst.Descriptor.Priority != model.PriorityCritical {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		_ = m.unloadLocked(ctx, id, ReasonEmergency, true)
	}

	if m.metrics != nil {
		m.metrics.EmergencyMode.Set(1)
	}
	msg := fmt.Sprintf("GPU memory utilization %.0f%% above emergency threshold", ratio*100)
	if m.errs != nil {
		m.errs.Report(errors.AgentError{Code: errors.ErrEmergencyModeActive, Message: msg, Component: componentName})
	}
	m.raise(model.ResourceAlert{
		Severity:    model.SeverityEmergency,
		Message:     msg,
		Resource:    "gpu_memory",
		Value:       ratio,
		Threshold:   m.opts.EmergencyThreshold,
		ActionTaken: fmt.Sprintf("unloaded %d non-critical models", len(ids)),
	})
	m.publish(events.EmergencyMode, EmergencyEvent{Active: true, Ratio: ratio, Unloaded: ids})
	slog.Warn("emergency mode entered", "gpu_memory_utilization", ratio, "unloaded", ids)
}

func (m *Manager) countLoad(result string) {
	if m.metrics != nil {
		m.metrics.ModelLoadsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.LoadedModels.Set(float64(len(m.instances)))
	m.metrics.ResidentModelBytes.Set(float64(m.used))
	m.metrics.MemoryBudgetBytes.Set(float64(m.budget))
}

func (m *Manager) publish(typ events.Type, payload any) {
	if m.bus != nil {
		m.bus.Publish(typ, payload)
	}
}

func (m *Manager) raise(a model.ResourceAlert) {
	if m.alerts != nil {
		m.alerts.Raise(a)
	}
}
