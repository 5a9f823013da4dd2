// Package workload derives per-agent workload records from the active
// allocations of each cycle and extrapolates request trends.
package workload

import (
	"log/slog"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/store"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const (
	// DefaultRetainCycles is how many consecutive cycles an agent may go
	// without allocations before its record is dropped.
	DefaultRetainCycles = 10

	// DefaultPriority applies to agents whose allocations carry no priority.
	DefaultPriority = model.PriorityMedium

	historyCycles     = 10
	minPredictSamples = 3
	predictHorizon    = 3
)

type agentState struct {
	rec     model.WorkloadRecord
	history *store.Ring[float64]
}

// Tracker owns the per-agent workload map. Update is called once per
// evaluation cycle; readers get copies.
type Tracker struct {
	mu           sync.RWMutex
	resolver     Resolver
	retain       int
	metrics      *observability.Metrics
	agents       map[string]*agentState
	unattributed int
}

// NewTracker creates a Tracker. retainCycles <= 0 uses DefaultRetainCycles.
// metrics may be nil.
func NewTracker(resolver Resolver, retainCycles int, metrics *observability.Metrics) *Tracker {
	if retainCycles <= 0 {
		retainCycles = DefaultRetainCycles
	}
	return &Tracker{
		resolver: resolver,
		retain:   retainCycles,
		metrics:  metrics,
		agents:   make(map[string]*agentState),
	}
}

// Update resets every agent's current counters and re-derives them from
// allocations. Agents with no allocation this cycle keep a zeroed record
// until they have been idle for the retention window.
func (t *Tracker) Update(allocations []model.Allocation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type scratch struct {
		utilSum   float64
		latSum    float64
		latWeight float64
		priority  model.Priority
	}
	cycle := make(map[string]*scratch, len(t.agents))

	for _, a := range t.agents {
		a.rec.Requests = 0
		a.rec.AvgLatencyMs = 0
		a.rec.GPUUtilization = 0
		a.rec.MemoryBytes = 0
		a.rec.Allocations = 0
	}

	t.unattributed = 0
	for _, al := range allocations {
		id, ok := t.resolver.Resolve(al.Component)
		if !ok || id == "" {
			t.unattributed++
			continue
		}
		a, exists := t.agents[id]
		if !exists {
			a = &agentState{
				rec:     model.WorkloadRecord{AgentID: id, Priority: DefaultPriority},
				history: store.NewRing[float64](historyCycles),
			}
			t.agents[id] = a
		}
		s := cycle[id]
		if s == nil {
			s = &scratch{}
			cycle[id] = s
		}

		a.rec.Requests += al.Requests
		a.rec.MemoryBytes += al.MemoryBytes
		a.rec.Allocations++
		s.utilSum += al.GPUUtilization
		if al.LatencyMs > 0 {
			w := float64(max(al.Requests, 1))
			s.latSum += al.LatencyMs * w
			s.latWeight += w
		}
		if al.Priority != "" && (s.priority == "" || al.Priority.Rank() > s.priority.Rank()) {
			s.priority = al.Priority
		}
	}

	for id, a := range t.agents {
		if s := cycle[id]; s != nil {
			a.rec.IdleCycles = 0
			a.rec.GPUUtilization = s.utilSum / float64(a.rec.Allocations)
			if s.latWeight > 0 {
				a.rec.AvgLatencyMs = s.latSum / s.latWeight
			}
			if s.priority != "" {
				a.rec.Priority = s.priority
			}
		} else {
			a.rec.IdleCycles++
			if a.rec.IdleCycles >= t.retain {
				delete(t.agents, id)
				continue
			}
		}
		a.history.Push(float64(a.rec.Requests))
		a.rec.PredictedLoad = predictLoad(a.history.Last(0))
	}

	if t.unattributed > 0 {
		slog.Debug("allocations without an agent", "count", t.unattributed)
	}
	if t.metrics != nil {
		t.metrics.TrackedAgents.Set(float64(len(t.agents)))
	}
}

// Predict extrapolates the agent's request count over the last cycles as
// average + slope × 3. It returns 0 with fewer than 3 samples or for an
// unknown agent.
func (t *Tracker) Predict(agentID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.agents[agentID]
	if !ok {
		return 0
	}
	return predictLoad(a.history.Last(0))
}

func predictLoad(history []float64) float64 {
	if len(history) < minPredictSamples {
		return 0
	}
	xs := make([]float64, len(history))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, history, nil, false)
	return stat.Mean(history, nil) + slope*predictHorizon
}

// Record returns a copy of one agent's record.
func (t *Tracker) Record(agentID string) (model.WorkloadRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.agents[agentID]
	if !ok {
		return model.WorkloadRecord{}, false
	}
	return a.rec, true
}

// Records returns copies of every record ordered by agent id.
func (t *Tracker) Records() []model.WorkloadRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.WorkloadRecord, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Unattributed returns how many allocations of the last Update could not
// be resolved to an agent.
func (t *Tracker) Unattributed() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unattributed
}

// Len returns the number of tracked agents.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}
