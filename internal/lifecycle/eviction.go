package lifecycle

import (
	"fmt"
	"sort"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// EvictionOrder is the tie-break among eviction candidates of the same
// priority class.
type EvictionOrder string

// Supported eviction orders.
const (
	// OrderLRU evicts the least recently used instance first; ties go to the
	// smaller footprint.
	OrderLRU EvictionOrder = "lru"
	// OrderSmallest evicts the smallest footprint first; ties go to LRU.
	OrderSmallest EvictionOrder = "smallest"
)

// ParseEvictionOrder validates an order name.
func ParseEvictionOrder(s string) (EvictionOrder, error) {
	switch o := EvictionOrder(s); o {
	case OrderLRU, OrderSmallest:
		return o, nil
	default:
		return "", fmt.Errorf("unknown eviction order %q", s)
	}
}

// planEviction picks the victims that free at least need bytes for req, or
// nil when the eligible set cannot. An instance is eligible when it is
// loaded, not pinned, not critical, idle for at least IdleGrace, and of
// priority lower than or equal to req. Lower classes are drained before
// equal ones.
func (m *Manager) planEviction(req model.ModelDescriptor, need int64) []string {
	now := m.clock.Now()
	rank := req.Priority.Rank()

	var candidates []*model.ModelInstance
	var available int64
	for _, inst := range m.instances {
		d := inst.Descriptor
		if inst.State != model.StateLoaded || d.Pinned || d.Priority == model.PriorityCritical || d.Priority.Rank() > rank {
			continue
		}
		if now.Sub(inst.LastUsed) < m.opts.IdleGrace {
			continue
		}
		candidates = append(candidates, inst)
		available += d.MemoryBytes
	}
	if available < need {
		return nil
	}

	sortVictims(candidates, m.opts.Order)

	var plan []string
	var freed int64
	for _, c := range candidates {
		if freed >= need {
			break
		}
		plan = append(plan, c.Descriptor.ID)
		freed += c.Descriptor.MemoryBytes
	}
	return plan
}

// sortVictims orders instances by ascending priority rank, then by order,
// then by id.
func sortVictims(insts []*model.ModelInstance, order EvictionOrder) {
	sort.Slice(insts, func(i, j int) bool {
		a, b := insts[i], insts[j]
		if ra, rb := a.Descriptor.Priority.Rank(), b.Descriptor.Priority.Rank(); ra != rb {
			return ra < rb
		}
		lru := func() (bool, bool) {
			if !a.LastUsed.Equal(b.LastUsed) {
				return a.LastUsed.Before(b.LastUsed), true
			}
			return false, false
		}
		smallest := func() (bool, bool) {
			if a.Descriptor.MemoryBytes != b.Descriptor.MemoryBytes {
				return a.Descriptor.MemoryBytes < b.Descriptor.MemoryBytes, true
			}
			return false, false
		}
		keys := []func() (bool, bool){lru, smallest}
		if order == OrderSmallest {
			keys = []func() (bool, bool){smallest, lru}
		}
		for _, k := range keys {
			if less, decided := k(); decided {
				return less
			}
		}
		return a.Descriptor.ID < b.Descriptor.ID
	})
}
