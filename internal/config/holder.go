package config

import (
	"sync/atomic"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// LimitsHolder publishes ResourceLimits snapshots. Readers take one snapshot
// per cycle; writers replace the whole value.
type LimitsHolder struct {
	p atomic.Pointer[model.ResourceLimits]
}

// NewLimitsHolder creates a holder seeded with initial.
func NewLimitsHolder(initial model.ResourceLimits) *LimitsHolder {
	h := &LimitsHolder{}
	h.p.Store(&initial)
	return h
}

// Load returns the current snapshot.
func (h *LimitsHolder) Load() model.ResourceLimits {
	return *h.p.Load()
}

// Store validates and publishes limits. Invalid limits are rejected.
func (h *LimitsHolder) Store(limits model.ResourceLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	h.p.Store(&limits)
	return nil
}
