package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry starts, syncs and stops a set of collectors together.
// All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	collectors []Collector
	started    bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a collector. Collectors are stopped in reverse
// registration order.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, c)
}

// PartialStartError is returned when some, but not all, collectors fail to
// start. Callers can use errors.As to tell partial from total failure.
type PartialStartError struct {
	Failed []string
	Total  int
}

func (e *PartialStartError) Error() string {
	return fmt.Sprintf("%d of %d collectors failed to start: %v", len(e.Failed), e.Total, e.Failed)
}

func (r *Registry) snapshot() []Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Collector, len(r.collectors))
	copy(out, r.collectors)
	return out
}

// StartAll starts every collector concurrently. It returns a
// PartialStartError when some fail and a plain error when all fail.
func (r *Registry) StartAll(ctx context.Context) error {
	collectors := r.snapshot()
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	if len(collectors) == 0 {
		return nil
	}

	errs := make([]error, len(collectors))
	var wg sync.WaitGroup
	for i, c := range collectors {
		wg.Add(1)
		go func(i int, c Collector) {
			defer wg.Done()
			errs[i] = c.Start(ctx)
		}(i, c)
	}
	wg.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, collectors[i].Name())
			slog.Error("collector failed to start", "collector", collectors[i].Name(), "error", err)
		}
	}

	switch {
	case len(failed) == len(collectors):
		return fmt.Errorf("all %d collectors failed to start", len(failed))
	case len(failed) > 0:
		return &PartialStartError{Failed: failed, Total: len(collectors)}
	}
	return nil
}

// WaitForSync waits for every collector to sync, bounded by ctx. The first
// failure is returned with the collector's name.
func (r *Registry) WaitForSync(ctx context.Context) error {
	collectors := r.snapshot()
	if len(collectors) == 0 {
		return nil
	}

	errs := make([]error, len(collectors))
	var wg sync.WaitGroup
	for i, c := range collectors {
		wg.Add(1)
		go func(i int, c Collector) {
			defer wg.Done()
			errs[i] = c.WaitForSync(ctx)
		}(i, c)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("collector %s sync failed: %w", collectors[i].Name(), err)
		}
	}
	return nil
}

// StopAll stops every collector, last registered first. Safe to call
// multiple times and before StartAll.
func (r *Registry) StopAll() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	collectors := make([]Collector, len(r.collectors))
	copy(collectors, r.collectors)
	r.mu.Unlock()

	for i := len(collectors) - 1; i >= 0; i-- {
		collectors[i].Stop()
	}
}

// Collectors returns the registered collectors.
func (r *Registry) Collectors() []Collector {
	return r.snapshot()
}
