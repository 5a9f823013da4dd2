// Package collector runs the scaler's background watchers: the telemetry
// sampler and the informers that track scrape targets and GPU nodes.
package collector

import "context"

// Collector is a background component with a start/sync/stop lifecycle.
type Collector interface {
	// Name returns the collector's name (e.g., "metrics", "gpu-nodes").
	Name() string
	// Start launches the collector's goroutine or informer.
	Start(ctx context.Context) error
	// WaitForSync blocks until the first sample or cache sync is done.
	WaitForSync(ctx context.Context) error
	// Stop stops the collector and waits for its goroutine to exit.
	Stop()
}
