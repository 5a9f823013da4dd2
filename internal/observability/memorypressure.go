package observability

import (
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemStatsReader abstracts runtime.ReadMemStats for tests.
type MemStatsReader interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStats struct{}

func (runtimeMemStats) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// MemoryPressureMonitor watches the scaler's own memory against GOMEMLIMIT.
// Every poll updates the process memory gauge; onPressure runs on each poll
// where the ratio exceeds threshold.
type MemoryPressureMonitor struct {
	threshold  float64
	onPressure func(ratio float64)
	interval   time.Duration
	stats      MemStatsReader
	metrics    *Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMemoryPressureMonitor creates a monitor. stats nil reads the runtime;
// metrics may be nil.
func NewMemoryPressureMonitor(threshold float64, onPressure func(ratio float64), interval time.Duration, stats MemStatsReader, metrics *Metrics) *MemoryPressureMonitor {
	if stats == nil {
		stats = runtimeMemStats{}
	}
	return &MemoryPressureMonitor{
		threshold:  threshold,
		onPressure: onPressure,
		interval:   interval,
		stats:      stats,
		metrics:    metrics,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
func (m *MemoryPressureMonitor) Start() {
	go m.run()
}

func (m *MemoryPressureMonitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if ratio, over := m.check(); over {
				slog.Warn("scaler memory pressure detected", "ratio", ratio, "threshold", m.threshold)
				m.onPressure(ratio)
			}
		}
	}
}

// check returns the in-use/limit ratio and whether it exceeds the threshold.
// Without a memory limit the ratio is 0.
func (m *MemoryPressureMonitor) check() (float64, bool) {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		m.observe(0)
		return 0, false
	}

	var stats runtime.MemStats
	m.stats.ReadMemStats(&stats)

	ratio := float64(stats.Sys-stats.HeapReleased) / float64(limit)
	m.observe(ratio)
	return ratio, ratio > m.threshold
}

func (m *MemoryPressureMonitor) observe(ratio float64) {
	if m.metrics != nil {
		m.metrics.ProcessMemoryRatio.Set(ratio)
	}
}

// Stop halts polling and waits for an in-flight callback. Safe to call
// more than once, but only after Start.
func (m *MemoryPressureMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
}
