package observability

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemStats struct {
	sys          uint64
	heapReleased uint64
}

func (f *fakeMemStats) ReadMemStats(m *runtime.MemStats) {
	m.Sys = f.sys
	m.HeapReleased = f.heapReleased
}

// withMemoryLimit sets GOMEMLIMIT for the duration of the test.
func withMemoryLimit(t *testing.T, limit int64) {
	t.Helper()
	orig := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(limit)
	t.Cleanup(func() { debug.SetMemoryLimit(orig) })
}

func TestMemoryPressureMonitor_Check(t *testing.T) {
	withMemoryLimit(t, 1000)

	tests := []struct {
		name      string
		stats     fakeMemStats
		wantRatio float64
		wantOver  bool
	}{
		{"above threshold", fakeMemStats{sys: 900}, 0.9, true},
		{"released heap is excluded", fakeMemStats{sys: 900, heapReleased: 400}, 0.5, false},
		{"at threshold", fakeMemStats{sys: 800}, 0.8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			stats := tt.stats
			mon := NewMemoryPressureMonitor(0.8, func(float64) {}, time.Hour, &stats, m)

			ratio, over := mon.check()
			assert.InDelta(t, tt.wantRatio, ratio, 1e-9)
			assert.Equal(t, tt.wantOver, over)
			assert.InDelta(t, tt.wantRatio, testutil.ToFloat64(m.ProcessMemoryRatio), 1e-9)
		})
	}
}

func TestMemoryPressureMonitor_CallbackFires(t *testing.T) {
	withMemoryLimit(t, 100)

	var called atomic.Int32
	var lastRatio atomic.Value
	mon := NewMemoryPressureMonitor(0.8, func(ratio float64) {
		called.Add(1)
		lastRatio.Store(ratio)
	}, 10*time.Millisecond, &fakeMemStats{sys: 90}, nil)

	mon.Start()
	require.Eventually(t, func() bool { return called.Load() > 0 }, time.Second, 5*time.Millisecond)
	mon.Stop()

	assert.InDelta(t, 0.9, lastRatio.Load().(float64), 1e-9)
}

func TestMemoryPressureMonitor_HugeLimitNeverFires(t *testing.T) {
	withMemoryLimit(t, 1<<62)

	var called atomic.Int32
	mon := NewMemoryPressureMonitor(0.8, func(float64) { called.Add(1) }, 10*time.Millisecond, &fakeMemStats{sys: 1000}, nil)

	mon.Start()
	time.Sleep(50 * time.Millisecond)
	mon.Stop()

	assert.Equal(t, int32(0), called.Load())
}

func TestMemoryPressureMonitor_StopWaitsAndIsIdempotent(t *testing.T) {
	withMemoryLimit(t, 100)

	var called atomic.Int32
	mon := NewMemoryPressureMonitor(0.8, func(float64) { called.Add(1) }, 5*time.Millisecond, &fakeMemStats{sys: 90}, nil)

	mon.Start()
	time.Sleep(20 * time.Millisecond)
	require.NotPanics(t, func() {
		mon.Stop()
		mon.Stop()
	})

	after := called.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, called.Load(), "callback must not run after Stop returns")
}
