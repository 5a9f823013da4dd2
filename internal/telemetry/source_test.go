package telemetry

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

type stubSource struct {
	name string
	r    Reading
	err  error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Read(context.Context) (Reading, error) { return s.r, s.err }

func TestReading_Merge(t *testing.T) {
	a := Reading{
		GPUMemoryUsedBytes:  40,
		GPUMemoryTotalBytes: 80,
		GPUUtilization:      0.9,
		GPUCount:            1,
		TemperatureCelsius:  70,
		PowerWatts:          300,
	}
	b := Reading{
		GPUMemoryUsedBytes:  20,
		GPUMemoryTotalBytes: 240,
		GPUUtilization:      0.5,
		GPUCount:            3,
		TemperatureCelsius:  60,
		PowerWatts:          600,
		QueueDepth:          4,
		CPUUsage:            0.3,
		AvgLatencyMs:        120,
	}

	m := a.Merge(b)
	assert.Equal(t, int64(60), m.GPUMemoryUsedBytes)
	assert.Equal(t, int64(320), m.GPUMemoryTotalBytes)
	assert.Equal(t, 4, m.GPUCount)
	assert.InDelta(t, 0.6, m.GPUUtilization, 1e-9)
	assert.InDelta(t, 70.0, m.TemperatureCelsius, 1e-9)
	assert.InDelta(t, 900.0, m.PowerWatts, 1e-9)
	assert.Equal(t, 4, m.QueueDepth)
	assert.InDelta(t, 0.3, m.CPUUsage, 1e-9)
	assert.InDelta(t, 120.0, m.AvgLatencyMs, 1e-9)

	// The node source reports no GPUs and must not dilute utilization.
	withNode := m.Merge(Reading{CPUUsage: 0.9, CPUMemoryUsedBytes: 10, CPUMemoryTotalBytes: 100})
	assert.InDelta(t, 0.6, withNode.GPUUtilization, 1e-9)
	assert.InDelta(t, 0.3, withNode.CPUUsage, 1e-9, "first non-zero CPU usage wins")
	assert.Equal(t, int64(100), withNode.CPUMemoryTotalBytes)
}

func TestMergeAllocations_AttachesEngineDataToDevices(t *testing.T) {
	devices := []model.Allocation{
		{ID: "inference/chat-1@GPU-b", Component: "chat-1", Accelerator: "GPU-b", GPUUtilization: 0.4},
		{ID: "inference/chat-1@GPU-a", Component: "chat-1", Accelerator: "GPU-a", GPUUtilization: 0.8},
		{ID: "inference/idle-1@GPU-c", Component: "idle-1", Accelerator: "GPU-c"},
	}
	pods := []model.Allocation{
		{ID: "inference/chat-1", Component: "chat-1", Requests: 12, LatencyMs: 250},
		{ID: "inference/cpu-only-1", Component: "cpu-only-1", Requests: 3},
	}

	out := mergeAllocations(devices, pods)
	require.Len(t, out, 4)

	assert.Equal(t, "inference/chat-1@GPU-a", out[0].ID)
	assert.Equal(t, 12, out[0].Requests, "requests land on the first device only")
	assert.InDelta(t, 250.0, out[0].LatencyMs, 1e-9)

	assert.Equal(t, "inference/chat-1@GPU-b", out[1].ID)
	assert.Zero(t, out[1].Requests)
	assert.InDelta(t, 250.0, out[1].LatencyMs, 1e-9)

	assert.Equal(t, "inference/idle-1@GPU-c", out[2].ID)
	assert.Equal(t, "inference/cpu-only-1", out[3].ID)

	assert.Nil(t, mergeAllocations(nil, nil))
}

func TestReading_UsageCopiesAllocations(t *testing.T) {
	r := Reading{GPUCount: 2, Allocations: []model.Allocation{{ID: "a"}}}
	u := r.Usage()
	r.Allocations[0].ID = "mutated"
	assert.Equal(t, "a", u.Allocations[0].ID)
	assert.Equal(t, 2, u.GPUCount)
}

func TestComposite_PartialFailure(t *testing.T) {
	metrics := observability.NewMetrics()
	c := NewComposite(metrics,
		stubSource{name: "dcgm", r: Reading{GPUCount: 2, GPUUtilization: 0.5}},
		stubSource{name: "engine", err: stderrors.New("connection refused")},
	)

	r, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.GPUCount)
	assert.InDelta(t, 0.5, r.GPUUtilization, 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.TelemetryFailures.WithLabelValues("engine")), 1e-9)
	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.TelemetryFailures.WithLabelValues("dcgm")), 1e-9)
}

func TestComposite_AllFail(t *testing.T) {
	c := NewComposite(nil,
		stubSource{name: "dcgm", err: stderrors.New("down")},
		stubSource{name: "node", err: stderrors.New("down")},
	)
	_, err := c.Read(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.TelemetryUnavailable))
	assert.Contains(t, err.Error(), "dcgm, node")

	_, err = NewComposite(nil).Read(context.Background())
	assert.True(t, stderrors.Is(err, errors.TelemetryUnavailable))
}
