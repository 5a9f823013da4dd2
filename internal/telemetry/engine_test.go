package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
)

func vllmText(running, waiting int, latSum float64, latCount int) string {
	return fmt.Sprintf(`# HELP vllm:num_requests_running Number of requests currently running on GPU.
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{model_name="llama-3-8b"} %d
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{model_name="llama-3-8b"} %d
# TYPE vllm:e2e_request_latency_seconds histogram
vllm:e2e_request_latency_seconds_bucket{le="1.0",model_name="llama-3-8b"} %d
vllm:e2e_request_latency_seconds_sum{model_name="llama-3-8b"} %g
vllm:e2e_request_latency_seconds_count{model_name="llama-3-8b"} %d
`, running, waiting, latCount, latSum, latCount)
}

// engineServer serves a sequence of bodies, repeating the last one.
func engineServer(t *testing.T, bodies ...string) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		_, _ = w.Write([]byte(bodies[i]))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEngineSource_QueueAndRequests(t *testing.T) {
	a := engineServer(t, vllmText(4, 6, 10, 20))
	b := engineServer(t, vllmText(1, 2, 0, 0))

	src := NewEngineSource(http.DefaultClient, func(context.Context) []EngineEndpoint {
		return []EngineEndpoint{
			{URL: a.URL, Namespace: "inference", Pod: "chat-agent-abc12"},
			{URL: b.URL, Namespace: "inference", Pod: "search-agent-xyz34"},
		}
	})
	assert.Equal(t, "engine", src.Name())

	r, err := src.Read(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, r.QueueDepth)
	// First read uses cumulative counters: 10s over 20 requests.
	assert.InDelta(t, 500.0, r.AvgLatencyMs, 1e-6)

	require.Len(t, r.Allocations, 2)
	assert.Equal(t, "inference/chat-agent-abc12", r.Allocations[0].ID)
	assert.Equal(t, 10, r.Allocations[0].Requests)
	assert.InDelta(t, 500.0, r.Allocations[0].LatencyMs, 1e-6)
	assert.Empty(t, r.Allocations[0].Accelerator)
	assert.Equal(t, 3, r.Allocations[1].Requests)
	assert.Zero(t, r.Allocations[1].LatencyMs)
}

func TestEngineSource_LatencyUsesDeltaBetweenReads(t *testing.T) {
	srv := engineServer(t,
		vllmText(0, 0, 10, 20), // 500ms average so far
		vllmText(0, 0, 14, 22), // 2 new requests taking 4s in total
	)
	src := NewEngineSource(http.DefaultClient, func(context.Context) []EngineEndpoint {
		return []EngineEndpoint{{URL: srv.URL, Namespace: "ns", Pod: "p"}}
	})

	_, err := src.Read(context.Background())
	require.NoError(t, err)

	r, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, r.AvgLatencyMs, 1e-6)
}

func TestEngineSource_CounterResetFallsBackToCumulative(t *testing.T) {
	srv := engineServer(t,
		vllmText(0, 0, 100, 200),
		vllmText(0, 0, 3, 10), // engine restarted
	)
	src := NewEngineSource(http.DefaultClient, func(context.Context) []EngineEndpoint {
		return []EngineEndpoint{{URL: srv.URL}}
	})

	_, err := src.Read(context.Background())
	require.NoError(t, err)

	r, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 300.0, r.AvgLatencyMs, 1e-6)
	assert.Empty(t, r.Allocations, "endpoints without a pod produce no allocation")
}

func TestEngineSource_Failures(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	for name, eps := range map[string][]EngineEndpoint{
		"no endpoints":  nil,
		"all endpoints": {{URL: down.URL, Pod: "p"}},
	} {
		t.Run(name, func(t *testing.T) {
			src := NewEngineSource(http.DefaultClient, func(context.Context) []EngineEndpoint { return eps })
			_, err := src.Read(context.Background())
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.TelemetryUnavailable))
		})
	}
}

func TestEngineSource_PerModelActivity(t *testing.T) {
	multi := `vllm:num_requests_running{model_name="llama-3-8b"} 2
vllm:num_requests_waiting{model_name="llama-3-8b"} 1
vllm:e2e_request_latency_seconds_sum{model_name="llama-3-8b"} 4
vllm:e2e_request_latency_seconds_count{model_name="llama-3-8b"} 8
vllm:num_requests_running{model_name="sql-adapter"} 0
vllm:num_requests_waiting{model_name="sql-adapter"} 0
vllm:e2e_request_latency_seconds_sum{model_name="sql-adapter"} 0
vllm:e2e_request_latency_seconds_count{model_name="sql-adapter"} 0
`
	a := engineServer(t, multi)
	b := engineServer(t, vllmText(1, 0, 6, 4))

	src := NewEngineSource(http.DefaultClient, func(context.Context) []EngineEndpoint {
		return []EngineEndpoint{
			{URL: a.URL, Namespace: "inference", Pod: "chat-agent-abc12"},
			{URL: b.URL, Namespace: "inference", Pod: "chat-agent-def56"},
		}
	})

	r, err := src.Read(context.Background())
	require.NoError(t, err)

	require.Len(t, r.Models, 2)
	llama := r.Models[0]
	assert.Equal(t, "llama-3-8b", llama.ModelID)
	assert.Equal(t, 4, llama.Requests)
	assert.Equal(t, 12, llama.Completed)
	// 4s over 8 requests and 6s over 4 requests.
	assert.InDelta(t, 10.0/12*1000, llama.LatencyMs, 1e-6)
	assert.True(t, llama.Active())

	assert.Equal(t, "sql-adapter", r.Models[1].ModelID)
	assert.False(t, r.Models[1].Active())

	assert.Equal(t, 3, r.Allocations[0].Requests, "pod totals span every model it serves")
	assert.Equal(t, 1, r.QueueDepth)
}
