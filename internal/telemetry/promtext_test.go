package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSampleLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantOK    bool
		wantName  string
		wantValue float64
		wantLabel map[string]string
	}{
		{
			name:      "with labels",
			line:      `DCGM_FI_DEV_GPU_UTIL{gpu="0",UUID="GPU-abc"} 42`,
			wantOK:    true,
			wantName:  "DCGM_FI_DEV_GPU_UTIL",
			wantValue: 42,
			wantLabel: map[string]string{"gpu": "0", "UUID": "GPU-abc"},
		},
		{
			name:      "without labels",
			line:      `vllm:num_requests_waiting 7`,
			wantOK:    true,
			wantName:  "vllm:num_requests_waiting",
			wantValue: 7,
		},
		{
			name:      "with timestamp",
			line:      `DCGM_FI_DEV_GPU_TEMP{gpu="1"} 65 1700000000000`,
			wantOK:    true,
			wantName:  "DCGM_FI_DEV_GPU_TEMP",
			wantValue: 65,
			wantLabel: map[string]string{"gpu": "1"},
		},
		{
			name:      "escaped label value",
			line:      `m{path="a\"b\\c"} 1`,
			wantOK:    true,
			wantName:  "m",
			wantValue: 1,
			wantLabel: map[string]string{"path": `a"b\c`},
		},
		{
			name:      "scientific notation",
			line:      `vllm:e2e_request_latency_seconds_sum{model_name="m"} 1.5e+02`,
			wantOK:    true,
			wantName:  "vllm:e2e_request_latency_seconds_sum",
			wantValue: 150,
			wantLabel: map[string]string{"model_name": "m"},
		},
		{name: "missing value", line: `DCGM_FI_DEV_GPU_UTIL{gpu="0"}`},
		{name: "invalid value", line: `DCGM_FI_DEV_GPU_UTIL{gpu="0"} abc`},
		{name: "bare name", line: `lonely_metric`},
		{name: "unclosed brace", line: `DCGM_FI_DEV_GPU_UTIL{gpu="0" 42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := parseSampleLine(tt.line)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantName, s.name)
			assert.InDelta(t, tt.wantValue, s.value, 1e-9)
			for k, v := range tt.wantLabel {
				assert.Equal(t, v, s.labels[k], "label %s", k)
			}
		})
	}
}

func TestParsePrometheusText_SkipsCommentsAndBlankLines(t *testing.T) {
	text := `# HELP vllm:num_requests_running Number of requests running.
# TYPE vllm:num_requests_running gauge

vllm:num_requests_running{model_name="llama"} 3
garbage line here
vllm:num_requests_waiting{model_name="llama"} 5
`
	samples := parsePrometheusText([]byte(text))
	require.Len(t, samples, 2)
	assert.Equal(t, "vllm:num_requests_running", samples[0].name)
	assert.Equal(t, "llama", samples[0].labels["model_name"])
	assert.InDelta(t, 5.0, samples[1].value, 1e-9)
}
