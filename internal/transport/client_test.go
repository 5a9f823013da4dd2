package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/config"
	scalererrors "github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
)

type expandRequest struct {
	Target int    `json:"target"`
	Reason string `json:"reason"`
}

type expandResponse struct {
	Accepted bool `json:"accepted"`
	Target   int  `json:"target"`
}

func testConfig(serverURL string) *config.Config {
	return &config.Config{
		InstanceID:       "scaler-test",
		APIKey:           "test-api-key-abc",
		FabricURL:        serverURL,
		CompressionLevel: 3,
		MaxRetries:       0,
		RequestTimeout:   10 * time.Second,
	}
}

func fastBackoff(t *testing.T) {
	t.Helper()
	prev := backoffBase
	backoffBase = time.Millisecond
	t.Cleanup(func() { backoffBase = prev })
}

func decodeZstdJSON(body []byte, v any) error {
	decoder, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer decoder.Close()

	decompressed, err := io.ReadAll(decoder)
	if err != nil {
		return err
	}
	return json.Unmarshal(decompressed, v)
}

// TestClient_Post_StreamingCompression verifies the body is valid zstd-compressed JSON.
func TestClient_Post_StreamingCompression(t *testing.T) {
	var receivedBody []byte
	var receivedEncoding, receivedPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedEncoding = r.Header.Get("Content-Encoding")
		receivedPath = r.URL.Path
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		receivedBody = body

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(expandResponse{Accepted: true, Target: 5})
	}))
	defer srv.Close()

	metrics := observability.NewMetrics()
	errCollector := scalererrors.NewErrorCollector(scalererrors.RealClock{})
	client := NewClient(testConfig(srv.URL+"/"), metrics, errCollector)

	var out expandResponse
	err := client.Post(context.Background(), "expand", "/v1/cluster/expand", expandRequest{Target: 5, Reason: "queue"}, &out)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if !out.Accepted || out.Target != 5 {
		t.Fatalf("unexpected response %+v", out)
	}

	if receivedEncoding != "zstd" {
		t.Fatalf("expected Content-Encoding 'zstd', got %q", receivedEncoding)
	}
	if receivedPath != "/v1/cluster/expand" {
		t.Fatalf("expected path /v1/cluster/expand, got %q", receivedPath)
	}

	var got expandRequest
	if err := decodeZstdJSON(receivedBody, &got); err != nil {
		t.Fatalf("invalid zstd JSON body: %v", err)
	}
	if got.Target != 5 || got.Reason != "queue" {
		t.Fatalf("round-tripped body mismatch: %+v", got)
	}

	if n := testutil.CollectAndCount(metrics.FabricRequestDuration); n != 1 {
		t.Fatalf("expected 1 duration series, got %d", n)
	}
	if sent := testutil.ToFloat64(metrics.FabricRequestBytes.WithLabelValues("expand")); sent != float64(len(receivedBody)) {
		t.Fatalf("expected %d request bytes recorded, got %v", len(receivedBody), sent)
	}
}

// TestClient_Post_Headers verifies all required headers are set.
func TestClient_Post_Headers(t *testing.T) {
	var headers http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), nil, nil)
	if err := client.Post(context.Background(), "apply", "/v1/placement/apply", map[string]int{"a": 0}, nil); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	checks := map[string]string{
		"Authorization":     "Bearer test-api-key-abc",
		"Content-Type":      "application/json",
		"Content-Encoding":  "zstd",
		"X-Scaler-Instance": "scaler-test",
	}
	for hdr, want := range checks {
		if got := headers.Get(hdr); got != want {
			t.Errorf("header %s: expected %q, got %q", hdr, want, got)
		}
	}
	if headers.Get("X-Request-Id") == "" {
		t.Error("expected X-Request-ID to be set")
	}
}

// TestClient_Post_401_AuthError verifies auth failure is not retried.
func TestClient_Post_401_AuthError(t *testing.T) {
	fastBackoff(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 3
	errCollector := scalererrors.NewErrorCollector(scalererrors.RealClock{})
	client := NewClient(cfg, nil, errCollector)

	err := client.Post(context.Background(), "shrink", "/v1/cluster/shrink", expandRequest{Target: 2}, nil)
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Fatalf("expected auth failure error, got: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 attempt for 401, got %d", got)
	}

	codes := errCollector.GetActiveErrorCodes()
	if len(codes) != 1 || codes[0] != string(scalererrors.ErrFabricProvider) {
		t.Fatalf("expected %s to be reported, got %v", scalererrors.ErrFabricProvider, codes)
	}
}

// TestClient_Post_RejectedCarriesMessage verifies 4xx bodies surface in the error.
func TestClient_Post_RejectedCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "conflict", Message: "allocation alloc-1 is pinned"})
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), nil, nil)
	err := client.Post(context.Background(), "migrate", "/v1/allocations/migrate", map[string]string{"id": "alloc-1"}, nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", se.StatusCode)
	}
	if !strings.Contains(err.Error(), "allocation alloc-1 is pinned") {
		t.Fatalf("expected message in error, got: %v", err)
	}
}

// TestClient_Post_RetryCreatesFreshPipe verifies that each retry attempt creates
// a new io.Pipe, sends a valid compressed body and keeps the request id.
func TestClient_Post_RetryCreatesFreshPipe(t *testing.T) {
	fastBackoff(t)
	var attempts int32
	var mu sync.Mutex
	var bodySizes []int
	requestIDs := map[string]bool{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n := atomic.AddInt32(&attempts, 1)
		mu.Lock()
		bodySizes = append(bodySizes, len(body))
		requestIDs[r.Header.Get("X-Request-ID")] = true
		mu.Unlock()

		if n <= 2 {
			// First two attempts: return 503.
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var req expandRequest
		if err := decodeZstdJSON(body, &req); err != nil {
			t.Errorf("retry body is not valid zstd JSON: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(expandResponse{Accepted: true, Target: req.Target})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 3
	metrics := observability.NewMetrics()
	client := NewClient(cfg, metrics, nil)

	var out expandResponse
	if err := client.Post(context.Background(), "expand", "/v1/cluster/expand", expandRequest{Target: 6}, &out); err != nil {
		t.Fatalf("Post failed after retries: %v", err)
	}
	if out.Target != 6 {
		t.Fatalf("expected target 6, got %d", out.Target)
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	for i, size := range bodySizes {
		if size == 0 {
			t.Errorf("attempt %d received empty body", i+1)
		}
	}
	if len(requestIDs) != 1 {
		t.Fatalf("expected one request id across retries, got %d", len(requestIDs))
	}
	if got := testutil.ToFloat64(metrics.TransportRetries); got != 2 {
		t.Fatalf("expected 2 retries recorded, got %v", got)
	}
}

// TestClient_Post_5xx_RetriedThenFails verifies that retries exhaust and return error.
func TestClient_Post_5xx_RetriedThenFails(t *testing.T) {
	fastBackoff(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	client := NewClient(cfg, nil, nil)

	err := client.Post(context.Background(), "expand", "/v1/cluster/expand", expandRequest{Target: 3}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "server error") {
		t.Fatalf("expected server error, got: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 { // 1 initial + 2 retries
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

// TestClient_Post_ContextCancellation verifies cancellation is respected.
func TestClient_Post_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow server, should be canceled.
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(testConfig(srv.URL), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := client.Post(ctx, "expand", "/v1/cluster/expand", expandRequest{Target: 3}, nil); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestNewClient_CompressionLevelFallback(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.CompressionLevel = 9
	if c := NewClient(cfg, nil, nil); c.level != zstd.SpeedDefault {
		t.Fatalf("expected default level for out-of-range value, got %v", c.level)
	}
	cfg.CompressionLevel = 1
	if c := NewClient(cfg, nil, nil); c.level != zstd.SpeedFastest {
		t.Fatalf("expected fastest level, got %v", c.level)
	}
}
