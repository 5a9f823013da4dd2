package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/config"
	scalererrors "github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
)

// Client sends JSON requests to the fabric API over HTTP with streaming
// zstd compression. It never buffers the full JSON payload in memory.
type Client struct {
	httpClient     *http.Client
	config         *config.Config
	level          zstd.EncoderLevel
	metrics        *observability.Metrics
	errorCollector *scalererrors.ErrorCollector
}

// NewClient creates a transport Client with middleware applied.
// Retry is handled at the Post level (not the RoundTripper) because
// the streaming io.Pipe body must be re-created on each attempt.
func NewClient(cfg *config.Config, metrics *observability.Metrics, errCollector *scalererrors.ErrorCollector) *Client {
	// Use an explicit transport instead of http.DefaultTransport to avoid
	// sharing mutable state with other code in the process.
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	// Auth middleware decorates every request with the bearer token.
	transport := WithAuth(cfg.APIKey, WithLogging(slog.Default(), base))

	level := zstd.EncoderLevel(cfg.CompressionLevel)
	if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
		level = zstd.SpeedDefault
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		config:         cfg,
		level:          level,
		metrics:        metrics,
		errorCollector: errCollector,
	}
}

// Post streams body to path as zstd-compressed JSON and decodes the JSON
// response into out, which may be nil. operation labels metrics and logs.
// Every attempt carries the same X-Request-ID so the fabric can
// deduplicate replays.
func (c *Client) Post(ctx context.Context, operation, path string, body, out any) error {
	start := time.Now()
	requestID := uuid.NewString()

	var lastErr error
	maxAttempts := c.config.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Record retry metric.
			if c.metrics != nil {
				c.metrics.TransportRetries.Inc()
			}
			if err := sleepWithBackoff(ctx, attempt-1); err != nil {
				lastErr = fmt.Errorf("transport: context canceled before attempt %d: %w", attempt+1, err)
				break
			}
		}

		// Check context before each attempt.
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("transport: context canceled before attempt %d: %w", attempt+1, err)
			break
		}

		sent, err := c.doPost(ctx, operation, path, requestID, body, out)
		if err != nil {
			lastErr = err
			// Don't retry auth failures or rejected requests.
			if isNonRetryableError(err) {
				break
			}
			continue
		}

		slog.Debug("fabric request sent", "operation", operation, "request_id", requestID, "compressed_bytes", sent)
		lastErr = nil
		break
	}

	if c.metrics != nil {
		c.metrics.FabricRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}

	if lastErr != nil {
		if c.errorCollector != nil {
			c.errorCollector.Report(scalererrors.AgentError{
				Code:      scalererrors.ErrFabricProvider,
				Message:   fmt.Sprintf("%s failed: %v", operation, lastErr),
				Component: "transport",
				Timestamp: time.Now().UnixMilli(),
				Err:       lastErr,
			})
		}
		return lastErr
	}
	if c.errorCollector != nil {
		c.errorCollector.Resolve(scalererrors.ErrFabricProvider, "transport")
	}
	return nil
}

// doPost performs a single HTTP POST with streaming compression.
// Each call creates a fresh io.Pipe so it can be called multiple times for retries.
func (c *Client) doPost(ctx context.Context, operation, path, requestID string, body, out any) (int64, error) {
	pr, pw := io.Pipe()

	// CountingWriter wraps the pipe writer to track compressed bytes.
	var sink prometheus.Counter
	if c.metrics != nil {
		sink = c.metrics.FabricRequestBytes.WithLabelValues(operation)
	}
	cw := NewCountingWriter(pw, sink)

	// Create zstd encoder writing to the counting writer.
	zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(c.level))
	if err != nil {
		_ = pw.Close()
		return 0, fmt.Errorf("transport: failed to create zstd encoder: %w", err)
	}

	// Goroutine: encode JSON → zstd → pipe.
	go func() {
		encodeErr := json.NewEncoder(zw).Encode(body)
		// Close zstd first to flush, then close the pipe.
		closeErr := zw.Close()
		if encodeErr != nil {
			pw.CloseWithError(fmt.Errorf("transport: JSON encode failed: %w", encodeErr))
		} else if closeErr != nil {
			pw.CloseWithError(fmt.Errorf("transport: zstd close failed: %w", closeErr))
		} else {
			_ = pw.Close()
		}
	}()

	// Build the request reading from the pipe.
	url := strings.TrimSuffix(c.config.FabricURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		_ = pr.Close()
		return 0, fmt.Errorf("transport: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set("X-Scaler-Instance", c.config.InstanceID)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		_ = pr.Close()
		return cw.Count(), fmt.Errorf("transport: HTTP request failed: %w", err)
	}

	if err := ParseResponse(resp, out); err != nil {
		return cw.Count(), err
	}
	return cw.Count(), nil
}
