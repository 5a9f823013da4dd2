package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// backoffBase is the first retry delay; later attempts double it.
var backoffBase = time.Second

// authTransport adds an Authorization: Bearer header to every request.
type authTransport struct {
	token string
	next  http.RoundTripper
}

// WithAuth wraps a RoundTripper with bearer-token authorization.
func WithAuth(token string, next http.RoundTripper) http.RoundTripper {
	return &authTransport{token: token, next: next}
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.next.RoundTrip(req)
}

// loggingTransport logs request method/URL and response status at debug level.
type loggingTransport struct {
	logger *slog.Logger
	next   http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging.
func WithLogging(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{logger: logger, next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		l.logger.Warn("HTTP request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	l.logger.Debug("HTTP request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// retryTransport retries bodiless requests on network errors, 5xx and 429
// with exponential backoff. It does NOT retry on 401/403 (auth failures).
// Requests with a body pass through untouched since the body cannot be
// replayed; Client.Post retries those itself.
type retryTransport struct {
	maxRetries int
	next       http.RoundTripper
}

// WithRetry wraps a RoundTripper with retry logic for transient errors.
func WithRetry(maxRetries int, next http.RoundTripper) http.RoundTripper {
	return &retryTransport{maxRetries: maxRetries, next: next}
}

func (r *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody {
		return r.next.RoundTrip(req)
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err = r.next.RoundTrip(req)
		if err != nil {
			// Network error, retry.
			if attempt < r.maxRetries {
				if werr := sleepWithBackoff(req.Context(), attempt); werr != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		// Success or client error that shouldn't be retried.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		if attempt == r.maxRetries {
			return resp, nil
		}

		delay := backoffDelay(attempt)
		if resp.StatusCode == http.StatusTooManyRequests {
			delay = retryAfterDelay(resp)
		}
		drainAndClose(resp.Body)
		if werr := sleep(req.Context(), delay); werr != nil {
			return nil, werr
		}
	}

	return resp, err
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * backoffBase
}

// sleepWithBackoff sleeps for backoffBase * 2^attempt or until ctx is done.
func sleepWithBackoff(ctx context.Context, attempt int) error {
	return sleep(ctx, backoffDelay(attempt))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrorResponse is the JSON error body returned by the fabric API.
type ErrorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}

// retryAfterDelay extracts the delay from a 429 response.
// It checks the Retry-After header first, then falls back to
// parsing the response body for retry_after_seconds.
func retryAfterDelay(resp *http.Response) time.Duration {
	defaultDelay := 5 * backoffBase

	// Check Retry-After header (seconds).
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	// Try parsing body for retry_after_seconds.
	if resp.Body != nil {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if errResp.RetryAfterSeconds != nil && *errResp.RetryAfterSeconds > 0 {
				return time.Duration(*errResp.RetryAfterSeconds) * time.Second
			}
		}
	}

	return defaultDelay
}

// drainAndClose reads remaining body bytes and closes, preventing connection leaks.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

// StatusError is a non-2xx fabric API response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("transport: authentication failed (HTTP %d)", e.StatusCode)
	case e.StatusCode == http.StatusTooManyRequests:
		return "transport: rate limited (HTTP 429)"
	case e.StatusCode >= 500:
		return fmt.Sprintf("transport: server error (HTTP %d)", e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("transport: request rejected (HTTP %d): %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("transport: unexpected status (HTTP %d)", e.StatusCode)
	}
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Retryable()
	}
	return false
}

// ParseResponse reads an HTTP response and decodes a 2xx JSON body into
// out. A nil out, or a 204, skips decoding.
func ParseResponse(resp *http.Response, out any) error {
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("transport: failed to decode %d response: %w", resp.StatusCode, err)
		}
		return nil
	}

	se := &StatusError{StatusCode: resp.StatusCode}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
		se.Message = errResp.Message
		if se.Message == "" {
			se.Message = errResp.Error
		}
	}
	return se
}
