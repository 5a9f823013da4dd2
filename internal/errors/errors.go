package errors

import (
	stderrors "errors"
	"sync"
	"time"
)

// Code represents a typed error code surfaced to operators.
type Code string

// Scaler error codes.
const (
	ErrTelemetryUnavailable Code = "TELEMETRY_UNAVAILABLE"
	ErrInsufficientMemory   Code = "INSUFFICIENT_MEMORY"
	ErrEmergencyModeActive  Code = "EMERGENCY_MODE_ACTIVE"
	ErrMigrationFailed      Code = "MIGRATION_FAILED"
	ErrFabricProvider       Code = "FABRIC_PROVIDER_ERROR"
	ErrPlacementFailed      Code = "PLACEMENT_FAILED"
	ErrConfigReloadFailed   Code = "CONFIG_RELOAD_FAILED"
	ErrDiscoveryFailed      Code = "DISCOVERY_FAILED"
)

// Sentinel errors for the scaler's failure taxonomy. Callers match them
// with errors.Is; wrapping sites add context with %w.
var (
	// Admission denied because eviction could not free enough memory.
	InsufficientMemory = stderrors.New("insufficient memory")
	// Admission denied for a non-critical model while in emergency mode.
	EmergencyModeActive = stderrors.New("emergency mode active")
	// Telemetry source failed; the stale sample was used.
	TelemetryUnavailable = stderrors.New("telemetry unavailable")
	// A workload migration failed and the scale-down was aborted.
	MigrationFailed = stderrors.New("migration failed")
	// The fabric provider rejected or failed a request.
	FabricProvider = stderrors.New("fabric provider error")
	// The model id is not in the catalog.
	UnknownModel = stderrors.New("unknown model")
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// AgentError represents a typed error with code, component, and optional wrapped error.
type AgentError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// entry wraps an AgentError with its last-reported time for expiry tracking.
type entry struct {
	err        AgentError
	lastReport time.Time
}

// ErrorCollector is a thread-safe store for active errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock.
func NewErrorCollector(clock Clock) *ErrorCollector {
	return &ErrorCollector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err AgentError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if err.Timestamp == 0 {
		err.Timestamp = ec.clock.Now().UnixMilli()
	}
	ec.entries[key(err.Code, err.Component)] = entry{
		err:        err,
		lastReport: ec.clock.Now(),
	}
}

// Resolve drops an error before its TTL, e.g. once telemetry recovers.
func (ec *ErrorCollector) Resolve(code Code, component string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.entries, key(code, component))
}

// GetActiveErrors returns all errors that have been reported within the TTL window.
func (ec *ErrorCollector) GetActiveErrors() []AgentError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]AgentError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	return codes
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries = make(map[string]entry)
}
