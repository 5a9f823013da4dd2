package model

import (
	"fmt"
	"time"
)

// Severity grades a ResourceAlert.
type Severity string

// Alert severities, least severe first.
const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// ResourceAlert records a threshold breach.
type ResourceAlert struct {
	ID          string    `json:"id"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Resource    string    `json:"resource"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	ActionTaken string    `json:"action_taken,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertID builds the synthetic alert key from severity, resource and time.
func AlertID(sev Severity, resource string, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%d", sev, resource, ts.UnixNano())
}
