package alerts

import (
	"fmt"
	"log/slog"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/events"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/store"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// DefaultRetention is the number of alerts kept before the oldest is dropped.
const DefaultRetention = 1000

// Raiser is implemented by anything that can record a ResourceAlert.
type Raiser interface {
	Raise(alert model.ResourceAlert) model.ResourceAlert
}

// Log is the append-only record of threshold breaches, keyed by synthetic id.
type Log struct {
	clock   errors.Clock
	bus     events.Publisher
	metrics *observability.Metrics

	byID  *store.TypedStore[model.ResourceAlert]
	order *store.Ring[string]
}

// NewLog creates a Log retaining up to retention alerts. bus and metrics may be nil.
func NewLog(clock errors.Clock, bus events.Publisher, metrics *observability.Metrics, retention int) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{
		clock:   clock,
		bus:     bus,
		metrics: metrics,
		byID:    store.NewTypedStore[model.ResourceAlert](),
		order:   store.NewRing[string](retention),
	}
}

// Raise timestamps, stores and publishes an alert, returning the stored copy.
func (l *Log) Raise(alert model.ResourceAlert) model.ResourceAlert {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = l.clock.Now()
	}
	alert.ID = model.AlertID(alert.Severity, alert.Resource, alert.Timestamp)
	// Same severity, resource and instant: disambiguate instead of overwriting.
	for n := 1; ; n++ {
		if _, exists := l.byID.Get(alert.ID); !exists {
			break
		}
		alert.ID = fmt.Sprintf("%s-%d", model.AlertID(alert.Severity, alert.Resource, alert.Timestamp), n)
	}

	l.byID.Set(alert.ID, alert)
	if old, evicted := l.order.Push(alert.ID); evicted {
		l.byID.Delete(old)
	}

	if l.metrics != nil {
		l.metrics.AlertsTotal.WithLabelValues(string(alert.Severity), alert.Resource).Inc()
	}
	if l.bus != nil {
		l.bus.Publish(events.ResourceAlert, alert)
	}

	logFn := slog.Warn
	if alert.Severity != model.SeverityWarning {
		logFn = slog.Error
	}
	logFn("resource alert",
		"severity", alert.Severity,
		"resource", alert.Resource,
		"value", alert.Value,
		"threshold", alert.Threshold,
		"action", alert.ActionTaken,
		"message", alert.Message,
	)
	return alert
}

// Get returns an alert by id.
func (l *Log) Get(id string) (model.ResourceAlert, bool) {
	return l.byID.Get(id)
}

// Recent returns up to n newest alerts, oldest first. n <= 0 returns all retained.
func (l *Log) Recent(n int) []model.ResourceAlert {
	ids := l.order.Last(n)
	out := make([]model.ResourceAlert, 0, len(ids))
	for _, id := range ids {
		if a, ok := l.byID.Get(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of retained alerts.
func (l *Log) Len() int {
	return l.byID.Len()
}
