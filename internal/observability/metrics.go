package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the scaler.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Control loop
	CycleDuration      prometheus.Histogram
	DecisionsTotal     *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	CurrentGPUs        prometheus.Gauge
	TargetGPUs         prometheus.Gauge
	DecisionConfidence prometheus.Gauge
	ControllerState    *prometheus.GaugeVec

	// Telemetry
	SampleDuration       prometheus.Histogram
	TelemetryFailures    *prometheus.CounterVec
	StaleSamples         prometheus.Counter
	GPUUtilization       prometheus.Gauge
	GPUMemoryUtilization prometheus.Gauge
	QueueDepth           prometheus.Gauge

	// Informers
	InformerEventsTotal *prometheus.CounterVec
	WatchedObjects      *prometheus.GaugeVec

	// Model lifecycle
	ResidentModelBytes prometheus.Gauge
	MemoryBudgetBytes  prometheus.Gauge
	LoadedModels       prometheus.Gauge
	ModelLoadsTotal    *prometheus.CounterVec
	EvictionsTotal     *prometheus.CounterVec
	EmergencyMode      prometheus.Gauge

	// Workloads
	TrackedAgents prometheus.Gauge

	// Alerts and config
	AlertsTotal        *prometheus.CounterVec
	ConfigReloadsTotal *prometheus.CounterVec

	// Fabric transport
	FabricRequestDuration *prometheus.HistogramVec
	FabricRequestBytes    *prometheus.CounterVec
	TransportRetries      prometheus.Counter

	// Process
	ProcessMemoryRatio prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kubeadapt_scaler_cycle_duration_seconds",
			Help:    "Duration of evaluation cycles in seconds, including execution.",
			Buckets: prometheus.DefBuckets,
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_decisions_total",
			Help: "Total number of scaling decisions by action.",
		}, []string{"action"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_executions_total",
			Help: "Total number of executed decisions by action and status.",
		}, []string{"action", "status"}),
		CurrentGPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_current_gpus",
			Help: "Accelerators currently provisioned.",
		}),
		TargetGPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_target_gpus",
			Help: "Accelerator target of the latest decision.",
		}),
		DecisionConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_decision_confidence",
			Help: "Advisory confidence of the latest decision (0-1).",
		}),
		ControllerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_controller_state",
			Help: "Current controller state (1 = active, 0 = inactive).",
		}, []string{"state"}),

		SampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kubeadapt_scaler_sample_duration_seconds",
			Help:    "Duration of telemetry samples in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		TelemetryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_telemetry_failures_total",
			Help: "Total number of failed telemetry reads by source.",
		}, []string{"source"}),
		StaleSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_stale_samples_total",
			Help: "Total number of samples served from the last known reading.",
		}),
		GPUUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_gpu_utilization",
			Help: "Mean GPU utilization of the latest sample (0-1).",
		}),
		GPUMemoryUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_gpu_memory_utilization",
			Help: "GPU memory used/total of the latest sample (0-1).",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_queue_depth",
			Help: "Waiting requests across inference engines in the latest sample.",
		}),

		InformerEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_informer_events_total",
			Help: "Total number of informer events by collector and event type.",
		}, []string{"collector", "event"}),
		WatchedObjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_watched_objects",
			Help: "Number of objects held by each informer-backed collector.",
		}, []string{"collector"}),

		ResidentModelBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_resident_model_bytes",
			Help: "Memory accounted to loaded model instances.",
		}),
		MemoryBudgetBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_memory_budget_bytes",
			Help: "Configured model memory budget.",
		}),
		LoadedModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_loaded_models",
			Help: "Number of loaded model instances.",
		}),
		ModelLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_model_loads_total",
			Help: "Total number of model load attempts by result.",
		}, []string{"result"}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_model_unloads_total",
			Help: "Total number of model unloads by reason.",
		}, []string{"reason"}),
		EmergencyMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_emergency_mode",
			Help: "1 while emergency mode is active.",
		}),

		TrackedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_tracked_agents",
			Help: "Number of agents with a workload record.",
		}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_alerts_total",
			Help: "Total number of resource alerts by severity and resource.",
		}, []string{"severity", "resource"}),
		ConfigReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_config_reloads_total",
			Help: "Total number of config file reloads by status.",
		}, []string{"status"}),

		FabricRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kubeadapt_scaler_fabric_request_duration_seconds",
			Help:    "Duration of fabric provider calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		FabricRequestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_fabric_request_bytes_total",
			Help: "Compressed request body bytes sent to the fabric API, including retries.",
		}, []string{"operation"}),
		TransportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubeadapt_scaler_transport_retries_total",
			Help: "Total number of transport retry attempts.",
		}),

		ProcessMemoryRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeadapt_scaler_process_memory_ratio",
			Help: "Scaler process memory in use relative to GOMEMLIMIT (0 when unlimited).",
		}),
	}

	reg.MustRegister(
		m.CycleDuration,
		m.DecisionsTotal,
		m.ExecutionsTotal,
		m.CurrentGPUs,
		m.TargetGPUs,
		m.DecisionConfidence,
		m.ControllerState,
		m.SampleDuration,
		m.TelemetryFailures,
		m.StaleSamples,
		m.GPUUtilization,
		m.GPUMemoryUtilization,
		m.QueueDepth,
		m.InformerEventsTotal,
		m.WatchedObjects,
		m.ResidentModelBytes,
		m.MemoryBudgetBytes,
		m.LoadedModels,
		m.ModelLoadsTotal,
		m.EvictionsTotal,
		m.EmergencyMode,
		m.TrackedAgents,
		m.AlertsTotal,
		m.ConfigReloadsTotal,
		m.FabricRequestDuration,
		m.FabricRequestBytes,
		m.TransportRetries,
		m.ProcessMemoryRatio,
	)

	return m
}
