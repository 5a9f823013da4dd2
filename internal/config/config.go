package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fabric modes.
const (
	FabricKubernetes = "kubernetes"
	FabricHTTP       = "http"
)

// Model loaders.
const (
	ModelLoaderNone   = "none"
	ModelLoaderEngine = "engine"
)

// Config holds all process configuration values read from the environment.
// Capacity policy and the model catalog live in the config file, see FileConfig.
type Config struct {
	InstanceID     string
	ConfigFile     string
	LogLevel       string
	HealthPort     int
	DebugEndpoints bool // KUBEADAPT_DEBUG_ENDPOINTS, default: false, enables pprof/debug on health port

	// Fabric provider
	FabricMode       string // KUBEADAPT_FABRIC_MODE: kubernetes | http
	FabricURL        string
	APIKey           string
	AllowInsecure    bool // KUBEADAPT_ALLOW_INSECURE, default: false, allows http:// FabricURL
	CompressionLevel int
	MaxRetries       int
	RequestTimeout   time.Duration

	// GPU worker pool scaled by the Kubernetes fabric
	Namespace  string
	WorkerKind string // Deployment | StatefulSet
	WorkerName string

	// Telemetry
	SampleInterval        time.Duration // KUBEADAPT_SAMPLE_INTERVAL, default: 5s
	DCGMExporterPort      int           // KUBEADAPT_DCGM_PORT, default: 9400
	DCGMExporterNamespace string        // KUBEADAPT_DCGM_NAMESPACE, default: "" (auto-detect)
	DCGMExporterEndpoints []string      // KUBEADAPT_DCGM_ENDPOINTS, comma-separated IPs/hosts override (for local dev)
	EngineSelector        string        // KUBEADAPT_ENGINE_SELECTOR, label selector for inference engine pods
	EnginePort            int           // KUBEADAPT_ENGINE_PORT, default: 8000
	EngineEndpoints       []string      // KUBEADAPT_ENGINE_ENDPOINTS, host:port override
	EngineNamespace       string        // KUBEADAPT_ENGINE_NAMESPACE, default: "" (all namespaces)
	NodeMetricsEnabled    bool          // KUBEADAPT_NODE_METRICS_ENABLED, default: true

	// Informers
	InformerResyncPeriod time.Duration // KUBEADAPT_INFORMER_RESYNC, default: 10m
	SyncTimeout          time.Duration // KUBEADAPT_SYNC_TIMEOUT, default: 2m

	// Model lifecycle
	ModelLoader string // KUBEADAPT_MODEL_LOADER: none | engine

	// Workload attribution
	AgentPattern string // KUBEADAPT_AGENT_PATTERN, regexp with a named group "agent"
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		InstanceID:       os.Getenv("KUBEADAPT_INSTANCE_ID"),
		ConfigFile:       envOrDefault("KUBEADAPT_CONFIG_FILE", "/etc/kubeadapt/scaler.yaml"),
		LogLevel:         envOrDefault("KUBEADAPT_LOG_LEVEL", "info"),
		HealthPort:       parseInt("KUBEADAPT_HEALTH_PORT", 8080),
		FabricMode:       envOrDefault("KUBEADAPT_FABRIC_MODE", FabricKubernetes),
		FabricURL:        os.Getenv("KUBEADAPT_FABRIC_URL"),
		APIKey:           os.Getenv("KUBEADAPT_API_KEY"),
		CompressionLevel: parseInt("KUBEADAPT_COMPRESSION_LEVEL", 3),
		MaxRetries:       parseInt("KUBEADAPT_MAX_RETRIES", 3),
		RequestTimeout:   parseDuration("KUBEADAPT_REQUEST_TIMEOUT", 30*time.Second),
		Namespace:        envOrDefault("KUBEADAPT_NAMESPACE", "default"),
		WorkerKind:       envOrDefault("KUBEADAPT_WORKER_KIND", "Deployment"),
		WorkerName:       os.Getenv("KUBEADAPT_WORKER_NAME"),
		SampleInterval:   parseDuration("KUBEADAPT_SAMPLE_INTERVAL", 5*time.Second),
		AgentPattern:     envOrDefault("KUBEADAPT_AGENT_PATTERN", `^(?P<agent>[a-z0-9-]+?)(-[a-z0-9]{5,10})?(-[a-z0-9]{5})?$`),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	cfg.AllowInsecure = parseBool("KUBEADAPT_ALLOW_INSECURE", false)
	cfg.DebugEndpoints = parseBool("KUBEADAPT_DEBUG_ENDPOINTS", false)

	cfg.DCGMExporterPort = parseInt("KUBEADAPT_DCGM_PORT", 9400)
	cfg.DCGMExporterNamespace = envOrDefault("KUBEADAPT_DCGM_NAMESPACE", "")
	cfg.DCGMExporterEndpoints = parseStringSlice("KUBEADAPT_DCGM_ENDPOINTS")
	cfg.EngineSelector = envOrDefault("KUBEADAPT_ENGINE_SELECTOR", "app.kubernetes.io/component=inference-engine")
	cfg.EnginePort = parseInt("KUBEADAPT_ENGINE_PORT", 8000)
	cfg.EngineEndpoints = parseStringSlice("KUBEADAPT_ENGINE_ENDPOINTS")
	cfg.EngineNamespace = envOrDefault("KUBEADAPT_ENGINE_NAMESPACE", "")
	cfg.NodeMetricsEnabled = parseBool("KUBEADAPT_NODE_METRICS_ENABLED", true)

	cfg.InformerResyncPeriod = parseDuration("KUBEADAPT_INFORMER_RESYNC", 10*time.Minute)
	cfg.SyncTimeout = parseDuration("KUBEADAPT_SYNC_TIMEOUT", 2*time.Minute)
	cfg.ModelLoader = envOrDefault("KUBEADAPT_MODEL_LOADER", ModelLoaderNone)

	return cfg
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}
