package config

import (
	"os"
	"testing"
	"time"
)

// helper to clear all KUBEADAPT_ env vars before each test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"KUBEADAPT_INSTANCE_ID",
		"KUBEADAPT_CONFIG_FILE",
		"KUBEADAPT_LOG_LEVEL",
		"KUBEADAPT_HEALTH_PORT",
		"KUBEADAPT_DEBUG_ENDPOINTS",
		"KUBEADAPT_FABRIC_MODE",
		"KUBEADAPT_FABRIC_URL",
		"KUBEADAPT_API_KEY",
		"KUBEADAPT_ALLOW_INSECURE",
		"KUBEADAPT_COMPRESSION_LEVEL",
		"KUBEADAPT_MAX_RETRIES",
		"KUBEADAPT_REQUEST_TIMEOUT",
		"KUBEADAPT_NAMESPACE",
		"KUBEADAPT_WORKER_KIND",
		"KUBEADAPT_WORKER_NAME",
		"KUBEADAPT_SAMPLE_INTERVAL",
		"KUBEADAPT_DCGM_PORT",
		"KUBEADAPT_DCGM_NAMESPACE",
		"KUBEADAPT_DCGM_ENDPOINTS",
		"KUBEADAPT_ENGINE_SELECTOR",
		"KUBEADAPT_ENGINE_PORT",
		"KUBEADAPT_ENGINE_ENDPOINTS",
		"KUBEADAPT_ENGINE_NAMESPACE",
		"KUBEADAPT_NODE_METRICS_ENABLED",
		"KUBEADAPT_INFORMER_RESYNC",
		"KUBEADAPT_SYNC_TIMEOUT",
		"KUBEADAPT_MODEL_LOADER",
		"KUBEADAPT_AGENT_PATTERN",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.InstanceID == "" {
		t.Error("InstanceID should be auto-generated when empty")
	}
	if cfg.ConfigFile != "/etc/kubeadapt/scaler.yaml" {
		t.Errorf("ConfigFile = %q, want /etc/kubeadapt/scaler.yaml", cfg.ConfigFile)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.FabricMode != FabricKubernetes {
		t.Errorf("FabricMode = %q, want %q", cfg.FabricMode, FabricKubernetes)
	}
	if cfg.WorkerKind != "Deployment" {
		t.Errorf("WorkerKind = %q, want Deployment", cfg.WorkerKind)
	}
	if cfg.Namespace != "default" {
		t.Errorf("Namespace = %q, want default", cfg.Namespace)
	}
	if cfg.SampleInterval != 5*time.Second {
		t.Errorf("SampleInterval = %v, want 5s", cfg.SampleInterval)
	}
	if cfg.CompressionLevel != 3 {
		t.Errorf("CompressionLevel = %d, want 3", cfg.CompressionLevel)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.HealthPort != 8080 {
		t.Errorf("HealthPort = %d, want 8080", cfg.HealthPort)
	}
	if cfg.DCGMExporterPort != 9400 {
		t.Errorf("DCGMExporterPort = %d, want 9400", cfg.DCGMExporterPort)
	}
	if cfg.EnginePort != 8000 {
		t.Errorf("EnginePort = %d, want 8000", cfg.EnginePort)
	}
	if !cfg.NodeMetricsEnabled {
		t.Error("NodeMetricsEnabled should default to true")
	}
	if cfg.AllowInsecure {
		t.Error("AllowInsecure should default to false")
	}
	if cfg.DebugEndpoints {
		t.Error("DebugEndpoints should default to false")
	}
	if cfg.ModelLoader != ModelLoaderNone {
		t.Errorf("ModelLoader = %q, want %q", cfg.ModelLoader, ModelLoaderNone)
	}
	if cfg.InformerResyncPeriod != 10*time.Minute {
		t.Errorf("InformerResyncPeriod = %v, want 10m", cfg.InformerResyncPeriod)
	}
	if cfg.SyncTimeout != 2*time.Minute {
		t.Errorf("SyncTimeout = %v, want 2m", cfg.SyncTimeout)
	}
}

func TestLoad_AllEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("KUBEADAPT_INSTANCE_ID", "scaler-1")
	t.Setenv("KUBEADAPT_CONFIG_FILE", "/tmp/scaler.yaml")
	t.Setenv("KUBEADAPT_LOG_LEVEL", "debug")
	t.Setenv("KUBEADAPT_FABRIC_MODE", "http")
	t.Setenv("KUBEADAPT_FABRIC_URL", "https://fabric.example.com")
	t.Setenv("KUBEADAPT_API_KEY", "my-api-key")
	t.Setenv("KUBEADAPT_MAX_RETRIES", "10")
	t.Setenv("KUBEADAPT_REQUEST_TIMEOUT", "45s")
	t.Setenv("KUBEADAPT_SAMPLE_INTERVAL", "2")
	t.Setenv("KUBEADAPT_HEALTH_PORT", "9090")
	t.Setenv("KUBEADAPT_DCGM_ENDPOINTS", "10.0.0.1, 10.0.0.2,")
	t.Setenv("KUBEADAPT_ENGINE_ENDPOINTS", "10.0.1.1:8000")
	t.Setenv("KUBEADAPT_NODE_METRICS_ENABLED", "false")
	t.Setenv("KUBEADAPT_MODEL_LOADER", "engine")
	t.Setenv("KUBEADAPT_ENGINE_NAMESPACE", "inference")

	cfg := Load()

	if cfg.InstanceID != "scaler-1" {
		t.Errorf("InstanceID = %q, want scaler-1", cfg.InstanceID)
	}
	if cfg.ConfigFile != "/tmp/scaler.yaml" {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
	if cfg.FabricMode != FabricHTTP || cfg.FabricURL != "https://fabric.example.com" {
		t.Errorf("fabric = %q %q", cfg.FabricMode, cfg.FabricURL)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.RequestTimeout)
	}
	if cfg.SampleInterval != 2*time.Second {
		t.Errorf("SampleInterval = %v, want 2s (integer seconds fallback)", cfg.SampleInterval)
	}
	if cfg.HealthPort != 9090 {
		t.Errorf("HealthPort = %d, want 9090", cfg.HealthPort)
	}
	if len(cfg.DCGMExporterEndpoints) != 2 || cfg.DCGMExporterEndpoints[1] != "10.0.0.2" {
		t.Errorf("DCGMExporterEndpoints = %v, want [10.0.0.1 10.0.0.2]", cfg.DCGMExporterEndpoints)
	}
	if len(cfg.EngineEndpoints) != 1 {
		t.Errorf("EngineEndpoints = %v", cfg.EngineEndpoints)
	}
	if cfg.NodeMetricsEnabled {
		t.Error("NodeMetricsEnabled = true, want false")
	}
	if cfg.ModelLoader != ModelLoaderEngine || cfg.EngineNamespace != "inference" {
		t.Errorf("ModelLoader = %q, EngineNamespace = %q", cfg.ModelLoader, cfg.EngineNamespace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got: %v", err)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("KUBEADAPT_SAMPLE_INTERVAL", "soon")
	t.Setenv("KUBEADAPT_HEALTH_PORT", "eighty")
	t.Setenv("KUBEADAPT_DEBUG_ENDPOINTS", "maybe")

	cfg := Load()
	if cfg.SampleInterval != 5*time.Second {
		t.Errorf("SampleInterval = %v, want default 5s", cfg.SampleInterval)
	}
	if cfg.HealthPort != 8080 {
		t.Errorf("HealthPort = %d, want default 8080", cfg.HealthPort)
	}
	if cfg.DebugEndpoints {
		t.Error("DebugEndpoints should fall back to false")
	}
}

func validConfig() Config {
	return Config{
		LogLevel:         "info",
		FabricMode:       FabricKubernetes,
		WorkerKind:       "Deployment",
		WorkerName:       "gpu-workers",
		SampleInterval:   5 * time.Second,
		CompressionLevel: 3,
		MaxRetries:       3,
		HealthPort:       8080,
		ModelLoader:      ModelLoaderNone,
		AgentPattern:     `^(?P<agent>[a-z]+)-\d+$`,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid kubernetes", func(*Config) {}, false},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"missing worker name", func(c *Config) { c.WorkerName = "" }, true},
		{"bad worker kind", func(c *Config) { c.WorkerKind = "DaemonSet" }, true},
		{"unknown fabric mode", func(c *Config) { c.FabricMode = "grpc" }, true},
		{"http without url", func(c *Config) { c.FabricMode = FabricHTTP; c.APIKey = "k" }, true},
		{"http without api key", func(c *Config) {
			c.FabricMode = FabricHTTP
			c.FabricURL = "https://fabric"
		}, true},
		{"http insecure url", func(c *Config) {
			c.FabricMode = FabricHTTP
			c.FabricURL = "http://fabric"
			c.APIKey = "k"
		}, true},
		{"http insecure allowed", func(c *Config) {
			c.FabricMode = FabricHTTP
			c.FabricURL = "http://fabric"
			c.APIKey = "k"
			c.AllowInsecure = true
		}, false},
		{"sample interval too low", func(c *Config) { c.SampleInterval = 100 * time.Millisecond }, true},
		{"compression level 0", func(c *Config) { c.CompressionLevel = 0 }, true},
		{"compression level 5", func(c *Config) { c.CompressionLevel = 5 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"port out of range", func(c *Config) { c.HealthPort = 70000 }, true},
		{"pattern does not compile", func(c *Config) { c.AgentPattern = "(" }, true},
		{"engine loader", func(c *Config) { c.ModelLoader = ModelLoaderEngine }, false},
		{"unknown loader", func(c *Config) { c.ModelLoader = "triton" }, true},
		{"pattern without agent group", func(c *Config) { c.AgentPattern = `^([a-z]+)-\d+$` }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DefaultPatternIsValid(t *testing.T) {
	clearEnv(t)
	t.Setenv("KUBEADAPT_WORKER_NAME", "gpu-workers")

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults plus worker name to validate, got: %v", err)
	}
}
