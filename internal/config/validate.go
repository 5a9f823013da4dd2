package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: KUBEADAPT_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}

	switch c.FabricMode {
	case FabricKubernetes:
		if c.WorkerName == "" {
			return fmt.Errorf("config: KUBEADAPT_WORKER_NAME is required in %s fabric mode", FabricKubernetes)
		}
		if c.WorkerKind != "Deployment" && c.WorkerKind != "StatefulSet" {
			return fmt.Errorf("config: KUBEADAPT_WORKER_KIND must be Deployment or StatefulSet, got %q", c.WorkerKind)
		}
	case FabricHTTP:
		if c.FabricURL == "" {
			return fmt.Errorf("config: KUBEADAPT_FABRIC_URL is required in %s fabric mode", FabricHTTP)
		}
		if c.APIKey == "" {
			return fmt.Errorf("config: KUBEADAPT_API_KEY is required in %s fabric mode", FabricHTTP)
		}
		if !c.AllowInsecure && !strings.HasPrefix(c.FabricURL, "https://") {
			return fmt.Errorf("config: KUBEADAPT_FABRIC_URL must use https:// (got %q); set KUBEADAPT_ALLOW_INSECURE=true to override", c.FabricURL)
		}
	default:
		return fmt.Errorf("config: KUBEADAPT_FABRIC_MODE must be %s or %s, got %q", FabricKubernetes, FabricHTTP, c.FabricMode)
	}

	if c.SampleInterval < time.Second {
		return fmt.Errorf("config: SampleInterval must be >= 1s, got %v", c.SampleInterval)
	}

	if c.CompressionLevel < 1 || c.CompressionLevel > 4 {
		return fmt.Errorf("config: CompressionLevel must be 1-4, got %d", c.CompressionLevel)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MaxRetries must be >= 0, got %d", c.MaxRetries)
	}

	if c.ModelLoader != ModelLoaderNone && c.ModelLoader != ModelLoaderEngine {
		return fmt.Errorf("config: KUBEADAPT_MODEL_LOADER must be %s or %s, got %q", ModelLoaderNone, ModelLoaderEngine, c.ModelLoader)
	}

	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("config: HealthPort must be 1-65535, got %d", c.HealthPort)
	}

	re, err := regexp.Compile(c.AgentPattern)
	if err != nil {
		return fmt.Errorf("config: KUBEADAPT_AGENT_PATTERN: %w", err)
	}
	if re.SubexpIndex("agent") < 0 {
		return fmt.Errorf("config: KUBEADAPT_AGENT_PATTERN must contain a named group \"agent\"")
	}

	return nil
}
