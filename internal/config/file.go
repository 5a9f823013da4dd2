package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// Eviction orders accepted by lifecycle.evictionOrder.
const (
	EvictLRU      = "lru"
	EvictSmallest = "smallest"
)

// LifecycleSettings configures the model memory budget.
type LifecycleSettings struct {
	// MemoryBudgetBytes accepts plain integers or quantities such as "16Gi".
	MemoryBudgetBytes int64 `mapstructure:"memoryBudgetBytes"`
	// MemoryPerGPUBytes, when set, resizes the budget to perGPU*GPUs after
	// every capacity change.
	MemoryPerGPUBytes  int64         `mapstructure:"memoryPerGPUBytes"`
	WarningThreshold   float64       `mapstructure:"warningThreshold"`
	EmergencyThreshold float64       `mapstructure:"emergencyThreshold"`
	EvictionOrder      string        `mapstructure:"evictionOrder"`
	IdleGrace          time.Duration `mapstructure:"idleGrace"`
	// Preload lists model ids loaded at startup, in order.
	Preload []string `mapstructure:"preload"`
}

// DefaultLifecycle returns the lifecycle defaults.
func DefaultLifecycle() LifecycleSettings {
	return LifecycleSettings{
		MemoryBudgetBytes:  80 << 30,
		WarningThreshold:   0.85,
		EmergencyThreshold: 0.95,
		EvictionOrder:      EvictLRU,
	}
}

// Validate checks thresholds and the eviction order.
func (s LifecycleSettings) Validate() error {
	if s.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("lifecycle.memoryBudgetBytes must be > 0, got %d", s.MemoryBudgetBytes)
	}
	if s.MemoryPerGPUBytes < 0 {
		return fmt.Errorf("lifecycle.memoryPerGPUBytes must be >= 0, got %d", s.MemoryPerGPUBytes)
	}
	if s.WarningThreshold <= 0 || s.WarningThreshold >= s.EmergencyThreshold || s.EmergencyThreshold > 1 {
		return fmt.Errorf("lifecycle thresholds must satisfy 0 < warning (%.2f) < emergency (%.2f) <= 1",
			s.WarningThreshold, s.EmergencyThreshold)
	}
	if s.EvictionOrder != EvictLRU && s.EvictionOrder != EvictSmallest {
		return fmt.Errorf("lifecycle.evictionOrder must be %s or %s, got %q", EvictLRU, EvictSmallest, s.EvictionOrder)
	}
	if s.IdleGrace < 0 {
		return fmt.Errorf("lifecycle.idleGrace must be >= 0, got %s", s.IdleGrace)
	}
	return nil
}

// FileConfig is the hot-reloadable part of the configuration.
type FileConfig struct {
	Limits    model.ResourceLimits    `mapstructure:"limits"`
	Models    []model.ModelDescriptor `mapstructure:"models"`
	Lifecycle LifecycleSettings       `mapstructure:"lifecycle"`
}

// Validate checks every section and rejects duplicate model ids.
func (fc FileConfig) Validate() error {
	if err := fc.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := fc.Lifecycle.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(fc.Models))
	for i, d := range fc.Models {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("models[%d]: %w", i, err)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("models[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	for _, id := range fc.Lifecycle.Preload {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("lifecycle.preload: unknown model %q", id)
		}
	}
	return nil
}

// FileLoader reads FileConfig from a YAML file and watches it for changes.
type FileLoader struct {
	mu      sync.Mutex
	v       *viper.Viper
	path    string
	metrics *observability.Metrics
	errs    *errors.ErrorCollector
}

// NewFileLoader creates a loader for path. metrics and errs may be nil.
func NewFileLoader(path string, metrics *observability.Metrics, errs *errors.ErrorCollector) *FileLoader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return &FileLoader{v: v, path: path, metrics: metrics, errs: errs}
}

// Load reads, strictly decodes and validates the file.
func (l *FileLoader) Load() (FileConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read %s: %w", l.path, err)
	}
	return l.decode()
}

// Watch re-reads the file on every change and hands valid configs to apply.
// An invalid file or a failing apply leaves the previous config in effect.
func (l *FileLoader) Watch(apply func(FileConfig) error) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		fc, err := l.decode()
		l.mu.Unlock()
		if err == nil {
			err = apply(fc)
		}
		if err != nil {
			slog.Error("config reload rejected, keeping previous config", "path", e.Name, "error", err)
			l.observe("error", err)
			return
		}
		slog.Info("config reloaded", "path", e.Name, "models", len(fc.Models))
		l.observe("success", nil)
	})
	l.v.WatchConfig()
}

func (l *FileLoader) observe(status string, err error) {
	if l.metrics != nil {
		l.metrics.ConfigReloadsTotal.WithLabelValues(status).Inc()
	}
	if l.errs == nil {
		return
	}
	if err != nil {
		l.errs.Report(errors.AgentError{
			Code:      errors.ErrConfigReloadFailed,
			Message:   err.Error(),
			Component: "config",
			Err:       err,
		})
		return
	}
	l.errs.Resolve(errors.ErrConfigReloadFailed, "config")
}

func (l *FileLoader) decode() (FileConfig, error) {
	fc := FileConfig{
		Limits:    model.DefaultLimits(),
		Lifecycle: DefaultLifecycle(),
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		quantityHook,
	))
	if err := l.v.UnmarshalExact(&fc, hook); err != nil {
		return FileConfig{}, fmt.Errorf("decode %s: %w", l.path, err)
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, fmt.Errorf("validate %s: %w", l.path, err)
	}
	return fc, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// quantityHook lets int64 byte fields be written as Kubernetes quantities.
func quantityHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t.Kind() != reflect.Int64 || t == durationType {
		return data, nil
	}
	q, err := resource.ParseQuantity(data.(string))
	if err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", data, err)
	}
	return q.Value(), nil
}
