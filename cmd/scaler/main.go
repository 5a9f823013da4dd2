package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/alerts"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/collector"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/config"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/controller"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/discovery"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/events"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/executor"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/fabric"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/health"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/lifecycle"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/telemetry"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/transport"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/workload"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// alertRetention bounds the in-memory alert log.
const alertRetention = 1000

func main() {
	// 1. Load and validate config.
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	metrics := observability.NewMetrics()
	clock := errors.RealClock{}
	errCollector := errors.NewErrorCollector(clock)

	fileLoader := config.NewFileLoader(cfg.ConfigFile, metrics, errCollector)
	fileCfg, err := fileLoader.Load()
	if err != nil {
		slog.Error("invalid config file", "path", cfg.ConfigFile, "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("kubeadapt-gpu-scaler starting",
		"instance_id", cfg.InstanceID,
		"fabric_mode", cfg.FabricMode,
		"min_gpus", fileCfg.Limits.MinGPUs,
		"max_gpus", fileCfg.Limits.MaxGPUs,
		"evaluation_interval", fileCfg.Limits.EvaluationInterval,
		"models", len(fileCfg.Models),
	)

	// 3. Shared infrastructure.
	bus := events.NewBus()
	defer bus.Close()
	go logEvents(bus.Subscribe())

	alertLog := alerts.NewLog(clock, bus, metrics, alertRetention)
	limits := config.NewLimitsHolder(fileCfg.Limits)

	// 4. Build Kubernetes clients.
	restCfg := buildKubeConfig()
	kubeClient := kubernetes.NewForConfigOrDie(restCfg)
	metricsClient := metricsclientset.NewForConfigOrDie(restCfg)

	// 5. Detect cluster capabilities and RBAC gaps.
	caps, err := discovery.Detect(ctx, kubeClient, kubeClient.Discovery(), cfg.DCGMExporterNamespace)
	if err != nil {
		slog.Error("failed to detect cluster capabilities", "error", err)
		os.Exit(1)
	}
	slog.Info("cluster capabilities detected",
		"metrics_server", caps.MetricsServer,
		"gpu_nodes", caps.GPUNodes,
		"dcgm_exporter", caps.DCGMExporter,
	)
	checkPermissions(ctx, kubeClient, cfg)

	// 6. Register informer-backed collectors.
	registry := collector.NewRegistry()
	resync := cfg.InformerResyncPeriod

	engineTargets := collector.NewPodTargetCollector("engines", kubeClient, cfg.EngineNamespace, cfg.EngineSelector, metrics, resync)
	gpuNodes := collector.NewGPUNodeCollector(kubeClient, metrics, resync)
	registry.Register(engineTargets)
	registry.Register(gpuNodes)

	var dcgmTargets *collector.PodTargetCollector
	if caps.DCGMExporter && len(cfg.DCGMExporterEndpoints) == 0 {
		selector := discovery.DCGMSelector(ctx, kubeClient, cfg.DCGMExporterNamespace)
		dcgmTargets = collector.NewPodTargetCollector("dcgm-exporter", kubeClient, cfg.DCGMExporterNamespace, selector, metrics, resync)
		registry.Register(dcgmTargets)
	}

	// 7. Telemetry sources.
	scrapeClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport.WithRetry(1, transport.WithLogging(slog.Default(), http.DefaultTransport)),
	}

	var sources []telemetry.Source
	if dcgmTargets != nil || len(cfg.DCGMExporterEndpoints) > 0 {
		sources = append(sources, telemetry.NewDCGMSource(
			telemetry.NewDCGMExporterClient(scrapeClient),
			dcgmEndpoints(cfg, dcgmTargets),
		))
	}
	sources = append(sources, telemetry.NewEngineSource(scrapeClient, engineEndpoints(cfg, engineTargets)))
	if caps.MetricsServer && cfg.NodeMetricsEnabled {
		sources = append(sources, telemetry.NewNodeSource(
			telemetry.NewNodeMetricsAPI(metricsClient.MetricsV1beta1()),
			gpuNodes.Nodes,
		))
	}

	sampler := collector.NewMetricsCollector(
		telemetry.NewComposite(metrics, sources...),
		clock, cfg.SampleInterval, metrics, errCollector, alertLog,
	)
	registry.Register(sampler)

	// 8. Model lifecycle.
	order, err := lifecycle.ParseEvictionOrder(fileCfg.Lifecycle.EvictionOrder)
	if err != nil {
		slog.Error("invalid eviction order", "error", err)
		os.Exit(1)
	}
	var loader lifecycle.Loader = lifecycle.NopLoader{}
	if cfg.ModelLoader == config.ModelLoaderEngine {
		loader = lifecycle.NewEngineLoader(scrapeClient, func() []string {
			if len(cfg.EngineEndpoints) > 0 {
				return staticURLs(cfg.EngineEndpoints, 0)
			}
			return engineTargets.URLs(cfg.EnginePort)
		})
	}
	models := lifecycle.NewManager(lifecycle.Options{
		BudgetBytes:        fileCfg.Lifecycle.MemoryBudgetBytes,
		WarningThreshold:   fileCfg.Lifecycle.WarningThreshold,
		EmergencyThreshold: fileCfg.Lifecycle.EmergencyThreshold,
		Order:              order,
		IdleGrace:          fileCfg.Lifecycle.IdleGrace,
	}, clock, loader, bus, alertLog, metrics, errCollector)
	models.SetCatalog(fileCfg.Models)
	models.SetPressureSource(sampler.MemoryPressure)

	// 9. Fabric, workloads and executor.
	resolver, err := workload.NewPatternResolver(cfg.AgentPattern)
	if err != nil {
		slog.Error("invalid agent pattern", "error", err)
		os.Exit(1)
	}
	tracker := workload.NewTracker(resolver, workload.DefaultRetainCycles, metrics)

	provider, placement := buildFabric(kubeClient, cfg, metrics, errCollector)
	exec := executor.NewExecutor(provider, placement, resolver, clock, bus, metrics, errCollector)
	exec.SetBudget(models, fileCfg.Lifecycle.MemoryPerGPUBytes)

	ctrl := controller.NewController(limits, registry, sampler, models, tracker, exec, bus, metrics, clock)
	ctrl.SyncTimeout = cfg.SyncTimeout

	// 10. Hot reload: limits, catalog and per-GPU budget follow the file.
	fileLoader.Watch(func(fc config.FileConfig) error {
		if err := limits.Store(fc.Limits); err != nil {
			return err
		}
		models.SetCatalog(fc.Models)
		exec.SetBudget(models, fc.Lifecycle.MemoryPerGPUBytes)
		return nil
	})

	// 11. Start health server.
	healthSrv := health.NewServer(cfg.HealthPort, metrics, ctrl, health.DebugSources{
		Decisions: ctrl,
		Models:    models,
		Alerts:    alertLog,
		Errors:    errCollector,
		Admin:     models,
	}, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	// 12. Start memory pressure monitor for the scaler process itself.
	memMon := observability.NewMemoryPressureMonitor(0.8, func(float64) { debug.FreeOSMemory() }, 30*time.Second, nil, metrics)
	memMon.Start()

	// 13. Preload models, then run the control loop (blocks until shutdown).
	preload(ctx, models, fileCfg.Lifecycle.Preload)

	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()
	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("controller exited with error", "error", err)
	}

	// 14. Graceful shutdown.
	memMon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	slog.Info("kubeadapt-gpu-scaler stopped")
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// checkPermissions warns about missing RBAC rules. Scaling still starts so
// telemetry and the debug endpoints stay available.
func checkPermissions(ctx context.Context, client kubernetes.Interface, cfg config.Config) {
	perms := discovery.TelemetryPermissions()
	if cfg.FabricMode == config.FabricKubernetes {
		perms = append(perms, discovery.FabricPermissions(cfg.WorkerKind)...)
	}
	missing, err := discovery.MissingPermissions(ctx, client, cfg.Namespace, perms)
	if err != nil {
		slog.Warn("permission check failed", "error", err)
		return
	}
	for _, p := range missing {
		slog.Warn("missing RBAC permission", "permission", p.String())
	}
}

func buildFabric(client kubernetes.Interface, cfg config.Config, metrics *observability.Metrics, errs *errors.ErrorCollector) (fabric.Provider, fabric.PlacementCoordinator) {
	if cfg.FabricMode == config.FabricHTTP {
		p := fabric.NewHTTPProvider(transport.NewClient(&cfg, metrics, errs))
		slog.Info("using http fabric", "url", cfg.FabricURL)
		return p, p
	}
	p := fabric.NewKubeProvider(client, cfg.Namespace, cfg.WorkerKind, cfg.WorkerName, metrics)
	slog.Info("using kubernetes fabric", "kind", cfg.WorkerKind, "name", cfg.WorkerName, "namespace", cfg.Namespace)
	return p, p
}

// dcgmEndpoints prefers the static override, then the informer-backed targets.
func dcgmEndpoints(cfg config.Config, targets *collector.PodTargetCollector) func(context.Context) []string {
	if len(cfg.DCGMExporterEndpoints) > 0 {
		urls := staticURLs(cfg.DCGMExporterEndpoints, cfg.DCGMExporterPort)
		return func(context.Context) []string { return urls }
	}
	return func(context.Context) []string { return targets.URLs(cfg.DCGMExporterPort) }
}

// engineEndpoints maps engine pods to scrape targets, carrying the priority label.
func engineEndpoints(cfg config.Config, targets *collector.PodTargetCollector) func(context.Context) []telemetry.EngineEndpoint {
	if len(cfg.EngineEndpoints) > 0 {
		urls := staticURLs(cfg.EngineEndpoints, 0)
		return func(context.Context) []telemetry.EngineEndpoint {
			out := make([]telemetry.EngineEndpoint, 0, len(urls))
			for _, u := range urls {
				out = append(out, telemetry.EngineEndpoint{URL: u})
			}
			return out
		}
	}
	return func(context.Context) []telemetry.EngineEndpoint {
		eps := targets.Endpoints()
		out := make([]telemetry.EngineEndpoint, 0, len(eps))
		for _, ep := range eps {
			e := telemetry.EngineEndpoint{URL: ep.URL(cfg.EnginePort), Namespace: ep.Namespace, Pod: ep.Pod}
			if ep.Priority != "" {
				if p, err := model.ParsePriority(ep.Priority); err == nil {
					e.Priority = p
				} else {
					slog.Debug("ignoring priority label", "pod", ep.Pod, "error", err)
				}
			}
			out = append(out, e)
		}
		return out
	}
}

// staticURLs turns host or host:port overrides into base URLs. port 0 means
// the entries already carry a port.
func staticURLs(hosts []string, port int) []string {
	urls := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if port > 0 {
			urls = append(urls, fmt.Sprintf("http://%s:%d", h, port))
		} else {
			urls = append(urls, "http://"+h)
		}
	}
	return urls
}

func preload(ctx context.Context, models *lifecycle.Manager, ids []string) {
	for _, id := range ids {
		res, err := models.Load(ctx, id)
		if err != nil {
			slog.Error("model preload failed", "model_id", id, "error", err)
			continue
		}
		slog.Info("model preloaded", "model_id", id, "memory_bytes", res.Instance.MemoryBytes, "evicted", res.Evicted)
	}
}

// logEvents mirrors bus events into the debug log until the bus closes.
func logEvents(sub *events.Subscription) {
	for ev := range sub.C() {
		slog.Debug("event", "type", ev.Type, "id", ev.ID)
	}
}

// buildKubeConfig creates a Kubernetes REST config.
// It tries in-cluster config first, then falls back to kubeconfig file
// (from $KUBECONFIG or the default ~/.kube/config).
func buildKubeConfig() *rest.Config {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		slog.Info("using in-cluster kubernetes config")
		return cfg
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}

	cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		slog.Error("failed to build kubernetes config", "error", err)
		os.Exit(1)
	}
	slog.Info("using kubeconfig file", "path", kubeconfig)
	return cfg
}
