package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/lifecycle"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

const defaultAlertLimit = 100

// ReadinessChecker reports whether the scaler has completed a cycle.
type ReadinessChecker interface {
	IsReady() bool
}

// DecisionProvider returns the latest scaling decision, or nil.
type DecisionProvider interface {
	LatestDecision() any
}

// ModelLister returns the loaded model instances.
type ModelLister interface {
	Instances() []model.ModelInstance
}

// AlertLister returns the newest n alerts, oldest first.
type AlertLister interface {
	Recent(n int) []model.ResourceAlert
}

// ErrorLister returns the active operator-facing errors.
type ErrorLister interface {
	GetActiveErrors() []errors.AgentError
}

// ModelAdmin loads and unloads models on operator request.
// *lifecycle.Manager implements it.
type ModelAdmin interface {
	Load(ctx context.Context, id string) (lifecycle.LoadResult, error)
	Unload(ctx context.Context, id string) error
}

// DebugSources backs the /debug endpoints. Nil fields answer 204.
type DebugSources struct {
	Decisions DecisionProvider
	Models    ModelLister
	Alerts    AlertLister
	Errors    ErrorLister
	Admin     ModelAdmin
}

// Server exposes health, readiness, metrics, and debug endpoints.
type Server struct {
	httpServer *http.Server
	metrics    *observability.Metrics
	readiness  ReadinessChecker
	debug      DebugSources
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof and debug endpoints are registered.
func NewServer(port int, metrics *observability.Metrics, readiness ReadinessChecker, debug DebugSources, enableDebug bool) *Server {
	s := &Server{
		metrics:   metrics,
		readiness: readiness,
		debug:     debug,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if enableDebug {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		mux.HandleFunc("/debug/decision", s.handleDebugDecision)
		mux.HandleFunc("/debug/models", s.handleDebugModels)
		mux.HandleFunc("/debug/alerts", s.handleDebugAlerts)
		mux.HandleFunc("/debug/errors", s.handleDebugErrors)
		mux.HandleFunc("POST /debug/models/{id}/load", s.handleModelLoad)
		mux.HandleFunc("POST /debug/models/{id}/unload", s.handleModelUnload)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.readiness.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"ready": ready})
}

func (s *Server) handleDebugDecision(w http.ResponseWriter, _ *http.Request) {
	if s.debug.Decisions == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	d := s.debug.Decisions.LatestDecision()
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDebugModels(w http.ResponseWriter, _ *http.Request) {
	if s.debug.Models == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s.debug.Models.Instances())
}

// handleDebugAlerts serves the newest alerts; ?limit=n overrides the default.
func (s *Server) handleDebugAlerts(w http.ResponseWriter, r *http.Request) {
	if s.debug.Alerts == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.debug.Alerts.Recent(limit))
}

func (s *Server) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	if s.debug.Errors == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s.debug.Errors.GetActiveErrors())
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	if s.debug.Admin == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	res, err := s.debug.Admin.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, adminStatus(err), map[string]any{"error": err.Error(), "evicted": res.Evicted})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	if s.debug.Admin == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.debug.Admin.Unload(r.Context(), r.PathValue("id")); err != nil {
		writeJSON(w, adminStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func adminStatus(err error) int {
	switch {
	case stderrors.Is(err, errors.UnknownModel):
		return http.StatusNotFound
	case stderrors.Is(err, errors.InsufficientMemory):
		return http.StatusConflict
	case stderrors.Is(err, errors.EmergencyModeActive):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
