package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/metrics"
)

// Run phases reported on /health.
const (
	phaseStarting    = "starting"
	phaseDiscovering = "discovering"
	phaseBuilding    = "building"
	phaseDone        = "done"
	phaseFailed      = "failed"
)

const shutdownTimeout = 5 * time.Second

type healthStatus struct {
	Status string `json:"status"`
	Mode   Mode   `json:"mode"`
	Phase  string `json:"phase"`
}

func (app *App) setPhase(phase string) {
	app.phase.Store(phase)
	ctxlog.FromContext(app.ctx).Debug("Run phase changed.", "phase", phase)
}

func (app *App) currentPhase() string {
	if p, ok := app.phase.Load().(string); ok {
		return p
	}
	return phaseStarting
}

// healthHandler reports liveness together with the phase the run is in.
func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(app.ctx).Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	status := healthStatus{Status: "ok", Phase: app.currentPhase()}
	if app.config != nil {
		status.Mode = app.config.Mode
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// statusMux serves /health and the Prometheus collectors on /metrics.
func (app *App) statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", app.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// healthCheckServer starts the status server in the background when a port
// is configured.
func (app *App) healthCheckServer() {
	logger := ctxlog.FromContext(app.ctx)
	if app.config.HealthcheckPort <= 0 {
		logger.Debug("Health check server not started: disabled")
		return
	}

	addr := fmt.Sprintf(":%d", app.config.HealthcheckPort)
	app.httpServer = &http.Server{
		Addr:              addr,
		Handler:           app.statusMux(),
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		// ErrServerClosed is the normal result of Shutdown.
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
}

func (app *App) closeHealthCheckServer() error {
	logger := ctxlog.FromContext(app.ctx)
	if app.httpServer == nil {
		return nil
	}

	// The run context may already be canceled by a signal.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(app.ctx), shutdownTimeout)
	defer cancel()

	logger.Info("🩺 Shutting down health check server...")
	if err := app.httpServer.Shutdown(ctx); err != nil {
		logger.Error("Health check server shutdown failed", "error", err)
		return err
	}
	return nil
}
