package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/homepulse/internal/buildinfo"
	"github.com/nugget/homepulse/internal/connwatch"
	"github.com/nugget/homepulse/internal/metrics"
)

// readinessFunc reports whether the pipeline is ready and, when not, a
// short reason for the 503 body.
type readinessFunc func() (bool, string)

// healthServer serves the operational surface: liveness, readiness,
// and a JSON metrics snapshot.
type healthServer struct {
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Registry
	watch   *connwatch.Manager
	ready   readinessFunc
	state   func() string
}

func newHealthServer(port int, reg *metrics.Registry, watch *connwatch.Manager, state func() string, ready readinessFunc, logger *slog.Logger) *healthServer {
	h := &healthServer{
		logger:  logger,
		metrics: reg,
		watch:   watch,
		ready:   ready,
		state:   state,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.HandleFunc("GET /metrics", h.handleMetrics)

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return h
}

// start begins serving in the background. Listen errors are returned
// synchronously so a busy port fails startup instead of surfacing
// minutes later.
func (h *healthServer) start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", h.server.Addr, err)
	}
	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server failed", "error", err)
		}
	}()
	h.logger.Info("health endpoint listening", "addr", h.server.Addr)
	return nil
}

func (h *healthServer) shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// handleHealth is liveness: the process is up and can answer. It never
// returns 503; use /ready for gating traffic.
func (h *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         buildinfo.Version,
		"uptime":          buildinfo.Uptime().Truncate(time.Second).String(),
		"connector_state": h.state(),
		"dependencies":    h.watch.Status(),
	})
}

func (h *healthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ok, reason := h.ready()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *healthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
