// Package api exposes the ingestion and dashboard HTTP surface: agents push
// telemetry batches, the dashboard reads state over REST and receives pushes
// over /ws.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argus-siem/argus/internal/auth"
	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/config"
	"github.com/argus-siem/argus/internal/metrics"
	"github.com/argus-siem/argus/internal/ml"
	"github.com/argus-siem/argus/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second

	// maxBodyBytes bounds a single ingest request after decompression.
	maxBodyBytes = 16 << 20
)

// Server owns the router and the liveness machinery.
type Server struct {
	cfg       config.ServerConfig
	store     *store.Store
	auth      *auth.Service
	bus       bus.Bus
	detector  *ml.Detector
	met       *metrics.Server
	retention store.RetentionPolicy

	liveness *livenessTracker
	limiter  *deviceLimiter
	idem     *idempotencyCache
}

func NewServer(cfg config.ServerConfig, st *store.Store, authSvc *auth.Service,
	b bus.Bus, detector *ml.Detector, met *metrics.Server,
	retention store.RetentionPolicy, livenessWindow time.Duration) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		auth:      authSvc,
		bus:       b,
		detector:  detector,
		met:       met,
		retention: retention,
		liveness:  newLivenessTracker(st, b, met, livenessWindow),
		limiter:   newDeviceLimiter(),
		idem:      newIdempotencyCache(),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)

	// Unauthenticated surface.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/auth/login", withDeadline(dashboardDeadline, http.HandlerFunc(s.handleLogin))).Methods("POST")
	r.HandleFunc("/auth/signup", withDeadline(dashboardDeadline, http.HandlerFunc(s.handleSignup))).Methods("POST")
	r.HandleFunc("/agent/register", withDeadline(registerDeadline, http.HandlerFunc(s.handleAgentRegister))).Methods("POST")

	// Agent surface: device tokens.
	r.Handle("/agent/heartbeat",
		s.authenticate(withDeadline(heartbeatDeadline, http.HandlerFunc(s.handleHeartbeat)))).Methods("POST")
	agentAPI := r.PathPrefix("/api").Subrouter()
	agentAPI.Use(s.authenticate)
	agentAPI.HandleFunc("/ingest/batch", withDeadline(ingestDeadline, http.HandlerFunc(s.handleIngest))).Methods("POST")

	// Dashboard surface: analyst and up unless noted.
	dash := r.PathPrefix("/api").Subrouter()
	dash.Use(s.authenticate, deadlineMiddleware(dashboardDeadline))
	dash.HandleFunc("/devices", s.requireRole(store.RoleAnalyst, s.handleListDevices)).Methods("GET")
	dash.HandleFunc("/devices/{id}", s.requireRole(store.RoleAnalyst, s.handleGetDevice)).Methods("GET")
	dash.HandleFunc("/devices/{id}/disable", s.requireRole(store.RoleAdmin, s.handleDisableDevice)).Methods("POST")
	dash.HandleFunc("/devices/{id}/logs", s.requireRole(store.RoleAnalyst, s.handleDeviceLogs)).Methods("GET")
	dash.HandleFunc("/devices/{id}/metrics", s.requireRole(store.RoleAnalyst, s.handleDeviceMetrics)).Methods("GET")
	dash.HandleFunc("/devices/{id}/processes", s.requireRole(store.RoleAnalyst, s.handleDeviceProcesses)).Methods("GET")
	dash.HandleFunc("/devices/{id}/commands", s.requireRole(store.RoleAnalyst, s.handleDeviceCommands)).Methods("GET")

	dash.HandleFunc("/alerts", s.requireRole(store.RoleAnalyst, s.handleListAlerts)).Methods("GET")
	dash.HandleFunc("/alerts/{id}", s.requireRole(store.RoleAnalyst, s.handleGetAlert)).Methods("GET")
	dash.HandleFunc("/alerts/{id}/assign", s.requireRole(store.RoleAnalyst, s.handleAssignAlert)).Methods("POST")
	dash.HandleFunc("/alerts/{id}/resolve", s.requireRole(store.RoleAnalyst, s.handleResolveAlert)).Methods("POST")
	dash.HandleFunc("/incidents", s.requireRole(store.RoleAnalyst, s.handleListIncidents)).Methods("GET")
	dash.HandleFunc("/incidents/{id}/status", s.requireRole(store.RoleAnalyst, s.handleIncidentStatus)).Methods("POST")

	dash.HandleFunc("/users", s.requireRole(store.RoleAdmin, s.handleCreateUser)).Methods("POST")
	dash.HandleFunc("/users/{id}/role", s.requireRole(store.RoleOwner, s.handleSetUserRole)).Methods("POST")
	dash.HandleFunc("/invitations", s.requireRole(store.RoleAdmin, s.handleIssueInvitation)).Methods("POST")

	dash.HandleFunc("/ml/status", s.requireRole(store.RoleAdmin, s.handleMLStatus)).Methods("GET")
	dash.HandleFunc("/ml/detect", s.requireRole(store.RoleAdmin, s.handleMLDetect)).Methods("POST")

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(s.authenticate)
	ws.HandleFunc("", s.requireRole(store.RoleAnalyst, s.handleWebSocket)).Methods("GET")

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests. The
// liveness tracker runs alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	go s.liveness.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("[API] listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("[API] draining connections")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"ml":     s.detector.Enabled(),
	}
	writeJSON(w, http.StatusOK, status)
}

// ==================== Response helpers ====================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] response encode failed", "error", err)
	}
}

type apiError struct {
	Error    string `json:"error"`
	BadIndex *int   `json:"bad_index,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func writeBatchError(w http.ResponseWriter, status int, msg string, badIndex int) {
	writeJSON(w, status, apiError{Error: msg, BadIndex: &badIndex})
}
