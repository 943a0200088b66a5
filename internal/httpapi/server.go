// Package httpapi is the thin HTTP read API: JSON handlers that
// delegate to the Progress Engine, Metric Series Store, Fan-out Hub, Alert
// Engine, Performance Optimizer and Store Gateway. It owns no state of its
// own beyond a dashboard-composite cache.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/taskstream/internal/alerts"
	"github.com/R3E-Network/taskstream/internal/hub"
	"github.com/R3E-Network/taskstream/internal/metricsseries"
	"github.com/R3E-Network/taskstream/internal/optimizer"
	"github.com/R3E-Network/taskstream/internal/progress"
	"github.com/R3E-Network/taskstream/internal/store"
	"github.com/R3E-Network/taskstream/pkg/logger"
	"github.com/R3E-Network/taskstream/pkg/selfmetrics"
)

// Server holds the dependencies the read API delegates to.
type Server struct {
	store    *store.Gateway
	progress *progress.Engine
	series   *metricsseries.Store
	hub      *hub.Hub
	alerts   *alerts.Engine
	opt      *optimizer.Optimizer
	log      *logger.Logger
	start    time.Time

	cacheMu    sync.Mutex
	cachedData *dashboardData
	cachedAt   time.Time
}

// Deps bundles every core component the API reads from.
type Deps struct {
	Store     *store.Gateway
	Progress  *progress.Engine
	Series    *metricsseries.Store
	Hub       *hub.Hub
	Alerts    *alerts.Engine
	Optimizer *optimizer.Optimizer
	Log       *logger.Logger
}

// NewServer constructs the Server and wires its deps.
func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.NewDefault("httpapi")
	}
	return &Server{
		store: d.Store, progress: d.Progress, series: d.Series,
		hub: d.Hub, alerts: d.Alerts, opt: d.Optimizer, log: d.Log,
		start: time.Now().UTC(),
	}
}

// Router builds the mux.Router exposing every read endpoint plus the two
// streaming transports.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(s.log))
	r.Use(recoveryMiddleware(s.log))

	r.HandleFunc("/data", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/tasks/active", s.handleActiveTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/details", s.handleTaskDetails).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetricsSummary).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{name}", s.handleMetric).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{name}/history", s.handleMetricHistory).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/optimization/status", s.handleOptimizationStatus).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleSSE).Methods(http.MethodGet)

	// The process's own Prometheus telemetry. /metrics is taken by the
	// domain series summary above, so the operational registry lives one
	// path down.
	r.Handle("/internal/metrics", selfmetrics.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWebSocket(w, r)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeSSE(w, r)
}
