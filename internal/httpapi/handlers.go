package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/taskstream/internal/alerts"
	"github.com/R3E-Network/taskstream/internal/metricsseries"
	"github.com/R3E-Network/taskstream/internal/store"
)

// dashboardData is the GET /data composite payload.
type dashboardData struct {
	Summary        summaryData                 `json:"summary"`
	ActiveTasks    []activeTaskSummary         `json:"active_tasks"`
	MetricsSummary map[string]metricSummaryRow `json:"metrics_summary"`
	Alerts         []alerts.Alert              `json:"alerts"`
	SystemHealth   string                      `json:"system_health"`
	UptimeSeconds  float64                     `json:"uptime_seconds"`
	GeneratedAt    time.Time                   `json:"generated_at"`
}

type summaryData struct {
	ActiveTaskCount int    `json:"active_task_count"`
	ActiveAlerts    int    `json:"active_alerts"`
	SystemHealth    string `json:"system_health"`
}

type activeTaskSummary struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	Percentage float64 `json:"percentage"`
}

type metricSummaryRow struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

const dashboardCacheTTL = 5 * time.Second

func (s *Server) buildDashboard(r *http.Request) *dashboardData {
	ctx := r.Context()

	ids, _ := s.progress.GetActiveTaskIDs(ctx)
	active := make([]activeTaskSummary, 0, len(ids))
	for _, id := range ids {
		task, err := s.progress.GetTask(ctx, id)
		if err != nil || task == nil {
			continue
		}
		agg, _ := s.progress.GetAggregate(ctx, id)
		pct := 0.0
		if agg != nil {
			pct = agg.Percentage
		}
		active = append(active, activeTaskSummary{ID: task.ID, Kind: string(task.Kind), Status: string(task.Status), Percentage: pct})
	}

	metricsSummary := make(map[string]metricSummaryRow)
	for _, name := range s.series.Names() {
		avg, _ := s.series.Aggregate(name, metricsseries.OpAvg, 5*time.Minute)
		max, _ := s.series.Aggregate(name, metricsseries.OpMax, 5*time.Minute)
		metricsSummary[name] = metricSummaryRow{Avg: avg, Max: max}
	}

	activeAlerts := s.alerts.ActiveAlerts()
	health := s.store.Health(ctx)

	return &dashboardData{
		Summary: summaryData{
			ActiveTaskCount: len(active),
			ActiveAlerts:    len(activeAlerts),
			SystemHealth:    string(health.State),
		},
		ActiveTasks:    active,
		MetricsSummary: metricsSummary,
		Alerts:         activeAlerts,
		SystemHealth:   string(health.State),
		UptimeSeconds:  time.Since(s.start).Seconds(),
		GeneratedAt:    time.Now().UTC(),
	}
}

// handleDashboard serves the composite dashboard view, cached for
// dashboardCacheTTL so repeated polling clients don't each trigger a full
// fan-out of reads.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.cacheMu.Lock()
	if s.cachedData != nil && time.Since(s.cachedAt) < dashboardCacheTTL {
		data := s.cachedData
		s.cacheMu.Unlock()
		writeJSON(w, http.StatusOK, data)
		return
	}
	s.cacheMu.Unlock()

	data := s.buildDashboard(r)

	s.cacheMu.Lock()
	s.cachedData = data
	s.cachedAt = time.Now()
	s.cacheMu.Unlock()

	writeJSON(w, http.StatusOK, data)
}

// handleSummary serves only the executive-summary slice.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	data := s.buildDashboard(r)
	writeJSON(w, http.StatusOK, data.Summary)
}

// handleRefresh invalidates the dashboard cache.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.cacheMu.Lock()
	s.cachedData = nil
	s.cacheMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// handleActiveTasks serves the raw active task list.
func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.progress.GetActiveTaskIDs(ctx)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tasks := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		task, err := s.progress.GetTask(ctx, id)
		if err != nil || task == nil {
			continue
		}
		tasks = append(tasks, task)
	}
	writeJSON(w, http.StatusOK, tasks)
}

type taskDetails struct {
	Task      interface{} `json:"task"`
	Aggregate interface{} `json:"aggregate"`
	Timeline  interface{} `json:"timeline"`
}

// handleTaskDetails serves a task's full record, aggregate and timeline;
// 404 if unknown.
func (s *Server) handleTaskDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	task, err := s.progress.GetTask(ctx, id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		jsonError(w, http.StatusNotFound, "task not found")
		return
	}

	agg, _ := s.progress.GetAggregate(ctx, id)
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	timeline, _ := s.progress.GetTimeline(ctx, id, limit, offset)

	writeJSON(w, http.StatusOK, taskDetails{Task: task, Aggregate: agg, Timeline: timeline})
}

// handleMetricsSummary serves the cross-series summary.
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	names := s.series.Names()
	out := make(map[string]metricSummaryRow, len(names))
	for _, name := range names {
		avg, _ := s.series.Aggregate(name, metricsseries.OpAvg, 5*time.Minute)
		max, _ := s.series.Aggregate(name, metricsseries.OpMax, 5*time.Minute)
		out[name] = metricSummaryRow{Avg: avg, Max: max}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMetric serves one series' aggregation across ops.
func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	windowSeconds := queryInt(r, "time_window", 300)
	window := time.Duration(windowSeconds) * time.Second

	out := make(map[string]interface{})
	for _, op := range []metricsseries.AggregateOp{
		metricsseries.OpAvg, metricsseries.OpMin, metricsseries.OpMax,
		metricsseries.OpSum, metricsseries.OpCount, metricsseries.OpP95, metricsseries.OpP99,
	} {
		if v, ok := s.series.Aggregate(name, op, window); ok {
			out[string(op)] = v
		}
	}
	if len(out) == 0 {
		jsonError(w, http.StatusNotFound, "unknown series")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMetricHistory serves bucketed history.
func (s *Server) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	hours := queryInt(r, "hours", 1)
	resolution := queryInt(r, "resolution", 60)

	window := time.Duration(hours) * time.Hour
	history := s.series.History(name, window, resolution)
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "buckets": history})
}

// handleAlerts serves the filtered active alert list.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	limit := queryInt(r, "limit", 0)

	active := s.alerts.ActiveAlerts()
	filtered := make([]alerts.Alert, 0, len(active))
	for _, a := range active {
		if level != "" && string(a.Severity) != level {
			continue
		}
		filtered = append(filtered, a)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	writeJSON(w, http.StatusOK, filtered)
}

// handleAcknowledgeAlert acknowledges an active alert.
func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ackBy := r.URL.Query().Get("acknowledged_by")
	err := s.alerts.Acknowledge(id, ackBy)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "acknowledged_by": ackBy})
	case errors.Is(err, alerts.ErrAlreadyAcknowledged):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already acknowledged"})
	default:
		jsonError(w, http.StatusNotFound, err.Error())
	}
}

// handleHealth serves the component health roll-up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeHealth := s.store.Health(ctx)

	status := http.StatusOK
	if storeHealth.State == store.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"store":           string(storeHealth.State),
		"hub_connections": s.hub.Stats().ActiveConnections,
		"uptime_seconds":  time.Since(s.start).Seconds(),
	})
}

// handleOptimizationStatus serves the optimizer's baseline, rules and
// recent actions.
func (s *Server) handleOptimizationStatus(w http.ResponseWriter, r *http.Request) {
	baseline, ok := s.opt.Baseline()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"baseline_established": ok,
		"baseline":             baseline,
		"recent_actions":       s.opt.Actions(),
	})
}
