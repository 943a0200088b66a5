// Package selfmetrics exposes the process's own operational health over
// Prometheus. This is distinct from internal/metricsseries, which is
// the product's domain time-series model (bounded rings with windowed
// aggregation) read back out through the HTTP API.
package selfmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application's own Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	storeCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskstream",
			Subsystem: "store",
			Name:      "command_duration_seconds",
			Help:      "Duration of Store Gateway commands.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"command", "result"},
	)

	storeHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskstream",
		Subsystem: "store",
		Name:      "healthy",
		Help:      "1 if the store gateway health check is healthy, 0.5 degraded, 0 unhealthy.",
	})

	progressEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskstream",
			Subsystem: "progress",
			Name:      "events_published_total",
			Help:      "Progress engine events published on progress_updates, by event kind.",
		},
		[]string{"kind"},
	)

	hubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskstream",
		Subsystem: "hub",
		Name:      "active_connections",
		Help:      "Currently registered Fan-out Hub connections.",
	})

	hubSendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskstream",
		Subsystem: "hub",
		Name:      "send_duration_seconds",
		Help:      "Per-connection frame send latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	hubFramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskstream",
			Subsystem: "hub",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped under backpressure, by frame type.",
		},
		[]string{"type"},
	)

	alertEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskstream",
			Subsystem: "alert",
			Name:      "evaluations_total",
			Help:      "Alert rule evaluations, by triggered result.",
		},
		[]string{"triggered"},
	)

	activeAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskstream",
			Subsystem: "alert",
			Name:      "active",
			Help:      "Currently active alerts, by severity.",
		},
		[]string{"severity"},
	)

	optimizerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskstream",
			Subsystem: "optimizer",
			Name:      "actions_total",
			Help:      "Optimizer actions applied, by action kind and success.",
		},
		[]string{"action", "success"},
	)

	optimizerImpactScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskstream",
		Subsystem: "optimizer",
		Name:      "impact_score",
		Help:      "Impact score computed for each applied optimization action.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})
)

func init() {
	Registry.MustRegister(
		storeCommandDuration,
		storeHealth,
		progressEventsPublished,
		hubConnections,
		hubSendDuration,
		hubFramesDropped,
		alertEvaluations,
		activeAlerts,
		optimizerActions,
		optimizerImpactScore,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveStoreCommand records a Store Gateway command outcome.
func ObserveStoreCommand(command, result string, seconds float64) {
	storeCommandDuration.WithLabelValues(command, result).Observe(seconds)
}

// SetStoreHealth records the Store Gateway's last health-check outcome.
func SetStoreHealth(score float64) {
	storeHealth.Set(score)
}

// IncProgressEvent records one published progress event of the given kind.
func IncProgressEvent(kind string) {
	progressEventsPublished.WithLabelValues(kind).Inc()
}

// SetHubConnections records the current connection count.
func SetHubConnections(n int) {
	hubConnections.Set(float64(n))
}

// ObserveHubSend records one frame send's latency.
func ObserveHubSend(seconds float64) {
	hubSendDuration.Observe(seconds)
}

// IncHubFramesDropped records frames dropped under backpressure.
func IncHubFramesDropped(frameType string, n int) {
	hubFramesDropped.WithLabelValues(frameType).Add(float64(n))
}

// IncAlertEvaluation records one rule evaluation outcome.
func IncAlertEvaluation(triggered bool) {
	alertEvaluations.WithLabelValues(boolLabel(triggered)).Inc()
}

// SetActiveAlerts records the current active-alert count for a severity.
func SetActiveAlerts(severity string, n int) {
	activeAlerts.WithLabelValues(severity).Set(float64(n))
}

// IncOptimizerAction records one applied optimization action.
func IncOptimizerAction(action string, success bool) {
	optimizerActions.WithLabelValues(action, boolLabel(success)).Inc()
}

// ObserveOptimizerImpact records an optimization action's impact score.
func ObserveOptimizerImpact(score float64) {
	optimizerImpactScore.Observe(score)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
