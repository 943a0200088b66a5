package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/taskstream/internal/alerts"
	"github.com/R3E-Network/taskstream/internal/hub"
	"github.com/R3E-Network/taskstream/internal/metricsseries"
	"github.com/R3E-Network/taskstream/internal/optimizer"
	"github.com/R3E-Network/taskstream/internal/progress"
	"github.com/R3E-Network/taskstream/internal/store"
)

type testEnv struct {
	server   *httptest.Server
	progress *progress.Engine
	series   *metricsseries.Store
	alerts   *alerts.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := store.NewFromClient(client, store.Config{MaxRetries: 2, OpTimeout: time.Second, Deadline: 2 * time.Second}, nil)

	pe := progress.New(gw, nil, progress.DefaultConfig())
	series := metricsseries.New(gw, nil, 100)
	h := hub.New(hub.DefaultConfig(), pe, nil, nil)
	ae := alerts.New(gw, series, nil, alerts.DefaultConfig())
	opt := optimizer.New(gw, nil, optimizer.DefaultConfig())

	api := NewServer(Deps{Store: gw, Progress: pe, Series: series, Hub: h, Alerts: ae, Optimizer: opt})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, progress: pe, series: series, alerts: ae}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpointReportsStoreState(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]interface{}
	code := getJSON(t, env.server.URL+"/health", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", body["store"])
}

func TestTaskDetailsReturns404ForUnknownTask(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]string
	code := getJSON(t, env.server.URL+"/tasks/nope/details", &body)
	require.Equal(t, http.StatusNotFound, code)
	require.NotEmpty(t, body["error"])
}

func TestTaskDetailsReturnsTaskWithTimeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.progress.CreateTask(ctx, "t1", progress.KindDownload, []string{"downloading"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.progress.StartStage(ctx, "t1", "downloading", 1000, "begin"))

	var body struct {
		Task struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"task"`
		Timeline []map[string]interface{} `json:"timeline"`
	}
	code := getJSON(t, env.server.URL+"/tasks/t1/details", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "t1", body.Task.ID)
	require.Equal(t, "running", body.Task.Status)
	require.NotEmpty(t, body.Timeline)
}

func TestActiveTasksListsLiveTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.progress.CreateTask(ctx, "t1", progress.KindDownload, []string{"downloading"}, nil, nil)
	require.NoError(t, err)

	var body []map[string]interface{}
	code := getJSON(t, env.server.URL+"/tasks/active", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body, 1)
	require.Equal(t, "t1", body[0]["id"])
}

func TestMetricEndpointReturns404ForUnknownSeries(t *testing.T) {
	env := newTestEnv(t)
	code := getJSON(t, env.server.URL+"/metrics/not-a-series", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestMetricEndpointAggregatesRecordedPoints(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	for _, v := range []float64{10, 20, 30} {
		env.series.Record(context.Background(), "cpu-usage", v, nil, now)
	}

	var body map[string]float64
	code := getJSON(t, env.server.URL+"/metrics/cpu-usage?time_window=300", &body)
	require.Equal(t, http.StatusOK, code)
	require.InDelta(t, 20.0, body["avg"], 0.001)
	require.InDelta(t, 30.0, body["max"], 0.001)
	require.InDelta(t, 3.0, body["count"], 0.001)
}

func TestMetricHistoryReturnsRequestedResolution(t *testing.T) {
	env := newTestEnv(t)
	env.series.Record(context.Background(), "cpu-usage", 42, nil, time.Now().UTC())

	var body struct {
		Name    string     `json:"name"`
		Buckets []*float64 `json:"buckets"`
	}
	code := getJSON(t, env.server.URL+"/metrics/cpu-usage/history?hours=1&resolution=12", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cpu-usage", body.Name)
	require.Len(t, body.Buckets, 12)
}

func TestAcknowledgeUnknownAlertReturns404(t *testing.T) {
	env := newTestEnv(t)
	code := postJSON(t, env.server.URL+"/alerts/nope/acknowledge?acknowledged_by=ops", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestAlertsEndpointFiltersBySeverity(t *testing.T) {
	env := newTestEnv(t)

	var body []map[string]interface{}
	code := getJSON(t, env.server.URL+"/alerts?level=critical", &body)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body)
}

func TestRefreshInvalidatesDashboardCache(t *testing.T) {
	env := newTestEnv(t)

	code := getJSON(t, env.server.URL+"/data", nil)
	require.Equal(t, http.StatusOK, code)

	var body map[string]string
	code = postJSON(t, env.server.URL+"/refresh", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "refreshed", body["status"])
}

func TestSummaryReturnsExecutiveSlice(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		ActiveTaskCount int    `json:"active_task_count"`
		SystemHealth    string `json:"system_health"`
	}
	code := getJSON(t, env.server.URL+"/summary", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", body.SystemHealth)
}

func TestOptimizationStatusWithoutBaseline(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		BaselineEstablished bool `json:"baseline_established"`
	}
	code := getJSON(t, env.server.URL+"/optimization/status", &body)
	require.Equal(t, http.StatusOK, code)
	require.False(t, body.BaselineEstablished)
}
