package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/taskstream/internal/metricsseries"
)

func newTestEngine(t *testing.T) (*Engine, *metricsseries.Store) {
	t.Helper()
	series := metricsseries.New(nil, nil, 100)
	e := New(nil, series, nil, Config{EvalInterval: time.Second, EscalationInterval: time.Second, MaintenanceInterval: time.Hour})
	// Clear built-ins so tests control exactly which rules are active.
	e.mu.Lock()
	e.rules = make(map[string]*AlertRule)
	e.mu.Unlock()
	return e, series
}

func TestEvaluateCreatesActiveAlertOnMinOccurrences(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10,
		EvaluationWindowMinutes: 5, MinOccurrences: 3, EscalationTimeMinutes: 15,
		Severity: SeverityMedium, NotifyChannels: []string{"log"}, Enabled: true,
	}))

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		series.Record(ctx, "m1", 20, nil, now.Add(time.Duration(i)*time.Second))
	}

	require.NoError(t, e.Evaluate(ctx))

	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.Equal(t, StatusActive, alerts[0].Status)
}

func TestEvaluateDoesNotTriggerBelowMinOccurrences(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10,
		EvaluationWindowMinutes: 5, MinOccurrences: 5, Enabled: true,
	}))
	series.Record(ctx, "m1", 20, nil, time.Now())

	require.NoError(t, e.Evaluate(ctx))
	require.Empty(t, e.ActiveAlerts())
}

func TestEvaluateResolvesWhenConditionClears(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10,
		EvaluationWindowMinutes: 5, MinOccurrences: 1, Enabled: true,
	}))

	series.Record(ctx, "m1", 20, nil, time.Now())
	require.NoError(t, e.Evaluate(ctx))
	require.Len(t, e.ActiveAlerts(), 1)

	// Condition clears: new low point, no longer satisfies operator.
	series2 := metricsseries.New(nil, nil, 100)
	e.series = series2
	series2.Record(ctx, "m1", 1, nil, time.Now())

	require.NoError(t, e.Evaluate(ctx))
	require.Empty(t, e.ActiveAlerts())

	hist := e.History()
	require.Len(t, hist, 2) // created + resolved
	require.Equal(t, StatusResolved, hist[0].Status)
}

func TestSuppressedAlertGetsNoNotification(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10,
		EvaluationWindowMinutes: 5, MinOccurrences: 1, NotifyChannels: []string{"log"}, Enabled: true,
	}))
	e.Suppress("r1", "m1", time.Hour)
	var notified int
	e.OnAlert(func(a Alert, escalated bool) { notified++ })
	series.Record(ctx, "m1", 20, nil, time.Now())

	require.NoError(t, e.Evaluate(ctx))

	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.Equal(t, StatusSuppressed, alerts[0].Status)
	require.Zero(t, notified)
}

func TestEscalateSetsEscalatedAfterWindow(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10,
		EvaluationWindowMinutes: 5, MinOccurrences: 1, EscalationTimeMinutes: 0,
		Severity: SeverityMedium, EscalationChannels: []string{"log"}, Enabled: true,
	}))
	series.Record(ctx, "m1", 20, nil, time.Now())
	require.NoError(t, e.Evaluate(ctx))

	require.NoError(t, e.Escalate(ctx))

	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].Escalated)
	require.Equal(t, SeverityHigh, alerts[0].Severity) // medium -> high
}

func TestAcknowledgeMarksAlert(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10, MinOccurrences: 1, Enabled: true,
	}))
	series.Record(ctx, "m1", 20, nil, time.Now())
	require.NoError(t, e.Evaluate(ctx))

	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.NoError(t, e.Acknowledge(alerts[0].ID, "ops"))

	acked := e.ActiveAlerts()
	require.Equal(t, StatusAcknowledged, acked[0].Status)
}

func TestOperatorSatisfied(t *testing.T) {
	cases := []struct {
		op        Operator
		value     float64
		threshold float64
		want      bool
	}{
		{OpGreaterThan, 11, 10, true},
		{OpGreaterThan, 10, 10, false},
		{OpGreaterThanOrEqual, 10, 10, true},
		{OpLessThan, 9, 10, true},
		{OpLessThanOrEqual, 10, 10, true},
		{OpEqual, 10, 10, true},
		{OpEqual, 9, 10, false},
		{OpNotEqual, 9, 10, true},
		{OpNotEqual, 10, 10, false},
		{Operator("bogus"), 10, 10, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.op.satisfied(c.value, c.threshold), "%s(%v, %v)", c.op, c.value, c.threshold)
	}
}

func TestEvaluateTriggersOnNotEqual(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "heartbeat-flat", Metric: "m1", Operator: OpNotEqual, Threshold: 0,
		EvaluationWindowMinutes: 5, MinOccurrences: 2, Enabled: true,
	}))

	now := time.Now().UTC()
	series.Record(ctx, "m1", 3, nil, now.Add(-2*time.Second))
	series.Record(ctx, "m1", 7, nil, now.Add(-time.Second))

	require.NoError(t, e.Evaluate(ctx))
	require.Len(t, e.ActiveAlerts(), 1)
}

func TestAcknowledgeTwiceIsANoOp(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10, MinOccurrences: 1, Enabled: true,
	}))
	series.Record(ctx, "m1", 20, nil, time.Now())
	require.NoError(t, e.Evaluate(ctx))

	id := e.ActiveAlerts()[0].ID
	require.NoError(t, e.Acknowledge(id, "ops"))
	require.ErrorIs(t, e.Acknowledge(id, "ops"), ErrAlreadyAcknowledged)
}

func TestMaintainResolvesStaleAlertsAndClearsSuppressions(t *testing.T) {
	e, series := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.RegisterRule(ctx, AlertRule{
		ID: "r1", Metric: "m1", Operator: OpGreaterThan, Threshold: 10, MinOccurrences: 1, Enabled: true,
	}))
	series.Record(ctx, "m1", 20, nil, time.Now())
	require.NoError(t, e.Evaluate(ctx))

	// Backdate the alert past the stale-resolution age and plant an
	// already-expired suppression.
	e.mu.Lock()
	for _, a := range e.active {
		a.FirstOccurrence = time.Now().UTC().Add(-25 * time.Hour)
	}
	e.suppressions["r2|m2"] = suppression{expiresAt: time.Now().UTC().Add(-time.Minute)}
	e.mu.Unlock()

	require.NoError(t, e.Maintain(ctx))

	require.Empty(t, e.ActiveAlerts())
	hist := e.History()
	require.Equal(t, StatusResolved, hist[0].Status)
	require.Equal(t, "stale", hist[0].Metadata["reason"])

	e.mu.RLock()
	_, stillThere := e.suppressions["r2|m2"]
	e.mu.RUnlock()
	require.False(t, stillThere)
}

func TestRemoveRuleReturnsNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.RemoveRule(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRuleNotFound)
}
