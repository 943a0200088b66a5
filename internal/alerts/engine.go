package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/taskstream/internal/alerts/channels"
	"github.com/R3E-Network/taskstream/internal/metricsseries"
	"github.com/R3E-Network/taskstream/internal/store"
	"github.com/R3E-Network/taskstream/pkg/logger"
	"github.com/R3E-Network/taskstream/pkg/selfmetrics"
)

// ErrRuleNotFound is returned when a rule id is unknown.
var ErrRuleNotFound = errors.New("alerts: rule not found")

const (
	ruleTTL            = 365 * 24 * time.Hour
	activeAlertTTL     = 24 * time.Hour
	maxHistory         = 10000
	historyRetention   = 30 * 24 * time.Hour
	staleResolutionAge = 24 * time.Hour
)

// Config tunes the Alert Engine.
type Config struct {
	EvalInterval        time.Duration
	EscalationInterval  time.Duration
	MaintenanceInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		EvalInterval:        30 * time.Second,
		EscalationInterval:  60 * time.Second,
		MaintenanceInterval: time.Hour,
	}
}

type suppression struct {
	expiresAt time.Time
}

// Engine is the Alert Engine.
type Engine struct {
	store  *store.Gateway
	series *metricsseries.Store
	log    *logger.Logger
	cfg    Config

	mu           sync.RWMutex
	rules        map[string]*AlertRule
	active       map[string]*Alert // keyed by ruleMetricKey
	history      []Alert
	suppressions map[string]suppression

	channelsMu sync.RWMutex
	channels   map[string]channels.Channel

	onAlert func(a Alert, escalated bool) // optional hub broadcast hook
}

// New constructs an Alert Engine and installs the built-in rule set.
func New(gw *store.Gateway, series *metricsseries.Store, log *logger.Logger, cfg Config) *Engine {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 30 * time.Second
	}
	if cfg.EscalationInterval <= 0 {
		cfg.EscalationInterval = 60 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Hour
	}
	if log == nil {
		log = logger.NewDefault("alerts")
	}
	e := &Engine{
		store:        gw,
		series:       series,
		log:          log,
		cfg:          cfg,
		rules:        make(map[string]*AlertRule),
		active:       make(map[string]*Alert),
		suppressions: make(map[string]suppression),
		channels:     make(map[string]channels.Channel),
	}
	for _, r := range defaultRules() {
		rule := r
		e.rules[rule.ID] = &rule
	}
	e.channels["log"] = channels.NewLogChannel(log)
	return e
}

// RegisterChannel installs a notification channel implementation, keyed by
// its own Name().
func (e *Engine) RegisterChannel(c channels.Channel) {
	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()
	e.channels[c.Name()] = c
}

// OnAlert registers a callback invoked when a new alert becomes active and
// when an alert is escalated; suppressed, updated and resolved alerts do
// not invoke it. Used to wire the Fan-out Hub's
// system_alert broadcast without this package importing it.
func (e *Engine) OnAlert(fn func(a Alert, escalated bool)) {
	e.onAlert = fn
}

// --- Rule registry -----------------------------------------------------------

// RegisterRule adds or updates a rule and persists it.
func (e *Engine) RegisterRule(ctx context.Context, rule AlertRule) error {
	e.mu.Lock()
	e.rules[rule.ID] = &rule
	e.mu.Unlock()
	return e.persistRule(ctx, rule)
}

// RemoveRule forgets a rule in memory and deletes its persisted copy.
func (e *Engine) RemoveRule(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	_, ok := e.rules[ruleID]
	delete(e.rules, ruleID)
	e.mu.Unlock()
	if !ok {
		return ErrRuleNotFound
	}
	if e.store == nil {
		return nil
	}
	return e.store.Delete(ctx, store.AlertRuleKey(ruleID))
}

func (e *Engine) persistRule(ctx context.Context, rule AlertRule) error {
	if e.store == nil {
		return nil
	}
	blob, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, store.AlertRuleKey(rule.ID), string(blob), ruleTTL)
}

// LoadRules reloads persisted rules on start, overlaying the built-in
// defaults.
func (e *Engine) LoadRules(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := e.store.Scan(ctx, cursor, "alert_rules:*", 100)
		if err != nil {
			return err
		}
		for _, k := range keys {
			val, err := e.store.Get(ctx, k)
			if err != nil {
				continue
			}
			var rule AlertRule
			if json.Unmarshal([]byte(val), &rule) == nil {
				e.mu.Lock()
				e.rules[rule.ID] = &rule
				e.mu.Unlock()
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Rules returns a snapshot of the current rule set.
func (e *Engine) Rules() []AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// --- Evaluation -----------------------------------------------------------

// Evaluate runs one pass of the evaluation loop over every enabled rule.
// Intended to be driven by a supervisor.Loop on the evaluation interval.
func (e *Engine) Evaluate(ctx context.Context) error {
	e.mu.RLock()
	rules := make([]AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, *r)
		}
	}
	e.mu.RUnlock()

	for _, rule := range rules {
		triggered, err := e.evaluateRule(ctx, rule)
		selfmetrics.IncAlertEvaluation(triggered)
		if err != nil {
			e.log.WithField("rule", rule.ID).Warnf("evaluate: %v", err)
		}
	}

	e.mu.RLock()
	bySeverity := make(map[Severity]int)
	for _, a := range e.active {
		bySeverity[a.Severity]++
	}
	e.mu.RUnlock()
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		selfmetrics.SetActiveAlerts(string(sev), bySeverity[sev])
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule AlertRule) (bool, error) {
	window := time.Duration(rule.EvaluationWindowMinutes) * time.Minute
	if window <= 0 {
		window = 5 * time.Minute // unset window: same as the built-in rules
	}
	points := e.fetchPoints(ctx, rule.Metric, window)
	triggered, latest := e.checkOccurrences(points, rule)

	key := ruleMetricKey(rule.ID, rule.Metric)
	e.mu.Lock()
	defer e.mu.Unlock()

	active, exists := e.active[key]
	now := time.Now().UTC()

	switch {
	case triggered && !exists:
		cooldown := rule.SuppressionMinutes > 0 && rule.LastApplied != nil &&
			now.Sub(*rule.LastApplied) < time.Duration(rule.SuppressionMinutes)*time.Minute

		a := &Alert{
			ID: uuid.NewString(), RuleID: rule.ID, Metric: rule.Metric, Severity: rule.Severity,
			Status: StatusActive, Value: latest, FirstOccurrence: now, LastOccurrence: now, OccurrenceCount: 1,
		}
		if e.isSuppressedLocked(rule.ID, rule.Metric) || cooldown {
			a.Status = StatusSuppressed
		}
		e.active[key] = a
		e.recordHistoryLocked(*a)
		if a.Status == StatusActive {
			e.notify(ctx, rule, *a, false)
		}
		// Record this trigger against the rule's own cooldown window,
		// independent of the admin Suppress() set.
		if live, ok := e.rules[rule.ID]; ok {
			live.LastApplied = &now
			if err := e.persistRule(ctx, *live); err != nil {
				e.log.WithField("rule", rule.ID).Warnf("persist rule cooldown: %v", err)
			}
		}

	case triggered && exists:
		active.LastOccurrence = now
		active.OccurrenceCount++
		active.Value = latest

	case !triggered && exists:
		resolved := *active
		resolved.Status = StatusResolved
		resolved.ResolvedAt = &now
		if resolved.Metadata == nil {
			resolved.Metadata = map[string]string{}
		}
		resolved.Metadata["reason"] = "Condition no longer met"
		delete(e.active, key)
		e.recordHistoryLocked(resolved)
	}

	if e.store != nil {
		if a, ok := e.active[key]; ok {
			e.persistAlertLocked(ctx, *a)
		}
	}
	return triggered, nil
}

func (e *Engine) fetchPoints(ctx context.Context, metric string, window time.Duration) []metricsseries.Point {
	if e.store != nil {
		if pts, err := e.fetchStorePoints(ctx, metric, window); err == nil && len(pts) > 0 {
			return pts
		}
	}
	if e.series != nil {
		return e.series.Points(metric, window)
	}
	return nil
}

func (e *Engine) fetchStorePoints(ctx context.Context, metric string, window time.Duration) ([]metricsseries.Point, error) {
	now := time.Now().UTC()
	startHour := now.Add(-window).Unix() / 3600
	endHour := now.Unix() / 3600

	var out []metricsseries.Point
	for hour := startHour; hour <= endHour; hour++ {
		raw, err := e.store.LRange(ctx, store.SeriesHourKey(metric, hour), 0, -1)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, r := range raw {
			if p, ok := decodePoint(r); ok {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func decodePoint(raw string) (metricsseries.Point, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '|' {
			ts, err := time.Parse(time.RFC3339Nano, raw[:i])
			if err != nil {
				return metricsseries.Point{}, false
			}
			var v float64
			if _, err := fmt.Sscanf(raw[i+1:], "%g", &v); err != nil {
				return metricsseries.Point{}, false
			}
			return metricsseries.Point{Timestamp: ts, Value: v}, true
		}
	}
	return metricsseries.Point{}, false
}

// checkOccurrences reports whether the MinOccurrences most recent points
// all satisfy the rule's condition.
func (e *Engine) checkOccurrences(points []metricsseries.Point, rule AlertRule) (triggered bool, latestValue float64) {
	if len(points) == 0 {
		return false, 0
	}
	latestValue = points[len(points)-1].Value

	need := rule.MinOccurrences
	if need <= 0 {
		need = 1
	}
	if need > len(points) {
		return false, latestValue
	}

	tail := points[len(points)-need:]
	for _, p := range tail {
		if !rule.Operator.satisfied(p.Value, rule.Threshold) {
			return false, latestValue
		}
	}
	return true, latestValue
}

// --- Escalation -----------------------------------------------------------

// Escalate runs one escalation sweep, every 60s by
// default.
func (e *Engine) Escalate(ctx context.Context) error {
	now := time.Now().UTC()

	e.mu.Lock()
	var toNotify []struct {
		rule  AlertRule
		alert Alert
	}
	for key, a := range e.active {
		if a.Escalated || a.Status != StatusActive {
			continue
		}
		rule, ok := e.rules[a.RuleID]
		if !ok {
			continue
		}
		age := now.Sub(a.FirstOccurrence)
		if age < time.Duration(rule.EscalationTimeMinutes)*time.Minute {
			continue
		}
		a.Escalated = true
		a.EscalatedAt = &now
		a.Severity = a.Severity.next()
		e.active[key] = a
		toNotify = append(toNotify, struct {
			rule  AlertRule
			alert Alert
		}{*rule, *a})
	}
	e.mu.Unlock()

	for _, item := range toNotify {
		e.notify(ctx, item.rule, item.alert, true)
		if e.store != nil {
			e.persistAlert(ctx, item.alert)
		}
	}
	return nil
}

// --- Notifications -----------------------------------------------------------

func (e *Engine) notify(ctx context.Context, rule AlertRule, a Alert, escalated bool) {
	names := rule.resolveChannels()
	if escalated {
		names = rule.EscalationChannels
	}
	subject, body := channels.Render(rule.ID, rule.Metric, string(a.Severity), a.Value, a.ID, escalated)
	n := channels.Notification{
		Subject: subject, Body: body, Severity: string(a.Severity),
		AlertID: a.ID, RuleID: rule.ID, Metric: rule.Metric, Value: a.Value, SentAt: time.Now().UTC(),
	}

	e.channelsMu.RLock()
	defer e.channelsMu.RUnlock()
	for _, name := range names {
		ch, ok := e.channels[name]
		if !ok {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			e.log.WithField("channel", name).Warnf("notify: %v", err)
		}
	}

	if e.onAlert != nil {
		e.onAlert(a, escalated)
	}
}

// --- Suppression & maintenance -----------------------------------------------------------

// Suppress inserts (rule, metric) into the suppression set for duration.
func (e *Engine) Suppress(ruleID, metric string, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suppressions[ruleMetricKey(ruleID, metric)] = suppression{expiresAt: time.Now().UTC().Add(duration)}
}

func (e *Engine) isSuppressedLocked(ruleID, metric string) bool {
	s, ok := e.suppressions[ruleMetricKey(ruleID, metric)]
	if !ok {
		return false
	}
	return time.Now().UTC().Before(s.expiresAt)
}

// Maintain runs the periodic maintenance sweep: stale resolution,
// expired-suppression cleanup, and history trimming.
func (e *Engine) Maintain(ctx context.Context) error {
	now := time.Now().UTC()

	e.mu.Lock()
	for key, a := range e.active {
		if now.Sub(a.FirstOccurrence) > staleResolutionAge {
			resolved := *a
			resolved.Status = StatusResolved
			resolved.ResolvedAt = &now
			if resolved.Metadata == nil {
				resolved.Metadata = map[string]string{}
			}
			resolved.Metadata["reason"] = "stale"
			delete(e.active, key)
			e.recordHistoryLocked(resolved)
		}
	}

	for key, s := range e.suppressions {
		if now.After(s.expiresAt) {
			delete(e.suppressions, key)
		}
	}

	e.trimHistoryLocked(now)
	e.mu.Unlock()
	return nil
}

func (e *Engine) recordHistoryLocked(a Alert) {
	e.history = append(e.history, a)
	if e.store != nil {
		day := a.LastOccurrence.Format("2006-01-02")
		if blob, err := json.Marshal(a); err == nil {
			_ = e.store.LPushTrim(context.Background(), store.AlertHistoryKey(day), string(blob), maxHistory, historyRetention)
		}
	}
}

func (e *Engine) trimHistoryLocked(now time.Time) {
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
	cutoff := now.Add(-historyRetention)
	i := 0
	for ; i < len(e.history); i++ {
		if e.history[i].LastOccurrence.After(cutoff) {
			break
		}
	}
	e.history = e.history[i:]
}

func (e *Engine) persistAlert(ctx context.Context, a Alert) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.persistAlertLocked(ctx, a)
}

func (e *Engine) persistAlertLocked(ctx context.Context, a Alert) {
	blob, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, store.ActiveAlertKey(a.ID), string(blob), activeAlertTTL); err != nil {
		e.log.WithField("alert", a.ID).Debugf("persist alert: %v", err)
	}
}

// --- Reads -----------------------------------------------------------

// ActiveAlerts returns a snapshot of every currently active/suppressed
// alert.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}

// ErrAlreadyAcknowledged is returned by a second Acknowledge call on the same
// alert, making acknowledgement idempotent.
var ErrAlreadyAcknowledged = errors.New("alerts: alert already acknowledged")

// Acknowledge marks an active alert as acknowledged without resolving it
// (supports the HTTP API's acknowledge endpoint). Acknowledgement does
// not clear active state; a second call is a no-op that
// returns ErrAlreadyAcknowledged.
func (e *Engine) Acknowledge(alertID, acknowledgedBy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, a := range e.active {
		if a.ID != alertID {
			continue
		}
		if a.Status == StatusAcknowledged {
			return ErrAlreadyAcknowledged
		}
		now := time.Now().UTC()
		a.Status = StatusAcknowledged
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = acknowledgedBy
		e.active[key] = a
		return nil
	}
	return fmt.Errorf("alerts: alert %s not found or not active", alertID)
}

// History returns the in-memory alert history, most recent first.
func (e *Engine) History() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alert, len(e.history))
	for i, a := range e.history {
		out[len(out)-1-i] = a
	}
	return out
}
