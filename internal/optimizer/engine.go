package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/taskstream/internal/ratelimit"
	"github.com/R3E-Network/taskstream/internal/store"
	"github.com/R3E-Network/taskstream/pkg/logger"
	"github.com/R3E-Network/taskstream/pkg/selfmetrics"
)

// Config tunes the Optimizer.
type Config struct {
	CycleInterval    time.Duration
	AnalysisInterval time.Duration
	ImpactWait       time.Duration
	DryRun           bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval:    300 * time.Second,
		AnalysisInterval: 10 * time.Minute,
		ImpactWait:       30 * time.Second,
	}
}

// Optimizer is the Performance Optimizer.
type Optimizer struct {
	store *store.Gateway
	log   *logger.Logger
	cfg   Config

	mu       sync.RWMutex
	rules    map[string]*OptimizationRule
	baseline *Baseline
	actions  []OptimizationAction
	samples  []Sample // recent samples retained for trend analysis

	// sampleLimiter guards sample collection cadence against CycleInterval
	// being configured too aggressively, since each sample issues an INFO
	// call plus two gopsutil reads.
	sampleLimiter *ratelimit.Limiter
}

// New constructs an Optimizer with the built-in rule set installed.
func New(gw *store.Gateway, log *logger.Logger, cfg Config) *Optimizer {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 300 * time.Second
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = 10 * time.Minute
	}
	if cfg.ImpactWait <= 0 {
		cfg.ImpactWait = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("optimizer")
	}
	o := &Optimizer{
		store: gw, log: log, cfg: cfg, rules: make(map[string]*OptimizationRule),
		sampleLimiter: ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 5}),
	}
	for _, r := range defaultRules() {
		rule := r
		o.rules[rule.ID] = &rule
	}
	return o
}

// EstablishBaseline collects five samples ~2s apart and stores their mean
// as the baseline. Intended to run once at startup.
func (o *Optimizer) EstablishBaseline(ctx context.Context) error {
	samples := make([]Sample, 0, 5)
	for i := 0; i < 5; i++ {
		s, err := o.collectSample(ctx)
		if err != nil {
			return fmt.Errorf("optimizer: baseline sample %d: %w", i, err)
		}
		samples = append(samples, s)
		if i < 4 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}

	mean := meanSample(samples)
	o.mu.Lock()
	o.baseline = &Baseline{Sample: mean, EstablishedAt: time.Now().UTC()}
	o.mu.Unlock()
	return nil
}

// Baseline returns the established baseline, if any.
func (o *Optimizer) Baseline() (Baseline, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.baseline == nil {
		return Baseline{}, false
	}
	return *o.baseline, true
}

// Cycle runs one optimization cycle: sample, evaluate every enabled rule
// past its cooldown, apply and score triggered actions.
// Intended to be driven by a supervisor.Loop every OPT_INTERVAL seconds.
func (o *Optimizer) Cycle(ctx context.Context) error {
	before, err := o.collectSample(ctx)
	if err != nil {
		return err
	}
	o.recordSample(before)

	o.mu.RLock()
	rules := make([]OptimizationRule, 0, len(o.rules))
	for _, r := range o.rules {
		rules = append(rules, *r)
	}
	o.mu.RUnlock()

	now := time.Now().UTC()
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.LastApplied != nil && now.Sub(*rule.LastApplied) < time.Duration(rule.CooldownMinutes)*time.Minute {
			continue
		}
		if !conditionMet(rule.Condition, rule.Threshold, before) {
			continue
		}
		if err := o.applyAndScore(ctx, rule, before); err != nil {
			o.log.WithField("rule", rule.ID).Warnf("apply action: %v", err)
		}
	}
	return nil
}

func (o *Optimizer) recordSample(s Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, s)
	if len(o.samples) > 200 {
		o.samples = o.samples[len(o.samples)-200:]
	}
}

func conditionMet(cond ActionKind, threshold float64, s Sample) bool {
	switch cond {
	case ConditionMemoryHigh:
		return s.UsedMemoryPercent > threshold
	case ConditionHitRateLow:
		return s.HitRate < threshold
	case ConditionLatencyHigh:
		return s.AverageLatencyMs > threshold
	case ConditionConnectionsHigh:
		return s.ConnectedClients > threshold
	case ConditionFragmentationHigh:
		return s.FragmentationRatio > threshold
	case ConditionEvictionRateHigh:
		return s.EvictedKeys > threshold
	default:
		return false
	}
}

// applyAndScore applies rule's action, waits the configured impact window,
// samples again, and appends an OptimizationAction. A failed apply is
// recorded too, with Success=false and the error, so the audit log shows
// every attempt rather than only the ones that took.
func (o *Optimizer) applyAndScore(ctx context.Context, rule OptimizationRule, before Sample) error {
	now := time.Now().UTC()

	if err := o.applyAction(ctx, rule.Action, rule.Parameters); err != nil {
		selfmetrics.IncOptimizerAction(string(rule.Action), false)
		o.recordAction(OptimizationAction{
			ID: uuid.NewString(), RuleID: rule.ID, Action: rule.Action, Parameters: rule.Parameters,
			AppliedAt: now, Success: false, Error: err.Error(), Before: before,
		})
		return err
	}

	o.mu.Lock()
	if r, ok := o.rules[rule.ID]; ok {
		r.LastApplied = &now
	}
	o.mu.Unlock()
	selfmetrics.IncOptimizerAction(string(rule.Action), true)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.ImpactWait):
	}

	after, err := o.collectSample(ctx)
	if err != nil {
		return err
	}
	score := impactScore(before, after)
	selfmetrics.ObserveOptimizerImpact(score)

	o.recordAction(OptimizationAction{
		ID: uuid.NewString(), RuleID: rule.ID, Action: rule.Action, Parameters: rule.Parameters,
		AppliedAt: now, Success: true, Before: before, After: after, ImpactScore: score,
	})
	return nil
}

func (o *Optimizer) recordAction(a OptimizationAction) {
	o.mu.Lock()
	o.actions = append(o.actions, a)
	o.mu.Unlock()
}

// applyAction executes the safety-checked corrective action.
func (o *Optimizer) applyAction(ctx context.Context, action ActionType, params map[string]string) error {
	if o.cfg.DryRun {
		o.log.WithField("action", string(action)).Debug("dry run, not applying")
		return nil
	}

	switch action {
	case ActionMaxMemoryPolicy:
		policy := params["policy"]
		if !validMaxMemoryPolicies[policy] {
			return fmt.Errorf("optimizer: unknown maxmemory-policy %q", policy)
		}
		return o.store.ConfigSet(ctx, "maxmemory-policy", policy)

	case ActionConnectionTimeout:
		seconds := clampInt(parseIntDefault(params["seconds"], 300), 60, 3600)
		return o.store.ConfigSet(ctx, "timeout", fmt.Sprintf("%d", seconds))

	case ActionMaxClients:
		maxClients := clampInt(parseIntDefault(params["max_clients"], 10000), 100, 50000)
		return o.store.ConfigSet(ctx, "maxclients", fmt.Sprintf("%d", maxClients))

	case ActionMemoryCleanup:
		return o.runMemoryCleanup(ctx)

	case ActionSavePolicy:
		save := params["save"]
		if !validSaveDirective(save) {
			return fmt.Errorf("optimizer: invalid save directive %q", save)
		}
		return o.store.ConfigSet(ctx, "save", save)

	case ActionCompressionToggle:
		val := "no"
		if params["enabled"] == "true" {
			val = "yes"
		}
		return o.store.ConfigSet(ctx, "rdbcompression", val)

	default:
		return fmt.Errorf("optimizer: unknown action %q", action)
	}
}

// runMemoryCleanup is a best-effort scan that samples memory usage of a
// handful of keys to force accounting.
func (o *Optimizer) runMemoryCleanup(ctx context.Context) error {
	keys, _, err := o.store.Scan(ctx, 0, "*", 50)
	if err != nil {
		return err
	}
	for _, k := range keys {
		_, _ = o.store.MemoryUsage(ctx, k)
	}
	return nil
}

func parseIntDefault(s string, def int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return def
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func validSaveDirective(s string) bool {
	if s == "" {
		return false
	}
	// "<seconds> <changes>" pairs, e.g. "900 1 300 10".
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return err == nil
}

// --- Impact scoring -----------------------------------------------------------

// impactScore computes the weighted improvement in [0, 100]:
//   30% latency-reduction ratio, 25% hit-rate increase,
//   20% memory-usage reduction ratio, 15% fragmentation reduction normalized,
//   10% ops-per-sec increase (capped).
func impactScore(before, after Sample) float64 {
	latencyImprovement := ratioImprovement(before.AverageLatencyMs, after.AverageLatencyMs)
	hitRateImprovement := clamp01(after.HitRate - before.HitRate)
	memoryImprovement := ratioImprovement(before.UsedMemoryPercent, after.UsedMemoryPercent)
	fragImprovement := ratioImprovement(before.FragmentationRatio, after.FragmentationRatio)
	opsImprovement := clamp01(capped(opsRatio(before.OpsPerSec, after.OpsPerSec), 1))

	score := 0.30*latencyImprovement + 0.25*hitRateImprovement + 0.20*memoryImprovement + 0.15*fragImprovement + 0.10*opsImprovement
	return clamp01(score) * 100
}

func ratioImprovement(before, after float64) float64 {
	if before <= 0 {
		return 0
	}
	return clamp01((before - after) / before)
}

func opsRatio(before, after float64) float64 {
	if before <= 0 {
		return 0
	}
	return (after - before) / before
}

func capped(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// --- Degradation detection & rollback -----------------------------------------------------------

// Analyze runs the degradation-detection pass every AnalysisInterval
//: if latency more than doubles
// vs baseline, hit-rate drops more than 10pp, or ops/sec drops more than
// 50%, recent rollback-safe optimizations are reverted.
func (o *Optimizer) Analyze(ctx context.Context) error {
	o.mu.RLock()
	baseline := o.baseline
	var recent []Sample
	if len(o.samples) > 0 {
		recent = append(recent, o.samples[len(o.samples)-1])
	}
	o.mu.RUnlock()

	if baseline == nil || len(recent) == 0 {
		return nil
	}
	current := recent[0]

	degraded := current.AverageLatencyMs > 2*baseline.Sample.AverageLatencyMs ||
		(baseline.Sample.HitRate-current.HitRate) > 0.10 ||
		(baseline.Sample.OpsPerSec > 0 && current.OpsPerSec < baseline.Sample.OpsPerSec*0.5)

	if !degraded {
		return nil
	}

	o.log.Warn("degradation detected, rolling back recent rollback-safe optimizations")
	cutoff := time.Now().UTC().Add(-30 * time.Minute)

	o.mu.Lock()
	var toRollback []OptimizationAction
	for _, a := range o.actions {
		// Only actions that actually applied can be reverted.
		if a.Success && a.AppliedAt.After(cutoff) && rollbackSafe[a.Action] {
			toRollback = append(toRollback, a)
		}
	}
	o.mu.Unlock()

	for _, a := range toRollback {
		if err := o.rollback(ctx, a); err != nil {
			o.log.WithField("action", a.ID).Warnf("rollback: %v", err)
		}
	}
	return nil
}

// rollback reverts one action to its documented safe default.
func (o *Optimizer) rollback(ctx context.Context, a OptimizationAction) error {
	switch a.Action {
	case ActionMaxMemoryPolicy:
		return o.store.ConfigSet(ctx, "maxmemory-policy", "noeviction")
	case ActionConnectionTimeout:
		return o.store.ConfigSet(ctx, "timeout", "0")
	case ActionMaxClients:
		return o.store.ConfigSet(ctx, "maxclients", "10000")
	case ActionSavePolicy:
		return o.store.ConfigSet(ctx, "save", "900 1 300 10")
	default:
		return nil
	}
}

// Actions returns the audit log of applied optimizations.
func (o *Optimizer) Actions() []OptimizationAction {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]OptimizationAction, len(o.actions))
	copy(out, o.actions)
	return out
}
