package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestImpactScoreZeroWhenNothingChanges(t *testing.T) {
	s := Sample{AverageLatencyMs: 10, HitRate: 0.9, UsedMemoryPercent: 50, FragmentationRatio: 1.2, OpsPerSec: 100}
	require.Equal(t, float64(0), impactScore(s, s))
}

func TestImpactScoreWeighsLatencyReduction(t *testing.T) {
	before := Sample{AverageLatencyMs: 10, HitRate: 0.9, UsedMemoryPercent: 50, FragmentationRatio: 1.2, OpsPerSec: 100}
	after := before
	after.AverageLatencyMs = 5

	// Only the 30%-weighted latency term moves: halved latency scores 15.
	require.InDelta(t, 15.0, impactScore(before, after), 0.001)
}

func TestImpactScoreStaysInBounds(t *testing.T) {
	before := Sample{AverageLatencyMs: 100, HitRate: 0.1, UsedMemoryPercent: 99, FragmentationRatio: 3, OpsPerSec: 1}
	after := Sample{AverageLatencyMs: 1, HitRate: 1.0, UsedMemoryPercent: 10, FragmentationRatio: 1, OpsPerSec: 500}

	score := impactScore(before, after)
	require.GreaterOrEqual(t, score, float64(0))
	require.LessOrEqual(t, score, float64(100))

	// A regression across the board never goes negative.
	require.Equal(t, float64(0), impactScore(after, before))
}

func TestConditionMet(t *testing.T) {
	s := Sample{
		UsedMemoryPercent:  95,
		HitRate:            0.5,
		AverageLatencyMs:   80,
		ConnectedClients:   9000,
		FragmentationRatio: 2.0,
		EvictedKeys:        5000,
	}

	require.True(t, conditionMet(ConditionMemoryHigh, 90, s))
	require.False(t, conditionMet(ConditionMemoryHigh, 99, s))
	require.True(t, conditionMet(ConditionHitRateLow, 0.7, s))
	require.True(t, conditionMet(ConditionLatencyHigh, 50, s))
	require.True(t, conditionMet(ConditionConnectionsHigh, 8000, s))
	require.True(t, conditionMet(ConditionFragmentationHigh, 1.5, s))
	require.True(t, conditionMet(ConditionEvictionRateHigh, 1000, s))
	require.False(t, conditionMet(ActionKind("unknown"), 0, s))
}

func TestApplyActionRejectsUnknownMaxMemoryPolicy(t *testing.T) {
	o := New(nil, nil, DefaultConfig())
	err := o.applyAction(context.Background(), ActionMaxMemoryPolicy, map[string]string{"policy": "bogus-policy"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown maxmemory-policy")
}

func TestApplyActionRejectsEmptySaveDirective(t *testing.T) {
	o := New(nil, nil, DefaultConfig())
	err := o.applyAction(context.Background(), ActionSavePolicy, map[string]string{"save": ""})
	require.Error(t, err)
}

func TestApplyActionDryRunNeverTouchesStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DryRun = true
	o := New(nil, nil, cfg) // nil gateway: any store call would panic

	for _, action := range []ActionType{
		ActionMaxMemoryPolicy, ActionConnectionTimeout, ActionMaxClients,
		ActionMemoryCleanup, ActionSavePolicy, ActionCompressionToggle,
	} {
		require.NoError(t, o.applyAction(context.Background(), action, map[string]string{"policy": "allkeys-lru"}))
	}
}

func TestApplyAndScoreRecordsFailedAttempt(t *testing.T) {
	o := New(nil, nil, DefaultConfig()) // nil gateway: the invalid policy is rejected before any store call
	rule := OptimizationRule{
		ID: "mem-high", Condition: ConditionMemoryHigh, Threshold: 90,
		Action: ActionMaxMemoryPolicy, Parameters: map[string]string{"policy": "bogus-policy"},
		CooldownMinutes: 30, Enabled: true,
	}

	err := o.applyAndScore(context.Background(), rule, Sample{UsedMemoryPercent: 96})
	require.Error(t, err)

	actions := o.Actions()
	require.Len(t, actions, 1)
	require.False(t, actions[0].Success)
	require.Contains(t, actions[0].Error, "unknown maxmemory-policy")
	require.InDelta(t, 96.0, actions[0].Before.UsedMemoryPercent, 0.001)
	require.Zero(t, actions[0].ImpactScore)

	// A failed attempt must not start the rule's cooldown.
	require.Nil(t, o.rules["mem-high"].LastApplied)
}

func TestClampInt(t *testing.T) {
	require.Equal(t, 60, clampInt(10, 60, 3600))
	require.Equal(t, 3600, clampInt(9999, 60, 3600))
	require.Equal(t, 300, clampInt(300, 60, 3600))
}

func TestValidSaveDirective(t *testing.T) {
	require.True(t, validSaveDirective("900 1 300 10"))
	require.False(t, validSaveDirective(""))
	require.False(t, validSaveDirective("every sometimes"))
}

func TestRollbackSafeExcludesCleanupAndCompression(t *testing.T) {
	require.True(t, rollbackSafe[ActionMaxMemoryPolicy])
	require.True(t, rollbackSafe[ActionConnectionTimeout])
	require.True(t, rollbackSafe[ActionMaxClients])
	require.True(t, rollbackSafe[ActionSavePolicy])
	require.False(t, rollbackSafe[ActionMemoryCleanup])
	require.False(t, rollbackSafe[ActionCompressionToggle])
}

func TestMeanSampleAveragesFields(t *testing.T) {
	now := time.Now().UTC()
	mean := meanSample([]Sample{
		{Timestamp: now, AverageLatencyMs: 10, HitRate: 0.8, OpsPerSec: 100},
		{Timestamp: now, AverageLatencyMs: 20, HitRate: 0.6, OpsPerSec: 300},
	})
	require.InDelta(t, 15.0, mean.AverageLatencyMs, 0.001)
	require.InDelta(t, 0.7, mean.HitRate, 0.001)
	require.InDelta(t, 200.0, mean.OpsPerSec, 0.001)
	require.Equal(t, now, mean.Timestamp)
}

func TestParseInfoSkipsSectionsAndBlankLines(t *testing.T) {
	raw := "# Memory\r\nused_memory:1048576\r\nmaxmemory:2097152\r\n\r\n# Stats\r\nkeyspace_hits:90\r\nkeyspace_misses:10\r\n"
	fields := parseInfo(raw)
	require.Equal(t, 1048576.0, fields.float("used_memory"))
	require.Equal(t, 90.0, fields.float("keyspace_hits"))
	require.Equal(t, 0.0, fields.float("absent_field"))
}

func TestDefaultRulesAllEnabledWithCooldowns(t *testing.T) {
	for _, r := range defaultRules() {
		require.True(t, r.Enabled, r.ID)
		require.Equal(t, 30, r.CooldownMinutes, r.ID)
	}
}
