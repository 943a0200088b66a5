// Package optimizer is the Performance Optimizer: a closed-loop
// controller that samples store and host metrics and issues corrective
// store configuration commands.
package optimizer

import "time"

// Sample is one reading of the monitored inputs.
type Sample struct {
	Timestamp          time.Time
	UsedMemoryPercent  float64
	HitRate            float64
	AverageLatencyMs   float64
	ConnectedClients   float64
	OpsPerSec          float64
	EvictedKeys        float64
	FragmentationRatio float64
	HostCPUPercent     float64
	HostMemoryPercent  float64
}

// Baseline is the mean of the first five startup samples.
type Baseline struct {
	Sample        Sample
	EstablishedAt time.Time
}

// ActionKind enumerates the condition tags an OptimizationRule reacts to.
type ActionKind string

const (
	ConditionMemoryHigh        ActionKind = "memory_high"
	ConditionHitRateLow        ActionKind = "hit_rate_low"
	ConditionLatencyHigh       ActionKind = "latency_high"
	ConditionConnectionsHigh   ActionKind = "connections_high"
	ConditionFragmentationHigh ActionKind = "fragmentation_high"
	ConditionEvictionRateHigh  ActionKind = "eviction_rate_high"
)

// ActionType names the corrective action an OptimizationRule applies.
type ActionType string

const (
	ActionMaxMemoryPolicy   ActionType = "maxmemory_policy"
	ActionConnectionTimeout ActionType = "connection_timeout"
	ActionMaxClients        ActionType = "max_clients"
	ActionMemoryCleanup     ActionType = "memory_cleanup"
	ActionSavePolicy        ActionType = "save_policy"
	ActionCompressionToggle ActionType = "compression_toggle"
)

// rollbackSafe lists the action categories the degradation-detection pass
// is allowed to revert.
var rollbackSafe = map[ActionType]bool{
	ActionMaxMemoryPolicy:   true,
	ActionConnectionTimeout: true,
	ActionMaxClients:        true,
	ActionSavePolicy:        true,
}

// OptimizationRule configures one condition->action mapping.
type OptimizationRule struct {
	ID              string
	Condition       ActionKind
	Threshold       float64
	Action          ActionType
	Parameters      map[string]string
	CooldownMinutes int
	LastApplied     *time.Time
	Enabled         bool
}

// OptimizationAction is the audit record of one applied action.
type OptimizationAction struct {
	ID          string
	RuleID      string
	Action      ActionType
	Parameters  map[string]string
	AppliedAt   time.Time
	Success     bool
	Error       string
	Before      Sample
	After       Sample
	ImpactScore float64
}

// defaultRules is the built-in rule set installed at construction.
func defaultRules() []OptimizationRule {
	return []OptimizationRule{
		{ID: "mem-high", Condition: ConditionMemoryHigh, Threshold: 90, Action: ActionMaxMemoryPolicy,
			Parameters: map[string]string{"policy": "allkeys-lru"}, CooldownMinutes: 30, Enabled: true},
		{ID: "hit-rate-low", Condition: ConditionHitRateLow, Threshold: 0.7, Action: ActionMemoryCleanup,
			CooldownMinutes: 30, Enabled: true},
		{ID: "latency-high", Condition: ConditionLatencyHigh, Threshold: 50, Action: ActionConnectionTimeout,
			Parameters: map[string]string{"seconds": "120"}, CooldownMinutes: 30, Enabled: true},
		{ID: "connections-high", Condition: ConditionConnectionsHigh, Threshold: 8000, Action: ActionMaxClients,
			Parameters: map[string]string{"max_clients": "15000"}, CooldownMinutes: 30, Enabled: true},
		{ID: "fragmentation-high", Condition: ConditionFragmentationHigh, Threshold: 1.5, Action: ActionMemoryCleanup,
			CooldownMinutes: 30, Enabled: true},
		{ID: "eviction-rate-high", Condition: ConditionEvictionRateHigh, Threshold: 1000, Action: ActionMaxMemoryPolicy,
			Parameters: map[string]string{"policy": "volatile-lru"}, CooldownMinutes: 30, Enabled: true},
	}
}

// valid maxmemory-policy values accepted by the adjust-policy action;
// anything else is rejected outright.
var validMaxMemoryPolicies = map[string]bool{
	"noeviction": true, "allkeys-lru": true, "allkeys-lfu": true, "volatile-lru": true,
	"volatile-lfu": true, "allkeys-random": true, "volatile-random": true, "volatile-ttl": true,
}
