package store

import "fmt"

// Key layout for every durable record. Centralizing these avoids format-string drift
// between the Progress Engine, the Metric Series Store, and the Alert Engine.

// ProgressChannel is the single pub/sub channel carrying progress events.
const ProgressChannel = "progress_updates"

// ActiveTasksKey is the set of live task ids.
const ActiveTasksKey = "active_tasks"

func TaskKey(id string) string   { return fmt.Sprintf("task:%s", id) }
func EventsKey(id string) string { return fmt.Sprintf("events:%s", id) }

// SeriesHourKey is the per-hour durability list for one named series
//: hourEpoch is the Unix hour bucket (epoch seconds / 3600).
func SeriesHourKey(name string, hourEpoch int64) string {
	return fmt.Sprintf("metrics:series:%s:%d", name, hourEpoch)
}

func SnapshotKey(epochSeconds int64) string {
	return fmt.Sprintf("metrics:snapshot:%d", epochSeconds)
}

func AlertRuleKey(ruleID string) string   { return fmt.Sprintf("alert_rules:%s", ruleID) }
func ActiveAlertKey(alertID string) string { return fmt.Sprintf("active_alerts:%s", alertID) }
func AlertHistoryKey(day string) string    { return fmt.Sprintf("alert_history:%s", day) }
