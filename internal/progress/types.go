// Package progress is the progress engine: task lifecycle, stage state,
// rate/ETA estimation, event timeline, and pub/sub publication. It is the
// sole writer of Task, StageProgress, AggregateProgress and Timeline
// records.
package progress

import "time"

// TaskKind enumerates the supported job kinds.
type TaskKind string

const (
	KindDownload      TaskKind = "download"
	KindTranscription TaskKind = "transcription"
	KindConversion    TaskKind = "conversion"
	KindUpload        TaskKind = "upload"
)

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status never transitions further.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// EventKind enumerates timeline/publication event kinds.
type EventKind string

const (
	EventTaskCreated    EventKind = "task_created"
	EventStageStarted   EventKind = "stage_started"
	EventStageProgress  EventKind = "stage_progress"
	EventStageCompleted EventKind = "stage_completed"
	EventStageFailed    EventKind = "stage_failed"
	EventTaskCompleted  EventKind = "task_completed"
	EventTaskFailed     EventKind = "task_failed"
	EventTaskCancelled  EventKind = "task_cancelled"
	EventTaskPaused     EventKind = "task_paused"
	EventTaskResumed    EventKind = "task_resumed"
)

// Task is the durable record owned exclusively by the Progress Engine.
type Task struct {
	ID          string            `json:"id"`
	Kind        TaskKind          `json:"kind"`
	Status      TaskStatus        `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EventsCount int               `json:"events_count"`
}

// StageProgress is a per-stage sub-record owned by a Task.
type StageProgress struct {
	Name        string     `json:"name"`
	Percentage  float64    `json:"percentage"`
	Processed   int64      `json:"bytes_processed"`
	Total       int64      `json:"total_bytes"`
	Rate        float64    `json:"rate_bytes_per_sec"`
	PeakRate    float64    `json:"peak_rate_bytes_per_sec"`
	ETASeconds  *float64   `json:"eta_seconds,omitempty"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AggregateProgress is the weighted roll-up of a task's stages.
type AggregateProgress struct {
	CurrentStage string                    `json:"current_stage"`
	StageOrder   []string                  `json:"stage_order"`
	Stages       map[string]*StageProgress `json:"stages"`
	Weights      map[string]float64        `json:"weights"`
	Percentage   float64                   `json:"percentage"`
	AverageRate  float64                   `json:"average_rate_bytes_per_sec"`
	PeakRate     float64                   `json:"peak_rate_bytes_per_sec"`
	ETASeconds   *float64                  `json:"eta_seconds,omitempty"`
}

// TimelineEntry is one append-only event in a task's bounded timeline.
// stage_progress entries additionally carry the stage's instantaneous and
// peak-to-date transfer rate, since the timeline would otherwise lose rate
// history once a later sample overwrites the live StageProgress record.
type TimelineEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Stage     string            `json:"stage,omitempty"`
	Message   string            `json:"message,omitempty"`
	Rate      float64           `json:"rate_bytes_per_sec,omitempty"`
	PeakRate  float64           `json:"peak_rate_bytes_per_sec,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event is the full publication payload carried on the progress_updates
// channel: every status transition and stage-progress update
// publishes exactly one of these. It carries the complete aggregate
// snapshot so subscribers never need a follow-up read for the common case.
type Event struct {
	TaskID    string            `json:"task_id"`
	Kind      TaskKind          `json:"task_kind"`
	EventKind EventKind         `json:"event_kind"`
	Status    TaskStatus        `json:"status"`
	Stage     string            `json:"stage,omitempty"`
	Aggregate AggregateProgress `json:"aggregate"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// defaultWeights are the built-in stage-weight tables per task kind.
// Kinds not listed here, or stage sets that don't match, fall back to a
// uniform split.
var defaultWeights = map[TaskKind]map[string]float64{
	KindDownload: {
		"metadata":    0.05,
		"downloading": 0.80,
		"extracting":  0.10,
		"finalizing":  0.05,
	},
}

// Handler is an in-process Progress Engine subscriber.
type Handler func(Event)
