package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/taskstream/internal/metricsseries"
	"github.com/R3E-Network/taskstream/internal/store"
	"github.com/R3E-Network/taskstream/pkg/logger"
	"github.com/R3E-Network/taskstream/pkg/selfmetrics"
)

// Errors returned by engine operations.
var (
	ErrAlreadyExists = errors.New("progress: task already exists")
	ErrNoStages      = errors.New("progress: task must have at least one stage")
	ErrNotFound      = errors.New("progress: task not found")
	ErrTerminal      = errors.New("progress: task is in a terminal state")
)

// Config tunes the Progress Engine.
type Config struct {
	RateWindowSamples int
	TimelineCapacity  int
	CleanupInterval   time.Duration
	CompletedTaskTTL  time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RateWindowSamples: 5,
		TimelineCapacity:  1000,
		CleanupInterval:   24 * time.Hour,
		CompletedTaskTTL:  7 * 24 * time.Hour,
	}
}

// record is the durable envelope stored under task:<id>'s "data" field.
type record struct {
	Task      Task              `json:"task"`
	Aggregate AggregateProgress `json:"aggregate"`
}

type stageKey struct {
	task  string
	stage string
}

// Engine is the Progress Engine. All public methods are safe for
// concurrent use.
type Engine struct {
	store  *store.Gateway
	log    *logger.Logger
	cfg    Config
	series *metricsseries.Store // optional; feeds the download-speed and stage-completion-time built-in series

	mu    sync.RWMutex
	cache map[string]*record // in-memory cache, rebuilt from the store on miss
	rates map[stageKey]*rateEstimator

	subMu sync.RWMutex
	subs  map[string][]Handler // task id -> handlers; "" key means "all tasks"
}

// SetSeries attaches the Metric Series Store the engine feeds its own
// observed rates into. Optional; if never called
// the engine simply skips series recording.
func (e *Engine) SetSeries(s *metricsseries.Store) {
	e.series = s
}

// New constructs a Progress Engine over the given Store Gateway.
func New(gw *store.Gateway, log *logger.Logger, cfg Config) *Engine {
	if cfg.RateWindowSamples <= 0 {
		cfg.RateWindowSamples = 5
	}
	if cfg.TimelineCapacity <= 0 {
		cfg.TimelineCapacity = 1000
	}
	if log == nil {
		log = logger.NewDefault("progress")
	}
	return &Engine{
		store: gw,
		log:   log,
		cfg:   cfg,
		cache: make(map[string]*record),
		rates: make(map[stageKey]*rateEstimator),
		subs:  make(map[string][]Handler),
	}
}

// Subscribe registers an in-process handler invoked on every published
// event. An empty taskID subscribes to every task. It returns an
// unsubscribe function.
func (e *Engine) Subscribe(taskID string, h Handler) func() {
	e.subMu.Lock()
	e.subs[taskID] = append(e.subs[taskID], h)
	idx := len(e.subs[taskID]) - 1
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		handlers := e.subs[taskID]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

func (e *Engine) dispatch(ev Event) {
	e.subMu.RLock()
	handlers := append(append([]Handler{}, e.subs[ev.TaskID]...), e.subs[""]...)
	e.subMu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
	selfmetrics.IncProgressEvent(string(ev.EventKind))
}

// --- Create task -----------------------------------------------------------

// CreateTask registers a new task with its stages and optional weights.
// Fails with ErrAlreadyExists if id is live.
func (e *Engine) CreateTask(ctx context.Context, id string, kind TaskKind, stages []string, weights map[string]float64, metadata map[string]string) (*Task, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	// Cheap fast path only; the authoritative duplicate check is the
	// conditional write below, which also covers ids created by another
	// process or by a concurrent caller racing past this point.
	e.mu.Lock()
	if _, ok := e.cache[id]; ok {
		e.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	w := computeWeights(kind, stages, weights)

	stageMap := make(map[string]*StageProgress, len(stages))
	for _, s := range stages {
		stageMap[s] = &StageProgress{Name: s}
	}

	rec := &record{
		Task: Task{
			ID:        id,
			Kind:      kind,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  metadata,
		},
		Aggregate: AggregateProgress{
			StageOrder: append([]string{}, stages...),
			Stages:     stageMap,
			Weights:    w,
		},
	}

	if err := e.persistCreate(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	if err := e.appendTimeline(ctx, id, TimelineEntry{
		Timestamp: now,
		Kind:      EventTaskCreated,
		Message:   fmt.Sprintf("task created with %d stage(s)", len(stages)),
	}); err != nil {
		e.log.WithField("task", id).Warnf("append timeline: %v", err)
	}

	taskCopy := rec.Task
	return &taskCopy, nil
}

// computeWeights resolves stage weights: explicit weights if given,
// else the built-in default table for known kinds (re-normalized to the
// actual stage set), else uniform.
func computeWeights(kind TaskKind, stages []string, explicit map[string]float64) map[string]float64 {
	if len(explicit) > 0 {
		return normalize(explicit)
	}
	if table, ok := defaultWeights[kind]; ok {
		filtered := make(map[string]float64, len(stages))
		var any bool
		for _, s := range stages {
			if w, ok := table[s]; ok {
				filtered[s] = w
				any = true
			}
		}
		if any {
			return normalize(filtered)
		}
	}
	uniform := make(map[string]float64, len(stages))
	for _, s := range stages {
		uniform[s] = 1.0 / float64(len(stages))
	}
	return uniform
}

func normalize(w map[string]float64) map[string]float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		return w
	}
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v / sum
	}
	return out
}

// --- Start stage -----------------------------------------------------------

// StartStage marks a stage as started. Idempotent if already started.
func (e *Engine) StartStage(ctx context.Context, taskID, stage string, totalBytes int64, message string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Task.Status.Terminal() {
		e.log.WithField("task", taskID).Warn("start stage against terminal task, dropped")
		return nil
	}

	sp, ok := rec.Aggregate.Stages[stage]
	if !ok {
		return fmt.Errorf("progress: unknown stage %q", stage)
	}

	now := time.Now().UTC()
	if sp.StartedAt != nil {
		return nil // idempotent
	}

	sp.StartedAt = &now
	sp.Total = totalBytes
	sp.Message = message
	rec.Aggregate.CurrentStage = stage
	rec.Task.UpdatedAt = now

	if rec.Task.Status == StatusPending {
		rec.Task.Status = StatusRunning
		rec.Task.StartedAt = &now
	}

	e.mu.Lock()
	e.rates[stageKey{taskID, stage}] = newRateEstimator(e.cfg.RateWindowSamples)
	e.mu.Unlock()

	recomputeAggregate(&rec.Aggregate)

	if err := e.persist(ctx, rec); err != nil {
		return err
	}

	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventStageStarted, Stage: stage, Message: message,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}

	e.publish(ctx, rec, EventStageStarted, stage, message, "")
	return nil
}

// --- Update stage progress -----------------------------------------------------------

// UpdateStageProgress recomputes rate/ETA/aggregate for one stage.
// Updates against a missing or completed task are dropped with a logged
// warning, never an error.
func (e *Engine) UpdateStageProgress(ctx context.Context, taskID, stage string, processed int64, percentage *float64, message string, metadata map[string]string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.log.WithField("task", taskID).Warn("progress update for unknown task, dropped")
			return nil
		}
		return err
	}
	if rec.Task.Status.Terminal() {
		e.log.WithField("task", taskID).Warn("progress update against terminal task, dropped")
		return nil
	}

	sp, ok := rec.Aggregate.Stages[stage]
	if !ok {
		e.log.WithFields(map[string]interface{}{"task": taskID, "stage": stage}).Warn("progress update for unknown stage, dropped")
		return nil
	}

	now := time.Now().UTC()
	if sp.StartedAt == nil {
		sp.StartedAt = &now
	}
	if sp.Total > 0 && processed > sp.Total {
		processed = sp.Total
	}
	sp.Processed = processed

	pct := float64(0)
	if percentage != nil {
		pct = *percentage
	} else if sp.Total > 0 {
		pct = float64(processed) / float64(sp.Total) * 100
	}
	if pct > 100 {
		pct = 100 // out-of-range input is clamped, never rejected
	}
	if pct < sp.Percentage {
		pct = sp.Percentage // monotonic non-decreasing within a run
	}
	sp.Percentage = pct
	sp.Message = message

	e.mu.Lock()
	key := stageKey{taskID, stage}
	est, ok := e.rates[key]
	if !ok {
		est = newRateEstimator(e.cfg.RateWindowSamples)
		e.rates[key] = est
	}
	rate := est.observe(now, processed)
	_, peak := est.snapshot()
	e.mu.Unlock()

	sp.Rate = rate
	sp.PeakRate = peak
	if e.series != nil && rate > 0 {
		e.series.Record(ctx, "download-speed", rate, map[string]string{"task": taskID, "stage": stage}, now)
	}
	if sp.Total > 0 && rate > 0 {
		remaining := float64(sp.Total-processed) / rate
		sp.ETASeconds = &remaining
	} else {
		sp.ETASeconds = nil
	}

	rec.Task.UpdatedAt = now
	recomputeAggregate(&rec.Aggregate)

	if err := e.persist(ctx, rec); err != nil {
		e.mu.Lock()
		est.rollback()
		e.mu.Unlock()
		return err
	}

	// Timeline writes may be sampled for very high-frequency stages; the
	// published event always carries the full current aggregate regardless.
	if shouldSampleTimeline(rate) {
		if err := e.appendTimeline(ctx, taskID, TimelineEntry{
			Timestamp: now, Kind: EventStageProgress, Stage: stage, Message: message,
			Rate: rate, PeakRate: peak, Metadata: metadata,
		}); err != nil {
			e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
		}
	}

	e.publish(ctx, rec, EventStageProgress, stage, message, "")
	return nil
}

func shouldSampleTimeline(rate float64) bool {
	// A rate above 10/sec is a proxy for "more than 10 updates per second
	// for this task" in the absence of a separate per-task update counter;
	// always writing at lower rates keeps the timeline complete for the
	// common case.
	return rate <= 10
}

// --- Complete / fail stage -----------------------------------------------------------

// CompleteStage marks a stage fully done; if every stage is now >= 100%, it
// triggers CompleteTask.
func (e *Engine) CompleteStage(ctx context.Context, taskID, stage, message string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	sp, ok := rec.Aggregate.Stages[stage]
	if !ok {
		return fmt.Errorf("progress: unknown stage %q", stage)
	}

	now := time.Now().UTC()
	sp.Percentage = 100
	sp.CompletedAt = &now
	zero := 0.0
	sp.ETASeconds = &zero
	if message != "" {
		sp.Message = message
	}
	if e.series != nil && sp.StartedAt != nil {
		e.series.Record(ctx, "stage-completion-time", now.Sub(*sp.StartedAt).Seconds(), map[string]string{"task": taskID, "stage": stage}, now)
	}

	rec.Task.UpdatedAt = now
	recomputeAggregate(&rec.Aggregate)

	if err := e.persist(ctx, rec); err != nil {
		return err
	}
	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventStageCompleted, Stage: stage, Message: message,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}
	e.publish(ctx, rec, EventStageCompleted, stage, message, "")

	if allStagesComplete(rec) {
		return e.CompleteTask(ctx, taskID, "all stages complete")
	}
	return nil
}

func allStagesComplete(rec *record) bool {
	for _, s := range rec.Aggregate.Stages {
		if s.Percentage < 100 {
			return false
		}
	}
	return true
}

// FailStage transitions the task to failed, which never recovers.
func (e *Engine) FailStage(ctx context.Context, taskID, stage, errMsg, message string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if _, ok := rec.Aggregate.Stages[stage]; !ok {
		return fmt.Errorf("progress: unknown stage %q", stage)
	}

	now := time.Now().UTC()
	rec.Task.Status = StatusFailed
	rec.Task.Error = errMsg
	rec.Task.CompletedAt = &now
	rec.Task.UpdatedAt = now

	if err := e.persistAndDeindex(ctx, rec); err != nil {
		return err
	}

	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventStageFailed, Stage: stage, Message: message,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}
	e.publish(ctx, rec, EventStageFailed, stage, message, errMsg)

	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventTaskFailed, Message: errMsg,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}
	e.publish(ctx, rec, EventTaskFailed, "", message, errMsg)
	return nil
}

// --- Complete task -----------------------------------------------------------

// CompleteTask marks the task completed, removes it from the active index,
// and appends task_completed exactly once.
func (e *Engine) CompleteTask(ctx context.Context, taskID, message string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Task.Status.Terminal() {
		return nil // never re-enters running, completing twice is a no-op
	}

	now := time.Now().UTC()
	rec.Task.Status = StatusCompleted
	rec.Task.CompletedAt = &now
	rec.Task.UpdatedAt = now
	rec.Aggregate.Percentage = 100

	if err := e.persistAndDeindex(ctx, rec); err != nil {
		return err
	}

	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventTaskCompleted, Message: message,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}
	e.publish(ctx, rec, EventTaskCompleted, "", message, "")
	return nil
}

// PauseTask moves a running task to paused. Pausing a task that is not
// running is a no-op; a terminal task returns ErrTerminal. The task stays
// in the active index, and progress updates arriving while paused are
// still applied.
func (e *Engine) PauseTask(ctx context.Context, taskID, message string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Task.Status.Terminal() {
		return ErrTerminal
	}
	if rec.Task.Status != StatusRunning {
		return nil
	}

	now := time.Now().UTC()
	rec.Task.Status = StatusPaused
	rec.Task.UpdatedAt = now

	if err := e.persist(ctx, rec); err != nil {
		return err
	}
	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventTaskPaused, Message: message,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}
	e.publish(ctx, rec, EventTaskPaused, "", message, "")
	return nil
}

// ResumeTask returns a paused task to running. Resuming a task that is not
// paused is a no-op; a terminal task returns ErrTerminal.
func (e *Engine) ResumeTask(ctx context.Context, taskID, message string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Task.Status.Terminal() {
		return ErrTerminal
	}
	if rec.Task.Status != StatusPaused {
		return nil
	}

	now := time.Now().UTC()
	rec.Task.Status = StatusRunning
	rec.Task.UpdatedAt = now

	if err := e.persist(ctx, rec); err != nil {
		return err
	}
	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventTaskResumed, Message: message,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}
	e.publish(ctx, rec, EventTaskResumed, "", message, "")
	return nil
}

// CancelTask transitions a task to cancelled.
func (e *Engine) CancelTask(ctx context.Context, taskID, message string) error {
	rec, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Task.Status.Terminal() {
		return ErrTerminal
	}

	now := time.Now().UTC()
	rec.Task.Status = StatusCancelled
	rec.Task.CompletedAt = &now
	rec.Task.UpdatedAt = now

	if err := e.persistAndDeindex(ctx, rec); err != nil {
		return err
	}
	if err := e.appendTimeline(ctx, taskID, TimelineEntry{
		Timestamp: now, Kind: EventTaskCancelled, Message: message,
	}); err != nil {
		e.log.WithField("task", taskID).Warnf("append timeline: %v", err)
	}
	e.publish(ctx, rec, EventTaskCancelled, "", message, "")
	return nil
}

// --- Reads -----------------------------------------------------------

// GetTask resolves a task from the store, returning (nil, nil) if absent
// or TTL-expired.
func (e *Engine) GetTask(ctx context.Context, id string) (*Task, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t := rec.Task
	return &t, nil
}

// GetAggregate returns the current aggregate progress for a task.
func (e *Engine) GetAggregate(ctx context.Context, id string) (*AggregateProgress, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	agg := rec.Aggregate
	return &agg, nil
}

// GetTimeline returns events newest-first.
func (e *Engine) GetTimeline(ctx context.Context, id string, limit, offset int) ([]TimelineEntry, error) {
	raw, err := e.store.LRange(ctx, store.EventsKey(id), int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEntry, 0, len(raw))
	for _, r := range raw {
		var ev TimelineEntry
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetActiveTaskIDs returns the current active-task index.
func (e *Engine) GetActiveTaskIDs(ctx context.Context) ([]string, error) {
	return e.store.SMembers(ctx, store.ActiveTasksKey)
}

// CleanupInterval reports the configured cadence for the cleanup sweep,
// for callers wiring it onto a supervisor.Loop.
func (e *Engine) CleanupInterval() time.Duration {
	return e.cfg.CleanupInterval
}

// --- Cleanup -----------------------------------------------------------

// Cleanup scans task records whose status is terminal and whose
// completed-at is older than the configured TTL, deleting the task record,
// its timeline, and its membership in every index. It is
// idempotent and safe to re-enter; it returns the number of tasks removed.
// Intended to be driven by a supervisor.Loop every CleanupInterval.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.CompletedTaskTTL)
	removed := 0

	var cursor uint64
	for {
		keys, next, err := e.store.Scan(ctx, cursor, "task:*", 100)
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, "task:")
			rec, err := e.loadFresh(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				e.log.WithField("task", id).Warnf("cleanup: load: %v", err)
				continue
			}
			if !rec.Task.Status.Terminal() || rec.Task.CompletedAt == nil {
				continue
			}
			if rec.Task.CompletedAt.After(cutoff) {
				continue
			}
			if err := e.removeTask(ctx, id); err != nil {
				e.log.WithField("task", id).Warnf("cleanup: remove: %v", err)
				continue
			}
			removed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

// loadFresh bypasses the in-memory cache, since Cleanup must see the durable
// state (a stale cache entry for a long-dead task would never expire).
func (e *Engine) loadFresh(ctx context.Context, id string) (*record, error) {
	fields, err := e.store.HGetAll(ctx, store.TaskKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, ok := fields["data"]
	if !ok {
		return nil, ErrNotFound
	}
	var rebuilt record
	if err := json.Unmarshal([]byte(data), &rebuilt); err != nil {
		return nil, fmt.Errorf("progress: decode task %s: %w", id, err)
	}
	return &rebuilt, nil
}

// removeTask deletes a task's durable record, its timeline, and every index
// membership, atomically from the caller's point of view.
func (e *Engine) removeTask(ctx context.Context, id string) error {
	keys := []string{store.TaskKey(id), store.EventsKey(id)}
	if err := e.store.TransactionDeleteDeindex(ctx, keys, store.ActiveTasksKey, id); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.cache, id)
	for k := range e.rates {
		if k.task == id {
			delete(e.rates, k)
		}
	}
	e.mu.Unlock()
	return nil
}

// --- Internal helpers -----------------------------------------------------------

func (e *Engine) load(ctx context.Context, id string) (*record, error) {
	e.mu.RLock()
	rec, ok := e.cache[id]
	e.mu.RUnlock()
	if ok {
		return rec, nil
	}

	fields, err := e.store.HGetAll(ctx, store.TaskKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, ok := fields["data"]
	if !ok {
		return nil, ErrNotFound
	}
	var rebuilt record
	if err := json.Unmarshal([]byte(data), &rebuilt); err != nil {
		return nil, fmt.Errorf("progress: decode task %s: %w", id, err)
	}

	e.mu.Lock()
	e.cache[id] = &rebuilt
	e.mu.Unlock()
	return &rebuilt, nil
}

// marshalFields increments the record's event counter and renders it to the
// hash fields written under task:<id>, shared by every persist variant below.
func (e *Engine) marshalFields(rec *record) (map[string]interface{}, error) {
	rec.Task.EventsCount++
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"data":         string(blob),
		"created_at":   rec.Task.CreatedAt.Format(time.RFC3339Nano),
		"last_update":  rec.Task.UpdatedAt.Format(time.RFC3339Nano),
		"events_count": rec.Task.EventsCount,
	}, nil
}

func (e *Engine) cacheStore(rec *record) {
	e.mu.Lock()
	e.cache[rec.Task.ID] = rec
	e.mu.Unlock()
}

// persist writes a task record with no accompanying index change (stage
// start/progress/completion never touch active_tasks).
func (e *Engine) persist(ctx context.Context, rec *record) error {
	fields, err := e.marshalFields(rec)
	if err != nil {
		return err
	}
	if err := e.store.HSet(ctx, store.TaskKey(rec.Task.ID), fields); err != nil {
		return err
	}
	e.cacheStore(rec)
	return nil
}

// persistCreate writes a brand-new task record and adds it to active_tasks
// in one conditional transaction. An id that already exists — or one a
// concurrent creator commits first — surfaces as store.ErrConflict with
// nothing written, so the first record is never overwritten.
func (e *Engine) persistCreate(ctx context.Context, rec *record) error {
	fields, err := e.marshalFields(rec)
	if err != nil {
		return err
	}
	if err := e.store.TransactionCreateIndex(ctx, store.TaskKey(rec.Task.ID), fields, store.ActiveTasksKey, rec.Task.ID); err != nil {
		return err
	}
	e.cacheStore(rec)
	return nil
}

// persistAndDeindex writes a task record and removes it from active_tasks in
// one transactional round trip.
func (e *Engine) persistAndDeindex(ctx context.Context, rec *record) error {
	fields, err := e.marshalFields(rec)
	if err != nil {
		return err
	}
	if err := e.store.TransactionHSetDeindex(ctx, store.TaskKey(rec.Task.ID), fields, store.ActiveTasksKey, rec.Task.ID); err != nil {
		return err
	}
	e.cacheStore(rec)
	return nil
}

func (e *Engine) appendTimeline(ctx context.Context, taskID string, entry TimelineEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return e.store.LPushTrim(ctx, store.EventsKey(taskID), string(blob), int64(e.cfg.TimelineCapacity), e.cfg.CompletedTaskTTL*2)
}

// publish runs only after the durable write has committed; every call site
// persists first and skips publishing when the write fails.
func (e *Engine) publish(ctx context.Context, rec *record, kind EventKind, stage, message, errMsg string) {
	ev := Event{
		TaskID:    rec.Task.ID,
		Kind:      rec.Task.Kind,
		EventKind: kind,
		Status:    rec.Task.Status,
		Stage:     stage,
		Aggregate: rec.Aggregate,
		Message:   message,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}

	e.dispatch(ev) // in-process subscribers; cross-process consumers get the publish below

	blob, err := json.Marshal(ev)
	if err != nil {
		e.log.WithField("task", rec.Task.ID).Warnf("marshal event: %v", err)
		return
	}
	if err := e.store.Publish(ctx, store.ProgressChannel, string(blob)); err != nil {
		// Fire-and-forget: the Progress Engine never assumes subscribers
		// are alive.
		e.log.WithField("task", rec.Task.ID).Debugf("publish progress event: %v", err)
	}
}

// recomputeAggregate derives percentage, average rate, peak rate, and ETA
// from the current stage states.
func recomputeAggregate(agg *AggregateProgress) {
	var weightedSum, weightSum float64
	var rateSum float64
	var activeRates int
	var remaining float64
	var haveTotal bool
	var peak float64

	for name, w := range agg.Weights {
		sp, ok := agg.Stages[name]
		if !ok {
			continue
		}
		weightedSum += sp.Percentage * w
		weightSum += w

		if sp.StartedAt != nil && sp.CompletedAt == nil {
			rateSum += sp.Rate
			activeRates++
		}
		if sp.Total > 0 {
			haveTotal = true
			remaining += float64(sp.Total - sp.Processed)
		}
		if sp.PeakRate > peak {
			peak = sp.PeakRate
		}
	}

	if weightSum > 0 {
		agg.Percentage = weightedSum / weightSum
	}
	if agg.Percentage > 100 {
		agg.Percentage = 100
	}

	if activeRates > 0 {
		agg.AverageRate = rateSum / float64(activeRates)
	} else {
		agg.AverageRate = 0
	}
	if peak > agg.PeakRate {
		agg.PeakRate = peak
	}

	if haveTotal && agg.AverageRate > 0 && remaining >= 0 {
		eta := remaining / agg.AverageRate
		agg.ETASeconds = &eta
	} else {
		agg.ETASeconds = nil
	}
}
