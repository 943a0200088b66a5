// Package hub is the Fan-out Hub: a registry of live WebSocket/SSE
// connections with task-id and channel inverted indices, broadcasting
// Progress Engine events and alerts to subscribers.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/R3E-Network/taskstream/internal/metricsseries"
	"github.com/R3E-Network/taskstream/internal/progress"
	"github.com/R3E-Network/taskstream/internal/ratelimit"
	"github.com/R3E-Network/taskstream/internal/store"
	"github.com/R3E-Network/taskstream/pkg/logger"
	"github.com/R3E-Network/taskstream/pkg/selfmetrics"
)

// Config tunes the hub.
type Config struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	JWTSecret         []byte
	ConnectRate       ratelimit.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		ClientTimeout:     120 * time.Second,
		ConnectRate:       ratelimit.DefaultConfig(),
	}
}

// CloseReason is passed to Disconnect and surfaced to transports that
// support a close code/reason.
type CloseReason string

const (
	ReasonTimeout        CloseReason = "timeout"
	ReasonServerShutdown CloseReason = "server_shutdown"
	ReasonCapacity       CloseReason = "capacity"
	ReasonClientClosed   CloseReason = "client_closed"
	ReasonError          CloseReason = "error"
)

// Stats is the snapshot returned by Hub.Stats.
type Stats struct {
	ActiveConnections    int
	MaxConnections       int
	TotalCreated         int64
	TotalSent            int64
	TotalReceived        int64
	TotalErrors          int64
	AverageSendLatencyMs float64
	TaskSubscriptions    int
	ChannelSubscriptions int
}

// Hub owns the connection registry and the two inverted indices.
type Hub struct {
	cfg Config
	log *logger.Logger

	engine *progress.Engine
	gw     *store.Gateway       // pub/sub event source; nil falls back to in-process delivery
	series *metricsseries.Store // optional; feeds the sse-latency built-in series

	mu        sync.RWMutex
	conns     map[string]*Connection
	byTask    map[string]map[string]struct{}
	byChannel map[string]map[string]struct{}

	statsMu       sync.Mutex
	totalCreated  int64
	totalSent     int64
	totalReceived int64
	totalErrors   int64
	latencySum    float64
	latencyCount  int64

	unsubProgress  func()
	connectLimiter *ratelimit.Limiter
}

// New constructs a Fan-out Hub. When gw is non-nil the hub receives
// progress events by subscribing to the gateway's progress_updates channel
// (run the consumer with RunSubscriber); when gw is nil it falls back to
// the Progress Engine's in-process subscription, which keeps single-process
// tests free of a pub/sub round trip. The two paths are never both active,
// so no event is delivered twice.
func New(cfg Config, engine *progress.Engine, gw *store.Gateway, log *logger.Logger) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 120 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("hub")
	}
	h := &Hub{
		cfg:            cfg,
		log:            log,
		engine:         engine,
		gw:             gw,
		conns:          make(map[string]*Connection),
		byTask:         make(map[string]map[string]struct{}),
		byChannel:      make(map[string]map[string]struct{}),
		connectLimiter: ratelimit.New(cfg.ConnectRate),
	}
	if engine != nil && gw == nil {
		h.unsubProgress = engine.Subscribe("", h.onProgressEvent)
	}
	return h
}

// SetSeries attaches the Metric Series Store the hub records SSE write
// latency into. Optional.
func (h *Hub) SetSeries(s *metricsseries.Store) {
	h.series = s
}

// Close detaches the hub from the Progress Engine and disconnects every
// live connection (called from the daemon's shutdown sequence in main).
func (h *Hub) Close() {
	if h.unsubProgress != nil {
		h.unsubProgress()
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Disconnect(id, ReasonServerShutdown)
	}
}

// --- Connect / disconnect -----------------------------------------------------------

// ConnectResult is returned by Connect.
type ConnectResult struct {
	Conn      *Connection
	Rejected  bool
	RejectMsg string
}

// Connect registers a new connection, enforcing the capacity limit and
// validating an optional bearer token.
func (h *Hub) Connect(clientID, token string) ConnectResult {
	if !h.connectLimiter.Allow() {
		return ConnectResult{Rejected: true, RejectMsg: "connection rate limit exceeded"}
	}

	authenticated := false
	if token != "" {
		if err := h.validateToken(token); err == nil {
			authenticated = true
		} else {
			h.log.WithField("client", clientID).Debugf("token validation failed: %v", err)
		}
	}

	id := uuid.NewString()
	conn := newConnection(id, clientID, authenticated)

	// The capacity check and the insert must happen under the same lock
	// acquisition: releasing the lock between them lets two concurrent
	// Connect calls both pass the check and both insert, admitting one more
	// connection than MaxConnections.
	h.mu.Lock()
	if len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return ConnectResult{Rejected: true, RejectMsg: fmt.Sprintf("connection limit of %d reached", h.cfg.MaxConnections)}
	}
	h.conns[id] = conn
	h.mu.Unlock()

	h.statsMu.Lock()
	h.totalCreated++
	h.statsMu.Unlock()
	selfmetrics.SetHubConnections(h.connectionCount())

	conn.enqueue(newFrame(FrameConnected, ConnectedPayload{
		ClientID:          id,
		ServerTime:        time.Now().UTC().Format(time.RFC3339Nano),
		AvailableChannels: []string{"progress", "system", "alerts"},
		HeartbeatInterval: h.cfg.HeartbeatInterval.Seconds(),
		Authenticated:     authenticated,
		Features: FeatureSet{
			Heartbeat:               true,
			BackpressureDrop:        true,
			ReconnectReconciliation: true,
		},
	}))

	return ConnectResult{Conn: conn}
}

func (h *Hub) validateToken(token string) error {
	if len(h.cfg.JWTSecret) == 0 {
		return fmt.Errorf("no jwt secret configured")
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return h.cfg.JWTSecret, nil
	})
	return err
}

// Disconnect removes a connection from every index and closes its
// transport. Idempotent.
func (h *Hub) Disconnect(id string, reason CloseReason) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, id)
	for taskID, set := range h.byTask {
		delete(set, id)
		if len(set) == 0 {
			delete(h.byTask, taskID)
		}
	}
	for ch, set := range h.byChannel {
		delete(set, id)
		if len(set) == 0 {
			delete(h.byChannel, ch)
		}
	}
	h.mu.Unlock()

	conn.markClosed()
	selfmetrics.SetHubConnections(h.connectionCount())
	h.log.WithField("connection", id).Debugf("disconnected: %s", reason)
}

func (h *Hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// --- Subscription management -----------------------------------------------------------

func (h *Hub) subscribe(connID string, taskIDs, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	conn.subscribe(taskIDs, channels)
	for _, id := range taskIDs {
		if h.byTask[id] == nil {
			h.byTask[id] = make(map[string]struct{})
		}
		h.byTask[id][connID] = struct{}{}
	}
	for _, ch := range channels {
		if h.byChannel[ch] == nil {
			h.byChannel[ch] = make(map[string]struct{})
		}
		h.byChannel[ch][connID] = struct{}{}
	}
}

func (h *Hub) unsubscribe(connID string, taskIDs, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	conn.unsubscribe(taskIDs, channels)
	for _, id := range taskIDs {
		if set, ok := h.byTask[id]; ok {
			delete(set, connID)
		}
	}
	for _, ch := range channels {
		if set, ok := h.byChannel[ch]; ok {
			delete(set, connID)
		}
	}
}

// --- Broadcast -----------------------------------------------------------

// onProgressEvent resolves the subscribers for the event's task id and
// enqueues the matching frame on each.
func (h *Hub) onProgressEvent(ev progress.Event) {
	frameType := FrameProgressUpdate
	if ev.Stage != "" {
		frameType = FrameStageUpdate
	}
	switch ev.EventKind {
	case progress.EventTaskCompleted:
		frameType = FrameTaskComplete
	case progress.EventTaskFailed:
		frameType = FrameTaskError
	}

	payload := ProgressUpdatePayload{
		TaskID:    ev.TaskID,
		Status:    ev.Status,
		Stage:     ev.Stage,
		Aggregate: ev.Aggregate,
		Message:   ev.Message,
	}

	var frame Frame
	if frameType == FrameTaskError {
		frame = newFrame(FrameTaskError, TaskErrorPayload{TaskID: ev.TaskID, Error: ev.Error})
	} else {
		frame = newFrame(frameType, payload)
	}

	h.mu.RLock()
	subscribers := h.byTask[ev.TaskID]
	targets := make([]*Connection, 0, len(subscribers))
	for id := range subscribers {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.sendConcurrently(targets, frame)
}

// BroadcastAlert sends a system_alert frame to every connection subscribed
// to the alerts channel.
func (h *Hub) BroadcastAlert(alertID, severity, title, message string) {
	frame := newFrame(FrameSystemAlert, SystemAlertPayload{
		AlertID: alertID, Severity: severity, Title: title, Message: message,
	})

	h.mu.RLock()
	subscribers := h.byChannel["alerts"]
	targets := make([]*Connection, 0, len(subscribers))
	for id := range subscribers {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.sendConcurrently(targets, frame)
}

// sendConcurrently enqueues frame on every target connection concurrently;
// enqueue on an already-closed connection discards the frame, so one dead
// connection never blocks or affects the others.
func (h *Hub) sendConcurrently(targets []*Connection, frame Frame) {
	start := time.Now()
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.enqueue(frame)
		}(c)
	}
	wg.Wait()

	h.statsMu.Lock()
	h.latencySum += time.Since(start).Seconds() * 1000
	h.latencyCount++
	h.statsMu.Unlock()
	selfmetrics.ObserveHubSend(time.Since(start).Seconds())
}

// --- Heartbeat -----------------------------------------------------------

// Heartbeat disconnects every connection whose last activity is older
// than the configured client timeout. Intended to be called periodically
// by a supervisor.Loop.
func (h *Hub) Heartbeat(ctx context.Context) error {
	now := time.Now().UTC()
	h.mu.RLock()
	stale := make([]string, 0)
	for id, c := range h.conns {
		if c.heartbeatAge(now) > h.cfg.ClientTimeout {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.Disconnect(id, ReasonTimeout)
	}
	return nil
}

// handlePing updates the connection's heartbeat and replies with pong
// echoing the client's payload.
func (h *Hub) handlePing(connID string, payload PingPayload) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	conn.touchHeartbeat(time.Now().UTC())
	conn.enqueue(newFrame(FramePong, PongPayload{Payload: payload.Payload}))
}

func (h *Hub) handleGetStatus(ctx context.Context, connID string, taskIDs []string) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	tasks := make(map[string]TaskStatusSnapshot, len(taskIDs))
	if h.engine != nil {
		for _, id := range taskIDs {
			task, err := h.engine.GetTask(ctx, id)
			if err != nil || task == nil {
				continue
			}
			agg, err := h.engine.GetAggregate(ctx, id)
			if err != nil {
				continue
			}
			tasks[id] = TaskStatusSnapshot{Status: task.Status, EventsCount: task.EventsCount, Aggregate: agg}
		}
	}
	conn.enqueue(newFrame(FrameStatusResponse, StatusResponsePayload{Tasks: tasks}))
}

// --- Statistics -----------------------------------------------------------

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	active := len(h.conns)
	var taskSubs, chanSubs int
	for _, c := range h.conns {
		t, ch := c.subscriptionCounts()
		taskSubs += t
		chanSubs += ch
	}
	var sent, recv, errs int64
	for _, c := range h.conns {
		c.mu.Lock()
		sent += c.sentCount
		recv += c.recvCount
		errs += c.errCount
		c.mu.Unlock()
	}
	h.mu.RUnlock()

	h.statsMu.Lock()
	totalCreated, totalErrors := h.totalCreated, h.totalErrors+errs
	avgLatency := 0.0
	if h.latencyCount > 0 {
		avgLatency = h.latencySum / float64(h.latencyCount)
	}
	h.statsMu.Unlock()

	return Stats{
		ActiveConnections:    active,
		MaxConnections:       h.cfg.MaxConnections,
		TotalCreated:         totalCreated,
		TotalSent:            sent,
		TotalReceived:        recv,
		TotalErrors:          totalErrors,
		AverageSendLatencyMs: avgLatency,
		TaskSubscriptions:    taskSubs,
		ChannelSubscriptions: chanSubs,
	}
}
