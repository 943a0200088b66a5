package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/R3E-Network/taskstream/pkg/selfmetrics"
)

// sendQueueSize is the recommended per-connection outbound buffer depth
// before backpressure kicks in.
const sendQueueSize = 100

// terminal frame types are never dropped under backpressure.
func isTerminal(t FrameType) bool {
	switch t {
	case FrameTaskComplete, FrameTaskError, FrameSystemAlert, FrameError, FrameConnected, FramePong, FrameStatusResponse:
		return true
	default:
		return false
	}
}

// Connection is one live client session, reachable over either WebSocket or
// SSE. Outbound frames flow through a bounded queue drained by a per-
// transport writer goroutine, so broadcast never blocks on a slow client.
type Connection struct {
	ID            string
	ClientID      string
	Authenticated bool
	ConnectedAt   time.Time

	mu          sync.Mutex
	queue       []Frame
	subTasks    map[string]struct{}
	subChannels map[string]struct{}
	lastBeat    time.Time
	closed      bool

	wake chan struct{}
	done chan struct{}

	sentCount    int64
	recvCount    int64
	errCount     int64
	droppedCount int64
}

func newConnection(id, clientID string, authenticated bool) *Connection {
	return &Connection{
		ID:            id,
		ClientID:      clientID,
		Authenticated: authenticated,
		ConnectedAt:   time.Now().UTC(),
		subTasks:      make(map[string]struct{}),
		subChannels:   make(map[string]struct{}),
		lastBeat:      time.Now().UTC(),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// enqueue appends a frame to the outbound queue, dropping the oldest
// non-terminal frame if the queue is full.
func (c *Connection) enqueue(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if len(c.queue) >= sendQueueSize {
		for i, qf := range c.queue {
			if !isTerminal(qf.Type) {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				c.droppedCount++
				selfmetrics.IncHubFramesDropped(string(qf.Type), 1)
				break
			}
		}
		// If every queued frame is terminal, the queue grows past
		// sendQueueSize rather than losing one.
	}
	c.queue = append(c.queue, f)
	c.notify()
}

func (c *Connection) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drain removes and returns every currently queued frame.
func (c *Connection) drain() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *Connection) markSent(n int64)    { c.mu.Lock(); c.sentCount += n; c.mu.Unlock() }
func (c *Connection) markReceived()       { c.mu.Lock(); c.recvCount++; c.mu.Unlock() }
func (c *Connection) markError()          { c.mu.Lock(); c.errCount++; c.mu.Unlock() }
func (c *Connection) touchHeartbeat(t time.Time) { c.mu.Lock(); c.lastBeat = t; c.mu.Unlock() }

func (c *Connection) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastBeat)
}

func (c *Connection) subscribe(taskIDs, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range taskIDs {
		c.subTasks[id] = struct{}{}
	}
	for _, ch := range channels {
		c.subChannels[ch] = struct{}{}
	}
}

func (c *Connection) unsubscribe(taskIDs, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range taskIDs {
		delete(c.subTasks, id)
	}
	for _, ch := range channels {
		delete(c.subChannels, ch)
	}
}

func (c *Connection) subscribesTask(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subTasks[taskID]
	return ok
}

func (c *Connection) subscribesChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subChannels[channel]
	return ok
}

func (c *Connection) subscriptionCounts() (tasks, channels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subTasks), len(c.subChannels)
}

func (c *Connection) markClosed() (alreadyClosed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	c.closed = true
	close(c.done)
	return false
}

func (f Frame) encode() ([]byte, error) {
	return json.Marshal(f)
}
