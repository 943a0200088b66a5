package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/taskstream/internal/progress"
)

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	return New(cfg, nil, nil, nil)
}

func TestConnectAssignsIDAndSendsWelcome(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	result := h.Connect("client-1", "")
	require.False(t, result.Rejected)
	require.NotEmpty(t, result.Conn.ID)

	frames := result.Conn.drain()
	require.Len(t, frames, 1)
	require.Equal(t, FrameConnected, frames[0].Type)
}

func TestConnectRejectsOverCapacity(t *testing.T) {
	h := newTestHub(t, Config{MaxConnections: 1, HeartbeatInterval: time.Second, ClientTimeout: time.Minute})
	first := h.Connect("a", "")
	require.False(t, first.Rejected)

	second := h.Connect("b", "")
	require.True(t, second.Rejected)
	require.Contains(t, second.RejectMsg, "connection limit")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	result := h.Connect("a", "")
	h.Disconnect(result.Conn.ID, ReasonClientClosed)
	h.Disconnect(result.Conn.ID, ReasonClientClosed) // must not panic
}

func TestSubscribeBuildsTaskIndex(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	result := h.Connect("a", "")
	h.subscribe(result.Conn.ID, []string{"task-1"}, []string{"alerts"})

	h.mu.RLock()
	_, ok := h.byTask["task-1"][result.Conn.ID]
	h.mu.RUnlock()
	require.True(t, ok)
}

func TestOnProgressEventDeliversToSubscribersOnly(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	subscribed := h.Connect("a", "")
	unsubscribed := h.Connect("b", "")
	h.subscribe(subscribed.Conn.ID, []string{"task-1"}, nil)

	h.onProgressEvent(progress.Event{
		TaskID:    "task-1",
		EventKind: progress.EventStageProgress,
		Aggregate: progress.AggregateProgress{Percentage: 50},
	})

	subFrames := subscribed.Conn.drain()
	require.Len(t, subFrames, 2) // connected + progress_update
	require.Equal(t, FrameProgressUpdate, subFrames[1].Type)

	unsubFrames := unsubscribed.Conn.drain()
	require.Len(t, unsubFrames, 1) // only connected
}

func TestBackpressureDropsOldestNonTerminalFrame(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	result := h.Connect("a", "")
	result.Conn.drain() // clear the welcome frame

	for i := 0; i < sendQueueSize+5; i++ {
		result.Conn.enqueue(newFrame(FrameProgressUpdate, nil))
	}

	frames := result.Conn.drain()
	require.Len(t, frames, sendQueueSize)
	require.Equal(t, int64(5), result.Conn.droppedCount)
}

func TestBackpressureNeverDropsTerminalFrames(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	result := h.Connect("a", "")
	result.Conn.drain()

	for i := 0; i < sendQueueSize+3; i++ {
		result.Conn.enqueue(newFrame(FrameTaskComplete, nil))
	}

	frames := result.Conn.drain()
	require.Len(t, frames, sendQueueSize+3)
	require.Equal(t, int64(0), result.Conn.droppedCount)
}

func TestHeartbeatDisconnectsStaleConnections(t *testing.T) {
	h := newTestHub(t, Config{MaxConnections: 10, HeartbeatInterval: time.Second, ClientTimeout: time.Millisecond})
	result := h.Connect("a", "")
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, h.Heartbeat(context.Background()))

	stats := h.Stats()
	require.Equal(t, 0, stats.ActiveConnections)
	_ = result
}

func TestPingRepliesWithPong(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	result := h.Connect("a", "")
	result.Conn.drain()

	h.handlePing(result.Conn.ID, PingPayload{Payload: "abc"})

	frames := result.Conn.drain()
	require.Len(t, frames, 1)
	require.Equal(t, FramePong, frames[0].Type)
	require.Equal(t, PongPayload{Payload: "abc"}, frames[0].Data)
}

func TestStatsReportsSubscriptionCounts(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	result := h.Connect("a", "")
	h.subscribe(result.Conn.ID, []string{"t1", "t2"}, []string{"alerts"})

	stats := h.Stats()
	require.Equal(t, 2, stats.TaskSubscriptions)
	require.Equal(t, 1, stats.ChannelSubscriptions)
}
