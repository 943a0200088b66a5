package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/taskstream/internal/progress"
	"github.com/R3E-Network/taskstream/internal/store"
)

func newPubSubHub(t *testing.T) (*Hub, *store.Gateway) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := store.NewFromClient(client, store.Config{MaxRetries: 2, OpTimeout: time.Second, Deadline: 2 * time.Second}, nil)
	return New(DefaultConfig(), nil, gw, nil), gw
}

// The hub receives events over the store's pub/sub channel, so the Progress
// Engine could live in a different process entirely.
func TestRunSubscriberDeliversPublishedEvents(t *testing.T) {
	h, gw := newPubSubHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = h.RunSubscriber(ctx) }()

	result := h.Connect("client", "")
	require.False(t, result.Rejected)
	result.Conn.drain() // welcome frame
	h.subscribe(result.Conn.ID, []string{"t1"}, nil)

	blob, err := json.Marshal(progress.Event{
		TaskID:    "t1",
		EventKind: progress.EventStageProgress,
		Stage:     "downloading",
		Aggregate: progress.AggregateProgress{Percentage: 40},
	})
	require.NoError(t, err)

	// The subscription is established asynchronously; republish until the
	// frame lands or the deadline passes.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, gw.Publish(ctx, store.ProgressChannel, string(blob)))
		time.Sleep(20 * time.Millisecond)
		frames := result.Conn.drain()
		if len(frames) > 0 {
			require.Equal(t, FrameStageUpdate, frames[0].Type)
			payload, ok := frames[0].Data.(ProgressUpdatePayload)
			require.True(t, ok)
			require.Equal(t, "t1", payload.TaskID)
			require.InDelta(t, 40.0, payload.Aggregate.Percentage, 0.001)
			return
		}
	}
	t.Fatal("no frame delivered through the pub/sub subscriber")
}

func TestRunSubscriberSkipsMalformedPayloads(t *testing.T) {
	h, gw := newPubSubHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = h.RunSubscriber(ctx) }()

	result := h.Connect("client", "")
	result.Conn.drain()
	h.subscribe(result.Conn.ID, []string{"t1"}, nil)

	// Malformed JSON must be discarded without killing the consumer loop.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, gw.Publish(ctx, store.ProgressChannel, "{not json"))

	blob, err := json.Marshal(progress.Event{TaskID: "t1", EventKind: progress.EventTaskCompleted})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, gw.Publish(ctx, store.ProgressChannel, string(blob)))
		time.Sleep(20 * time.Millisecond)
		for _, f := range result.Conn.drain() {
			if f.Type == FrameTaskComplete {
				return
			}
		}
	}
	t.Fatal("subscriber stopped delivering after a malformed payload")
}

func TestRunSubscriberWithoutGatewayReturnsImmediately(t *testing.T) {
	h := New(DefaultConfig(), nil, nil, nil)
	require.NoError(t, h.RunSubscriber(context.Background()))
}
