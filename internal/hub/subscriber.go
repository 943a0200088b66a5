package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/R3E-Network/taskstream/internal/progress"
	"github.com/R3E-Network/taskstream/internal/store"
)

// subscriberRetryDelay paces reconnect attempts when the store's pub/sub
// subscription drops.
const subscriberRetryDelay = time.Second

// RunSubscriber consumes the progress_updates channel through the Store
// Gateway and fans each event out to subscribed connections. The hub
// deliberately receives events over the store's pub/sub rather than an
// in-process callback so the Progress Engine and the hub can run in
// separate processes; a hub constructed without a gateway falls back to
// the in-process path instead.
//
// Blocks until ctx is cancelled. A dropped subscription backs off and
// resubscribes, so clients keep their connections and event flow resumes
// without a reconnect once the store recovers.
func (h *Hub) RunSubscriber(ctx context.Context) error {
	if h.gw == nil {
		return nil
	}
	for {
		if err := h.consumeEvents(ctx); err != nil {
			h.log.Warnf("progress subscription lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(subscriberRetryDelay):
		}
	}
}

func (h *Hub) consumeEvents(ctx context.Context) error {
	sub := h.gw.Subscribe(ctx, store.ProgressChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			var ev progress.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.Warnf("discarding malformed progress event: %v", err)
				continue
			}
			h.onProgressEvent(ev)
		}
	}
}

var errSubscriptionClosed = errors.New("hub: pub/sub channel closed")
