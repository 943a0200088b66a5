package hub

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// splitCSV parses the comma-separated subscription query parameters
// (task_ids, channels) used by the one-way stream's handshake.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ServeSSE serves a one-way Server-Sent Events stream. Subscriptions are
// fixed at connect time via query parameters since an SSE client cannot
// send subscribe frames after the handshake.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	token := bearerOrQueryToken(r)

	result := h.Connect(clientID, token)
	if result.Rejected {
		http.Error(w, result.RejectMsg, http.StatusServiceUnavailable)
		return
	}
	c := result.Conn

	taskIDs := splitCSV(r.URL.Query().Get("task_ids"))
	channels := splitCSV(r.URL.Query().Get("channels"))
	if len(taskIDs) > 0 || len(channels) > 0 {
		h.subscribe(c.ID, taskIDs, channels)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	defer h.Disconnect(c.ID, ReasonClientClosed)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.wake:
			for _, f := range c.drain() {
				blob, err := f.encode()
				if err != nil {
					continue
				}
				start := time.Now()
				if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", f.ID, f.Type, blob); err != nil {
					c.markError()
					return
				}
				c.markSent(1)
				flusher.Flush()
				if h.series != nil {
					h.series.Record(r.Context(), "sse-latency", float64(time.Since(start).Microseconds())/1000, nil, time.Now().UTC())
				}
			}
		}
	}
}
