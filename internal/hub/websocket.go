package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader mirrors the permissive CheckOrigin used for local/dashboard-style
// deployments; production deployments terminate TLS and origin checks at
// the ingress in front of this process.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// ServeWebSocket upgrades the request and pumps frames in both directions
// until the client disconnects or the context is cancelled.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	token := bearerOrQueryToken(r)

	result := h.Connect(clientID, token)
	if result.Rejected {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1013, result.RejectMsg),
				time.Now().Add(writeWait))
			conn.Close()
		}
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Disconnect(result.Conn.ID, ReasonError)
		return
	}

	c := result.Conn
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.wsWriter(ctx, wsConn, c)
	h.wsReader(ctx, wsConn, c)

	h.Disconnect(c.ID, ReasonClientClosed)
	wsConn.Close()
}

func (h *Hub) wsWriter(ctx context.Context, wsConn *websocket.Conn, c *Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.wake:
			frames := c.drain()
			for _, f := range frames {
				blob, err := f.encode()
				if err != nil {
					continue
				}
				wsConn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := wsConn.WriteMessage(websocket.TextMessage, blob); err != nil {
					c.markError()
					return
				}
				c.markSent(1)
			}
		}
	}
}

func (h *Hub) wsReader(ctx context.Context, wsConn *websocket.Conn, c *Connection) {
	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		c.markReceived()
		c.touchHeartbeat(time.Now().UTC())

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.enqueue(newFrame(FrameError, ErrorPayload{Code: "bad_frame", Message: "could not parse frame"}))
			continue
		}
		h.dispatchIncoming(ctx, c.ID, frame)
	}
}

// dispatchIncoming routes one parsed client frame to the matching hub
// operation.
func (h *Hub) dispatchIncoming(ctx context.Context, connID string, frame Frame) {
	raw, err := json.Marshal(frame.Data)
	if err != nil {
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		var p SubscribePayload
		if json.Unmarshal(raw, &p) == nil {
			h.subscribe(connID, p.TaskIDs, p.Channels)
		}
	case FrameUnsubscribe:
		var p SubscribePayload
		if json.Unmarshal(raw, &p) == nil {
			h.unsubscribe(connID, p.TaskIDs, p.Channels)
		}
	case FramePing:
		var p PingPayload
		json.Unmarshal(raw, &p)
		h.handlePing(connID, p)
	case FrameGetStatus:
		var p GetStatusPayload
		if json.Unmarshal(raw, &p) == nil {
			h.handleGetStatus(ctx, connID, p.TaskIDs)
		}
	default:
		h.mu.RLock()
		conn, ok := h.conns[connID]
		h.mu.RUnlock()
		if ok {
			conn.enqueue(newFrame(FrameError, ErrorPayload{Code: "unknown_frame_type", Message: string(frame.Type)}))
		}
	}
}

func bearerOrQueryToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}
