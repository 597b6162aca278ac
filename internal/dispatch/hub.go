package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"callflow/internal/call"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 64
)

// Hub fans events out to connected WebSocket clients, keyed by user id.
// A user may hold several connections (multiple devices); every connection
// of a recipient gets the event.
//
// The hub never blocks a sender: a connection whose send buffer is full is
// dropped as unrecoverably slow.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*wsConn]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, conns: make(map[string]map[*wsConn]struct{})}
}

// Deliver implements Sink.
func (h *Hub) Deliver(ctx context.Context, ev call.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", "event_id", ev.ID, "err", err)
		return
	}

	h.mu.Lock()
	targets := make([]*wsConn, 0)
	for _, user := range ev.Recipients {
		for c := range h.conns[user] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(payload) {
			h.log.Warn("websocket client too slow, disconnecting", "user", c.user)
			h.remove(c)
			c.close()
		}
	}
}

// Serve registers conn for user and pumps it until the peer disconnects or
// ctx is cancelled. It blocks; callers run it from the HTTP handler
// goroutine of the upgrade request.
func (h *Hub) Serve(ctx context.Context, user string, conn *websocket.Conn) {
	c := &wsConn{user: user, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.conns[user] == nil {
		h.conns[user] = make(map[*wsConn]struct{})
	}
	h.conns[user][c] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("websocket connected", "user", user)
	defer func() {
		h.remove(c)
		c.close()
		h.log.Debug("websocket disconnected", "user", user)
	}()

	go c.writePump(ctx)
	c.readPump()
}

// Connections reports the number of live connections (ops surface).
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[c.user]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.user)
		}
	}
}

type wsConn struct {
	user string
	conn *websocket.Conn
	send chan []byte

	// mu serializes sends against close so a disconnect during delivery can
	// never turn trySend into a send on a closed channel.
	mu     sync.Mutex
	closed bool
}

func (c *wsConn) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// readPump discards inbound frames; the stream is server-to-client only.
// It exists to service pongs and to notice the peer going away.
func (c *wsConn) readPump() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
