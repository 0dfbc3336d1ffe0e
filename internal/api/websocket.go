package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The upgrade happens after bearer auth; tokens, not origins, gate
	// access here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024
)

// wsClient is one dashboard connection. All writes go through writePump, the
// only goroutine allowed to touch the connection's write side.
type wsClient struct {
	conn   *websocket.Conn
	events <-chan []byte
	cancel func()
	done   chan struct{}
	once   sync.Once
}

// handleWebSocket upgrades the request and streams bus events until the
// client goes away. Slow consumers lose events rather than stalling the bus;
// the dashboard refetches on reconnect anyway.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "error", err)
		return
	}

	events, cancel := s.bus.Subscribe()
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case out <- b:
			default:
			}
		}
	}()

	client := &wsClient{
		conn:   conn,
		events: out,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	slog.Info("[WS] dashboard connected", "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
		slog.Info("[WS] dashboard disconnected")
	})
}

// writePump serializes all writes: events, pings and the close frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump drains the connection for control frames. The stream is one-way;
// any data the client sends is discarded.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[WS] read error", "error", err)
			}
			return
		}
	}
}
