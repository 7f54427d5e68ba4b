package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/parimutuel-engine/internal/metrics"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsClientBuf  = 64
)

// wsClient is one WebSocket subscriber. A zero round receives every event.
type wsClient struct {
	conn  *websocket.Conn
	round uint64
	send  chan []byte
}

type wsFrame struct {
	round uint64
	data  []byte
}

// WSHub manages WebSocket connections and pushes committed events to them.
// Each client has its own writer goroutine; a client whose buffer is full
// is disconnected rather than slowing the hub down.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan wsFrame
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan wsFrame, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and returns when ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.drop(c)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "round", c.round, "total", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case f := <-h.broadcast:
			for c := range h.clients {
				if c.round != 0 && c.round != f.round {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Publish queues an event for connected clients. It never blocks.
func (h *WSHub) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsFrame{round: e.RoundID, data: data}:
	default:
		metrics.EventsDropped.WithLabelValues("ws").Inc()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws. An optional ?round=<id> limits the
// stream to one round.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var round uint64
	if v := r.URL.Query().Get("round"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid round", http.StatusBadRequest)
			return
		}
		round = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, round: round, send: make(chan []byte, wsClientBuf)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(c)
	go c.writePump()
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It exits when the hub
// closes c.send.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
