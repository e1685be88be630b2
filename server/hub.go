package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andbeder/ClinicalGenius/run"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// progressMessage is the wire envelope for execution progress updates.
type progressMessage struct {
	Type     string       `json:"type"`
	Snapshot run.Snapshot `json:"snapshot"`
}

// progressHub fans execution snapshots out to WebSocket clients. The
// polling endpoints remain the source of truth; a client that misses a
// frame (slow reader, full buffer) just polls.
type progressHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

type wsClient struct {
	conn *websocket.Conn
	send chan progressMessage
}

func newProgressHub(allowedOrigins []string, log *zap.SugaredLogger) *progressHub {
	return &progressHub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Broadcast sends a snapshot to every connected client. Runs on the batch
// worker goroutine; a full client buffer drops the frame rather than
// stalling the execution.
func (h *progressHub) Broadcast(snap run.Snapshot) {
	msg := progressMessage{Type: "execution_progress", Snapshot: snap}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

func (h *progressHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan progressMessage, 16)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Debugw("websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(client)
	h.readPump(client)
}

func (h *progressHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; the stream is one-way. It exists to
// notice disconnects and process pongs.
func (h *progressHub) readPump(c *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
