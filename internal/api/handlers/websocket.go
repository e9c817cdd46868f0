package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/neondeck/internal/api/middleware"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/scanrun"
)

const (
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Size of the broadcast channel buffer
	clientBuffer    = 16                                                 // Messages queued per client before it is dropped
)

// WebSocketMessage is the envelope pushed to subscribers.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// RunEventHub fans scan run events out to websocket subscribers. It is the
// coordinator's event publisher.
type RunEventHub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	clients    map[*wsClient]struct{}
	mu         sync.RWMutex
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
}

var _ scanrun.Publisher = (*RunEventHub)(nil)

// NewRunEventHub creates a hub and starts its dispatch goroutine.
// allowedOrigins limits browser connections; "*" or an empty list allows any.
func NewRunEventHub(logger *logging.Logger, allowedOrigins []string) *RunEventHub {
	h := &RunEventHub{
		logger: logger.WithComponent("api.websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, bufferSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// Publish implements scanrun.Publisher. It never blocks; when the
// broadcast buffer is full the event is dropped.
func (h *RunEventHub) Publish(event scanrun.Event) {
	data, err := json.Marshal(WebSocketMessage{
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Data:      event,
	})
	if err != nil {
		h.logger.Error("Failed to marshal run event", "type", event.Type, "error", err)
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- data:
	default:
		h.logger.Warn("Run event broadcast channel full, dropping message", "type", event.Type)
	}
}

// ServeWS handles GET /api/ws/scans.
func (h *RunEventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	h.logger.Debug("WebSocket client connected", "request_id", requestID, "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// run owns client registration and message fan-out.
func (h *RunEventHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.drop(c)

		case message := <-h.broadcast:
			h.mu.RLock()
			var slow []*wsClient
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.logger.Warn("Dropping slow WebSocket client")
				h.drop(c)
			}
		}
	}
}

func (h *RunEventHub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump discards client messages and detects disconnects.
func (h *RunEventHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "error", err)
			}
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive.
func (h *RunEventHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Write failed, closing connection", "error", err)
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

// ClientCount returns the number of connected subscribers.
func (h *RunEventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and stops the hub.
func (h *RunEventHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.logger.Info("WebSocket hub closed")
	})
}
