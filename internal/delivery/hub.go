package delivery

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loom-ai/loom/internal/eventbus"
	"github.com/loom-ai/loom/internal/ui"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

// Frame is the push payload a device receives when a UI is dispatched to it.
type Frame struct {
	DeviceID    string       `json:"deviceId"`
	GeneratedAt time.Time    `json:"generatedAt"`
	UI          *ui.Document `json:"ui"`
}

// client is one live websocket connection. An empty deviceID marks a
// broadcast listener that receives every device's dispatch.
type client struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

// Hub keeps the per-device cache of the most recently generated UI and fans
// dispatched frames out to live connections. The cache is volatile; a process
// restart starts empty.
type Hub struct {
	logger   *log.Logger
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	cache   map[string]Frame
}

// Option customises hub construction.
type Option func(*Hub)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithEventBus attaches the bus dispatch notifications are published on.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(h *Hub) { h.bus = bus }
}

// NewHub constructs a delivery hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:  log.Default(),
		clients: make(map[*client]struct{}),
		cache:   make(map[string]Frame),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dispatch caches the document for the device and pushes it to every open
// connection for that device plus all broadcast listeners. The cache is
// written before any push, so a connection arriving mid-dispatch still finds
// the frame. Returns the number of connections the frame was pushed to.
func (h *Hub) Dispatch(deviceID string, doc *ui.Document) int {
	frame := Frame{
		DeviceID:    deviceID,
		GeneratedAt: time.Now().UTC(),
		UI:          doc,
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Printf("[Delivery] Encode frame for %s: %v", deviceID, err)
		return 0
	}

	h.mu.Lock()
	h.cache[deviceID] = frame
	pushed := 0
	for c := range h.clients {
		if c.deviceID != deviceID && c.deviceID != "" {
			continue
		}
		select {
		case c.send <- payload:
			pushed++
		default:
			// Slow consumer, skip this frame for it.
		}
	}
	h.mu.Unlock()

	h.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:  eventbus.TopicUIDispatched,
		Source: eventbus.SourceDelivery,
		Payload: eventbus.UIDispatchedEvent{
			DeviceID:    deviceID,
			GeneratedAt: frame.GeneratedAt,
			Connections: pushed,
		},
	})
	return pushed
}

// CachedFrame returns the most recently dispatched frame for a device.
func (h *Hub) CachedFrame(deviceID string) (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	frame, ok := h.cache[deviceID]
	return frame, ok
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the connection to the
// hub. The device is taken from the deviceId query parameter; without one the
// connection becomes a broadcast listener.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[Delivery] Upgrade failed: %v", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		deviceID: r.URL.Query().Get("deviceId"),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	// A late joiner gets the cached document as its first frame.
	if c.deviceID != "" {
		if frame, ok := h.cache[c.deviceID]; ok {
			if payload, err := json.Marshal(frame); err == nil {
				c.send <- payload
			}
		}
	}
	h.mu.Unlock()

	h.logger.Printf("[Delivery] Client %s connected (device=%q)", c.id, c.deviceID)

	go h.writePump(c)
	go h.readPump(c)
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump drains the connection so control frames are processed. Devices do
// not send application messages; anything received is ignored.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Printf("[Delivery] Client %s disconnected", c.id)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Printf("[Delivery] Client %s read error: %v", c.id, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
