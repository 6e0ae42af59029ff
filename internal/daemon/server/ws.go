package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/internal/daemon/bus"
)

const (
	wsSendBuffer   = 64
	wsPingInterval = 30 * time.Second
	// Two missed pings and the read deadline fires.
	wsPongWait     = 2*wsPingInterval + 15*time.Second
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 4096
)

// wsEvent is the wire shape pushed to WebSocket clients.
type wsEvent struct {
	Channel   string      `json:"channel"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// wsCommand is what clients may send: channel subscription updates.
type wsCommand struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsEvent

	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *wsClient) wants(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

func (c *wsClient) setChannels(channels []string) {
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[ch] = struct{}{}
	}
	c.mu.Lock()
	c.channels = set
	c.mu.Unlock()
}

// Hub fans bus events out to WebSocket clients. A client that cannot keep
// up with the send buffer is dropped rather than allowed to stall the fan-out.
type Hub struct {
	logger   *logrus.Entry
	events   *bus.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub builds a hub over the event bus. allowedOrigins follows the CORS
// config: empty allows same-origin and non-browser clients only, "*" allows
// everything.
func NewHub(logger *logrus.Entry, events *bus.Bus, allowedOrigins []string) *Hub {
	h := &Hub{
		logger:  logger,
		events:  events,
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsMaxFrameSize,
		WriteBufferSize: wsMaxFrameSize,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
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

// Run consumes the bus until the context ends, then closes every client
// with 1001 (going away).
func (h *Hub) Run(ctx context.Context) {
	sub := h.events.Subscribe()
	defer h.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt, ok := <-sub.C:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(evt)
		}
	}
}

func (h *Hub) broadcast(evt bus.Event) {
	wire := wsEvent{
		Channel:   evt.Channel,
		Type:      evt.Type,
		Data:      evt.Data,
		Timestamp: evt.Timestamp,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(evt.Channel) {
			continue
		}
		select {
		case c.send <- wire:
		default:
			// The slow client loses its connection, not the hub its pace.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade rejected")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan wsEvent, wsSendBuffer),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

// readPump consumes subscribe commands and keeps the liveness deadline
// fresh on pongs.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		if cmd.Type == "subscribe" {
			c.setChannels(cmd.Channels)
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Removed by the hub: overflow or shutdown.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon closing"))
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
