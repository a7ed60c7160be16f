// Package ws pushes recognition events to WebSocket clients.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"medlabel/internal/pipeline"
)

const writeWait = 10 * time.Second

type client struct {
	conn      *websocket.Conn
	channel   string // empty receives every channel
	withFrame bool
	writeMu   sync.Mutex
}

func (c *client) wants(channel string) bool {
	return c.channel == "" || c.channel == channel
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// EventHub fans recognition events out to WebSocket clients. It implements
// pipeline.RecognitionEventHandler and is subscribed to the event bus.
type EventHub struct {
	clients map[*websocket.Conn]*client
	mu      sync.RWMutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[*websocket.Conn]*client),
	}
}

func (h *EventHub) register(c *client) {
	h.mu.Lock()
	h.clients[c.conn] = c
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[WS] Client registered (channel=%q, total: %d)", c.channel, n)
}

func (h *EventHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		log.Printf("[WS] Client unregistered")
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnRecognitionEvent implements pipeline.RecognitionEventHandler
func (h *EventHub) OnRecognitionEvent(e *pipeline.RecognitionEvent) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.wants(e.Channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var plain, framed []byte
	for _, c := range targets {
		var data []byte
		var err error
		if c.withFrame {
			if framed == nil {
				framed, err = json.Marshal(NewRecognitionMessage(e, true))
			}
			data = framed
		} else {
			if plain == nil {
				plain, err = json.Marshal(NewRecognitionMessage(e, false))
			}
			data = plain
		}
		if err != nil {
			log.Printf("[WS] Error marshaling recognition message: %v", err)
			return
		}

		if err := c.write(data); err != nil {
			log.Printf("[WS] Error sending to client: %v", err)
			h.unregister(c.conn)
			c.conn.Close()
		}
	}
}

// Close disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

var _ pipeline.RecognitionEventHandler = (*EventHub)(nil)
