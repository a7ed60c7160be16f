package ws

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades /ws/events requests. Query parameters:
// channel limits events to one channel, frames=true attaches the
// annotated JPEG.
type Handler struct {
	hub *EventHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *EventHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	withFrame, _ := strconv.ParseBool(q.Get("frames"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, channel: q.Get("channel"), withFrame: withFrame}
	log.Printf("[WS] New connection from %s", r.RemoteAddr)
	h.hub.register(c)

	go h.readPump(c)
}

// readPump keeps the connection alive and notices disconnection. Clients
// are not expected to send anything.
func (h *Handler) readPump(c *client) {
	conn := c.conn
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}
	}
}
