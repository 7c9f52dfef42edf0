package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one fleet change notification: a node joining/leaving, or a
// transaction outcome.
type Event struct {
	Type      string      `json:"type"`
	NodeIP    string      `json:"node_ip,omitempty"`
	Operation string      `json:"operation,omitempty"`
	Outcome   string      `json:"outcome,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// EventHub fans registry/coordinator events out to websocket subscribers.
// Subscribers are read-only: nothing they send back affects fleet state.
type EventHub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan Event
}

// NewEventHub builds a hub and starts its broadcast loop.
func NewEventHub() *EventHub {
	h := &EventHub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 256),
	}
	go h.run()
	return h
}

// HandleConnection upgrades an HTTP request to a websocket and registers the
// connection as a subscriber until it disconnects.
func (h *EventHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Subscribers are read-only: drain and discard anything they send so
	// control frames (ping, close) get processed, and exit on close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast queues an event for delivery to every connected subscriber. It
// never blocks the caller: a full queue drops the event rather than stall
// the coordinator or registry.
func (h *EventHub) Broadcast(evt Event) {
	select {
	case h.broadcast <- evt:
	default:
	}
}

func (h *EventHub) run() {
	for evt := range h.broadcast {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}

		h.mu.Lock()
		for conn := range h.clients {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}
