package main

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/taskforge/queue_service/events"
)

const maxWSConnections = 200

// EventHub fans published task events out to WebSocket subscribers.
// Each client subscribes with a binding pattern matched against the
// event's routing key and CC keys. Single broadcaster pattern prevents
// N duplicate delivery goroutines.
type EventHub struct {
	clients    map[*websocket.Conn]subscription
	register   chan registration
	unregister chan *websocket.Conn
	deliver    chan events.Event
	mu         sync.RWMutex
}

type subscription struct {
	topic   events.Topic
	pattern string
}

type registration struct {
	conn *websocket.Conn
	sub  subscription
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]subscription),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		deliver:    make(chan events.Event, 256),
	}
}

// Publish implements events.Publisher. Delivery to WebSocket clients is
// best-effort: a full buffer drops the event rather than blocking the
// lifecycle operation that published it.
func (h *EventHub) Publish(_ context.Context, event events.Event) error {
	select {
	case h.deliver <- event:
	default:
		log.Printf("EventHub buffer full, dropping %s for %s", event.Topic, event.RoutingKey)
	}
	return nil
}

func (h *EventHub) Close() error { return nil }

// Run starts the hub's main loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.sub
			h.mu.Unlock()
			log.Printf("WebSocket client subscribed topic=%s pattern=%q. Total: %d", reg.sub.topic, reg.sub.pattern, h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			log.Printf("WebSocket client unsubscribed. Total: %d", h.ClientCount())

		case event := <-h.deliver:
			h.broadcast(event)
		}
	}
}

func (h *EventHub) broadcast(event events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, sub := range h.clients {
		if sub.topic != "" && sub.topic != event.Topic {
			continue
		}
		if !eventMatches(sub.pattern, event) {
			continue
		}
		// Write deadline prevents blocking on dead connections.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// eventMatches checks the binding pattern against the routing key and
// every CC key. "*" matches exactly one dotted word, "#" matches the
// rest of the key; an empty pattern matches everything.
func eventMatches(pattern string, event events.Event) bool {
	if pattern == "" {
		return true
	}
	if patternMatches(pattern, event.RoutingKey) {
		return true
	}
	for _, cc := range event.CCKeys {
		if patternMatches(pattern, cc) {
			return true
		}
	}
	return false
}

func patternMatches(pattern, key string) bool {
	pw := strings.Split(pattern, ".")
	kw := strings.Split(key, ".")
	for i, p := range pw {
		if p == "#" {
			return true
		}
		if i >= len(kw) {
			return false
		}
		if p != "*" && p != kw[i] {
			return false
		}
	}
	return len(pw) == len(kw)
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]subscription)
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn, topic events.Topic, pattern string) {
	h.register <- registration{conn: conn, sub: subscription{topic: topic, pattern: pattern}}
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
