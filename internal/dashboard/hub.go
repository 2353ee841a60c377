// Package dashboard serves the operator's fleet view: a basic-auth HTML
// page, a WebSocket feed of fleet snapshots and an unauthenticated health
// probe.
package dashboard

import (
	"context"
	"sync"

	"taskfleet/internal/core"
)

// Message is one WebSocket frame on the dashboard feed.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// TypeSnapshot frames carry a full fleet Snapshot.
const TypeSnapshot = "snapshot"

// Client is one WebSocket subscriber. Sends never block: a subscriber that
// stops draining its buffer is dropped by the hub.
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

// NewClient creates a subscriber with a small send buffer.
func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, 16),
	}
}

// Send queues a frame, reporting false when the client is closed or its
// buffer is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Frames returns the channel the write pump drains.
func (c *Client) Frames() <-chan Message {
	return c.send
}

// Close shuts the send channel exactly once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans fleet snapshots out to every connected dashboard client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     core.ILogger
}

// NewHub creates an empty hub; Run starts its event loop.
func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves register, unregister and broadcast requests until the context
// is cancelled, then closes every client. Register and Unregister calls
// made after Run returned fall through instead of blocking.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Dashboard client connected", "client", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Dashboard client disconnected", "client", client.id, "total", total)

		case msg := <-h.broadcast:
			h.mu.RLock()
			subscribers := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				subscribers = append(subscribers, client)
			}
			h.mu.RUnlock()

			for _, client := range subscribers {
				if client.Send(msg) {
					continue
				}
				// Slow or gone; drop it so one stuck subscriber
				// cannot back the feed up.
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					client.Close()
				}
				h.mu.Unlock()
				h.logger.Debug("Dashboard client dropped, slow consumer", "client", client.id)
			}
		}
	}
}

// Register adds a subscriber.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues a frame for every subscriber, dropping it when the hub
// is backed up.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast queue full, dropping frame", "type", msg.Type)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
