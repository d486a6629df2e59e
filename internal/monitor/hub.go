package monitor

import (
	"context"
	"log/slog"
	"sync"
)

// broadcastBuffer bounds the frames queued for the hub. Publish drops
// frames beyond it rather than stall the engine.
const broadcastBuffer = 256

// Hub maintains the set of connected clients and broadcasts frame
// messages to them. New clients first receive the latest frame the hub
// has broadcast, so every client sees each frame at most once.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger

	mu     sync.Mutex
	latest []byte
}

// NewHub initializes a new Hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run handles registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("monitor hub stopped")
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			if h.latest != nil {
				c.send <- h.latest
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("monitor client connected", "clients", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("monitor client disconnected")
		case msg := <-h.broadcast:
			h.mu.Lock()
			h.latest = msg
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues msg for every client. It never blocks.
func (h *Hub) Publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Debug("monitor broadcast queue full, frame dropped")
	}
}

// Latest returns the last frame broadcast, or nil before the first.
func (h *Hub) Latest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
