package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-scenefilter/pkg/protocol"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	name string

	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // Closed when Run returns

	// Guards clients for ClientCount
	mu sync.RWMutex

	running atomic.Bool
	dropped atomic.Uint64
	evicted atomic.Uint64

	logger *slog.Logger
}

// New creates a new Hub
func New(name string) *Hub {
	return NewWithLogger(slog.Default(), name)
}

// NewWithLogger creates a Hub that logs to logger.
func NewWithLogger(logger *slog.Logger, name string) *Hub {
	return &Hub{
		name:       name,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub", "hub", name),
	}
}

// Run starts the hub's main loop and returns when ctx is done. Every
// client's send channel is closed on the way out. Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "stream", client.stream, "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "clients", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Client's buffer is full; it is too slow to keep.
					close(client.send)
					delete(h.clients, client)
					h.evicted.Add(1)
					h.logger.Warn("dropped slow client", "stream", client.stream)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every interested client. It never blocks;
// when the queue is full the message is dropped and counted.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.dropped.Add(1)%100 == 1 {
			h.logger.Warn("broadcast queue full, dropping messages", "dropped_total", h.dropped.Load())
		}
	}
}

// BroadcastJSON encodes and broadcasts a JSON message
func (h *Hub) BroadcastJSON(stream string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(NewJSONMessage(stream, data))
	return nil
}

// BroadcastBinary broadcasts binary data (e.g., trigger snapshots)
func (h *Hub) BroadcastBinary(stream string, data []byte) {
	h.Broadcast(NewBinaryMessage(stream, data))
}

// PublishDecision broadcasts a decision as a protocol message.
func (h *Hub) PublishDecision(stream string, d scene.Decision) error {
	msg, err := protocol.NewDecisionMessage(stream, d)
	if err != nil {
		return err
	}
	return h.BroadcastJSON(stream, msg)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Dropped returns how many broadcasts were discarded because the queue was
// full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Evicted returns how many clients were disconnected for being too slow.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}
