package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// Hub maintains the set of active clients and fans sync events out to the
// clients subscribed to the event's channels
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Sync events waiting to be fanned out
	events chan types.SyncEvent

	// Raw frames for every client (heartbeats)
	broadcast chan []byte

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex to protect clients map
	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates a new Hub. bufferSize bounds the pending event queue.
func NewHub(bufferSize int, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &Hub{
		events:     make(chan types.SyncEvent, bufferSize),
		broadcast:  make(chan []byte, bufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     logger.With().Str("component", "websocket_hub").Logger(),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("websocket hub started")
	defer h.logger.Info().Msg("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.remove(client, "client disconnected")

		case ev := <-h.events:
			h.fanout(ev)

		case message := <-h.broadcast:
			h.broadcastRaw(message)
		}
	}
}

// Deliver queues a sync event for fan-out. It never blocks; when the queue
// is full the event is dropped and clients recover through resync.
func (h *Hub) Deliver(ev types.SyncEvent) {
	select {
	case h.events <- ev:
	default:
		h.metrics.RecordDropped("hub_full")
		h.logger.Warn().
			Uint64("sequence", ev.Sequence).
			Str("event_type", string(ev.Type)).
			Msg("hub event queue full, dropping event")
	}
}

// Broadcast sends a raw frame to all connected clients
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn().Msg("hub broadcast queue full, dropping frame")
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// fanout marshals the event once and hands it to every client
func (h *Hub) fanout(ev types.SyncEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Uint64("sequence", ev.Sequence).Msg("failed to marshal sync event")
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.deliverEvent(ev, data) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.remove(client, "client send buffer full, closing connection")
	}
}

// broadcastRaw sends a raw message to all clients without filtering
func (h *Hub) broadcastRaw(message []byte) {
	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.enqueue(message) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.remove(client, "client send buffer full, closing connection")
	}
}

func (h *Hub) remove(client *Client, msg string) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.close()
	h.metrics.RecordWebSocketDisconnect()
	h.logger.Info().
		Str("client_id", client.id).
		Int("total_clients", total).
		Msg(msg)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
		h.metrics.RecordWebSocketDisconnect()
	}
}
