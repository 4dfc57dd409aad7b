package websocket

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/config"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Syncer is the part of the synchronizer a client talks to
type Syncer interface {
	Resync(clientID string, lastSeq uint64) realtime.ResyncResult
	Ack(eventID, clientID string) bool
	CurrentSequence() uint64
}

// DefaultChannels are subscribed when a client names none
var DefaultChannels = []string{types.ChannelQueue, types.ChannelAgents, types.ChannelMetrics, types.ChannelSystem}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	// Client ID, stable across reconnects when the client supplies one
	id string

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	syncer Syncer

	// Configuration
	config *config.Config

	// Logger
	logger zerolog.Logger

	// User claims for channel authorization, nil when unauthenticated
	claims *auth.Claims

	// mu guards everything below
	mu       sync.Mutex
	send     chan []byte
	closed   bool
	channels map[string]bool
	lastSent uint64
	// Events arriving during a resync are held and flushed in order afterwards
	resyncing bool
	held      []heldEvent
}

type heldEvent struct {
	ev   types.SyncEvent
	data []byte
}

// NewClient creates a new Client
func NewClient(id string, hub *Hub, conn *websocket.Conn, syncer Syncer, cfg *config.Config, claims *auth.Claims, logger zerolog.Logger) *Client {
	buffer := cfg.SendBufferSize
	if buffer < 1 {
		buffer = 256
	}
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		syncer:   syncer,
		config:   cfg,
		claims:   claims,
		send:     make(chan []byte, buffer),
		channels: make(map[string]bool),
		logger:   logger.With().Str("client_id", id).Logger(),
	}
}

// Subscribe adds the channels the user is allowed to see and returns the
// ones that were refused
func (c *Client) Subscribe(channels []string) (denied []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if c.claims != nil && !c.claims.CanSubscribe(ch) {
			denied = append(denied, ch)
			continue
		}
		c.channels[ch] = true
	}
	return denied
}

// Unsubscribe removes channels
func (c *Client) Unsubscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, strings.TrimSpace(ch))
	}
}

// Channels returns the current subscriptions, sorted
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelsLocked()
}

func (c *Client) channelsLocked() []string {
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// wantsLocked reports whether any of the event's channels is subscribed.
// Events without channels go to everyone. The wildcard never opens
// another agent's private channel.
func (c *Client) wantsLocked(channels []string) bool {
	if len(channels) == 0 {
		return true
	}
	for _, ch := range channels {
		if c.channels[ch] {
			return true
		}
		if c.channels[types.ChannelAll] && (c.claims == nil || c.claims.CanSubscribe(ch)) {
			return true
		}
	}
	return false
}

// deliverEvent is called by the hub for every event. It returns false when
// the send buffer is full.
func (c *Client) deliverEvent(ev types.SyncEvent, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.wantsLocked(ev.Channels) {
		return true
	}
	if c.resyncing {
		c.held = append(c.held, heldEvent{ev: ev, data: data})
		return true
	}
	return c.sendEventLocked(ev, data)
}

// sendEventLocked enforces strictly increasing sequence numbers per client
func (c *Client) sendEventLocked(ev types.SyncEvent, data []byte) bool {
	if ev.Sequence <= c.lastSent {
		return true
	}
	if !c.enqueueLocked(data) {
		return false
	}
	c.lastSent = ev.Sequence
	return true
}

// enqueue queues a frame without blocking
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(data)
}

func (c *Client) enqueueLocked(data []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendMessageLocked(msg types.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal server message")
		return
	}
	if !c.enqueueLocked(data) {
		c.logger.Warn().Str("type", msg.Type).Msg("send buffer full, dropping server message")
	}
}

func (c *Client) sendMessage(msg types.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendMessageLocked(msg)
}

// close closes the send channel once; the write pump then sends a close frame
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// resync replays what the client missed after lastSeq. Live events that
// arrive meanwhile are held and flushed after the replay, so the client
// never sees a sequence number go backwards.
func (c *Client) resync(lastSeq uint64) {
	c.mu.Lock()
	c.resyncing = true
	c.mu.Unlock()

	res := c.syncer.Resync(c.id, lastSeq)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSent = lastSeq
	replayed := 0
	if res.FullRefresh {
		c.sendMessageLocked(types.ServerMessage{
			Type:           types.MessageFullRefreshRequired,
			SequenceNumber: res.CurrentSequence,
			Timestamp:      time.Now().UTC(),
		})
		c.lastSent = res.CurrentSequence
	} else {
		for _, ev := range res.Events {
			if !c.wantsLocked(ev.Channels) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error().Err(err).Uint64("sequence", ev.Sequence).Msg("failed to marshal replayed event")
				continue
			}
			if ev.Sequence > c.lastSent && c.sendEventLocked(ev, data) {
				replayed++
			}
		}
	}

	sort.Slice(c.held, func(i, j int) bool { return c.held[i].ev.Sequence < c.held[j].ev.Sequence })
	for _, h := range c.held {
		c.sendEventLocked(h.ev, h.data)
	}
	c.held = nil
	c.resyncing = false

	c.sendMessageLocked(types.ServerMessage{
		Type:           types.MessageResyncComplete,
		SequenceNumber: c.lastSent,
		Timestamp:      time.Now().UTC(),
		ReplayedEvents: replayed,
	})

	c.logger.Info().
		Uint64("last_seq", lastSeq).
		Uint64("current_seq", res.CurrentSequence).
		Bool("full_refresh", res.FullRefresh).
		Int("replayed", replayed).
		Msg("client resynced")
}

// handleMessage processes one frame from the client
func (c *Client) handleMessage(raw []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendMessage(types.ServerMessage{Type: types.MessageError, Error: "malformed message", Timestamp: time.Now().UTC()})
		return
	}

	switch msg.Type {
	case types.ClientSubscribe:
		denied := c.Subscribe(msg.Channels)
		if len(denied) > 0 {
			c.sendMessage(types.ServerMessage{
				Type:      types.MessageError,
				Error:     "not allowed to subscribe: " + strings.Join(denied, ","),
				Channels:  denied,
				Timestamp: time.Now().UTC(),
			})
		}
		c.sendSubscribed()

	case types.ClientUnsubscribe:
		c.Unsubscribe(msg.Channels)
		c.sendSubscribed()

	case types.ClientResync:
		c.resync(msg.LastSequence)

	case types.ClientAck:
		if msg.EventID == "" {
			c.sendMessage(types.ServerMessage{Type: types.MessageError, Error: "ack requires event_id", Timestamp: time.Now().UTC()})
			return
		}
		if !c.syncer.Ack(msg.EventID, c.id) {
			c.logger.Debug().Str("event_id", msg.EventID).Msg("ack for unknown event")
		}

	default:
		c.sendMessage(types.ServerMessage{Type: types.MessageError, Error: "unknown message type", Timestamp: time.Now().UTC()})
	}
}

func (c *Client) sendSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendMessageLocked(types.ServerMessage{
		Type:           types.MessageSubscribed,
		SequenceNumber: c.syncer.CurrentSequence(),
		Channels:       c.channelsLocked(),
		Timestamp:      time.Now().UTC(),
	})
}

// readPump pumps messages from the websocket connection to the client
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("websocket read error")
				c.hub.metrics.RecordWebSocketError()
			}
			break
		}
		c.hub.metrics.RecordWebSocketMessage()
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
