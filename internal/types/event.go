package types

import "time"

// EventType identifies the kind of state change carried by a sync event
type EventType string

const (
	EventQueueUpdate       EventType = "queue_update"
	EventAgentStatus       EventType = "agent_status"
	EventTicketAssignment  EventType = "ticket_assignment"
	EventTicketCompletion  EventType = "ticket_completion"
	EventQueueOptimization EventType = "queue_optimization"
	EventPositionUpdate    EventType = "position_update"
	EventMetricsUpdate     EventType = "metrics_update"
	EventSystemStatus      EventType = "system_status"
)

// EventPriority is the delivery priority, distinct from ticket priority
type EventPriority int

const (
	PriorityLow      EventPriority = 1
	PriorityNormal   EventPriority = 2
	PriorityHigh     EventPriority = 3
	PriorityCritical EventPriority = 4
)

// Subscription channels
const (
	ChannelAll     = "*"
	ChannelQueue   = "queue"
	ChannelAgents  = "agents"
	ChannelMetrics = "metrics"
	ChannelSystem  = "system"
)

// AgentChannel returns the per-agent channel name
func AgentChannel(agentID string) string {
	return "agent_" + agentID
}

// TicketChannel returns the per-ticket channel name used by citizen displays
func TicketChannel(ticketID int64) string {
	return TicketKey(ticketID)
}

// SyncEvent is an ordered, versioned record of one state change
type SyncEvent struct {
	EventID        string            `json:"event_id"`
	Type           EventType         `json:"event_type"`
	Sequence       uint64            `json:"sequence_number"`
	Timestamp      time.Time         `json:"timestamp"`
	Priority       EventPriority     `json:"priority"`
	Data           map[string]any    `json:"data"`
	EntityVersions map[string]uint64 `json:"entity_versions"`

	Entities    []string          `json:"-"`
	DependsOn   map[string]uint64 `json:"-"`
	Channels    []string          `json:"-"`
	RequiresAck bool              `json:"-"`
}

// ServerMessage is a non-event frame sent to websocket subscribers
type ServerMessage struct {
	Type           string    `json:"type"`
	SequenceNumber uint64    `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	Channels       []string  `json:"channels,omitempty"`
	ReplayedEvents int       `json:"replayed_events,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Server message types
const (
	MessageHeartbeat           = "heartbeat"
	MessageFullRefreshRequired = "full_refresh_required"
	MessageSubscribed          = "subscribed"
	MessageResyncComplete      = "resync_complete"
	MessageError               = "error"
)

// ClientMessage is a frame received from a websocket subscriber
type ClientMessage struct {
	Type         string   `json:"type"`
	Channels     []string `json:"channels,omitempty"`
	LastSequence uint64   `json:"last_sequence,omitempty"`
	EventID      string   `json:"event_id,omitempty"`
}

// Client message types
const (
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
	ClientResync      = "resync"
	ClientAck         = "ack"
)
