package types

import "time"

// AgentStatus represents the availability of a staff member
type AgentStatus string

const (
	AgentOffline   AgentStatus = "offline"
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOnBreak   AgentStatus = "on_break"
)

// Valid reports whether s is a known agent status
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOffline, AgentAvailable, AgentBusy, AgentOnBreak:
		return true
	}
	return false
}

// Agent is a staff member serving tickets at a station
type Agent struct {
	ID              string      `json:"agentId"`
	Name            string      `json:"name,omitempty"`
	StationID       string      `json:"stationId,omitempty"`
	Specializations []string    `json:"specializations"`
	Status          AgentStatus `json:"status"`
	CurrentTicketID int64       `json:"currentTicketId,omitempty"`
	LoginAt         *time.Time  `json:"loginAt,omitempty"`
	StatusSince     time.Time   `json:"statusSince"`
}

// IsGeneralist reports whether the agent serves every service type
func (a *Agent) IsGeneralist() bool {
	return len(a.Specializations) == 0
}

// EntityKey returns the sync entity key for this agent
func (a *Agent) EntityKey() string {
	return AgentKey(a.ID)
}

// AgentKey formats the sync entity key for an agent ID
func AgentKey(id string) string {
	return "agent_" + id
}

// AgentWorkload counts the active tickets held by one agent
type AgentWorkload struct {
	Assigned   int `json:"assigned"`
	InProgress int `json:"inProgress"`
}

// Active returns the total number of active tickets
func (w AgentWorkload) Active() int {
	return w.Assigned + w.InProgress
}
