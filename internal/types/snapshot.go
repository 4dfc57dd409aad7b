package types

import "time"

// SystemSnapshot is a derived, never persisted view of the queue
type SystemSnapshot struct {
	TotalWaiting       int                `json:"totalWaiting"`
	InService          int                `json:"inService"`
	AgentsAvailable    int                `json:"agentsAvailable"`
	AgentsBusy         int                `json:"agentsBusy"`
	AgentsTotal        int                `json:"agentsTotal"`
	PeakHours          bool               `json:"peakHours"`
	ServiceBacklog     map[string]int     `json:"serviceBacklog"`
	AverageWaitMinutes float64            `json:"averageWaitMinutes"`
	TierAverageWait    map[string]float64 `json:"tierAverageWait,omitempty"`
	TakenAt            time.Time          `json:"takenAt"`
}

// Load returns the share of logged-in agents that are busy
func (s SystemSnapshot) Load() float64 {
	working := s.AgentsAvailable + s.AgentsBusy
	if working == 0 {
		return 0
	}
	return float64(s.AgentsBusy) / float64(working)
}

// PositionChange describes one ticket moving within the waiting set
type PositionChange struct {
	TicketID      int64   `json:"ticketId"`
	ServiceType   string  `json:"serviceType"`
	OldPosition   int     `json:"oldPosition"`
	NewPosition   int     `json:"newPosition"`
	EstimatedWait int     `json:"estimatedWaitMinutes"`
	PriorityScore float64 `json:"priorityScore"`
	Removed       bool    `json:"removed,omitempty"`
}
