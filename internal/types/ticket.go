package types

import (
	"errors"
	"fmt"
	"time"
)

// TicketStatus represents where a ticket is in its lifecycle
type TicketStatus string

const (
	TicketWaiting    TicketStatus = "waiting"
	TicketAssigned   TicketStatus = "assigned"
	TicketInProgress TicketStatus = "in_progress"
	TicketCompleted  TicketStatus = "completed"
	TicketCancelled  TicketStatus = "cancelled"
	TicketNoShow     TicketStatus = "no_show"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// ticketTransitions lists the allowed target states for each status.
// assigned -> assigned and in_progress -> assigned are explicit reassignments.
var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketWaiting:    {TicketAssigned, TicketCancelled},
	TicketAssigned:   {TicketInProgress, TicketCancelled, TicketAssigned},
	TicketInProgress: {TicketCompleted, TicketNoShow, TicketAssigned},
}

// IsTerminal reports whether no further transitions are possible
func (s TicketStatus) IsTerminal() bool {
	return s == TicketCompleted || s == TicketCancelled || s == TicketNoShow
}

// IsActive reports whether the ticket counts toward an agent's workload
func (s TicketStatus) IsActive() bool {
	return s == TicketAssigned || s == TicketInProgress
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to TicketStatus) bool {
	for _, allowed := range ticketTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SpecialFactors are the demographic flags that add priority bonuses
type SpecialFactors struct {
	Elderly     bool `json:"elderly"`
	Disability  bool `json:"disability"`
	Pregnant    bool `json:"pregnant"`
	Appointment bool `json:"appointment"`
}

// Any reports whether at least one flag is set
func (f SpecialFactors) Any() bool {
	return f.Elderly || f.Disability || f.Pregnant || f.Appointment
}

// Ticket is one citizen's request for a service
type Ticket struct {
	ID                 int64          `json:"id"`
	ServiceType        string         `json:"serviceType"`
	CitizenRef         string         `json:"citizenRef"`
	Status             TicketStatus   `json:"status"`
	PriorityScore      float64        `json:"priorityScore"`
	Factors            SpecialFactors `json:"factors"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	AgentID            string         `json:"agentId,omitempty"`
	RecommendedAgentID string         `json:"recommendedAgentId,omitempty"`
	CalledAt           *time.Time     `json:"calledAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	Position           int            `json:"position,omitempty"`
	Version            int64          `json:"version"`
}

// Transition moves the ticket to a new status, stamping timestamps
func (t *Ticket) Transition(to TicketStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}

	switch to {
	case TicketInProgress:
		called := now
		t.CalledAt = &called
	case TicketCompleted, TicketNoShow, TicketCancelled:
		done := now
		t.CompletedAt = &done
	}

	t.Status = to
	t.UpdatedAt = now
	return nil
}

// WaitMinutes returns how long the ticket has been in the queue
func (t *Ticket) WaitMinutes(now time.Time) float64 {
	wait := now.Sub(t.CreatedAt).Minutes()
	if wait < 0 {
		return 0
	}
	return wait
}

// EntityKey returns the sync entity key for this ticket
func (t *Ticket) EntityKey() string {
	return TicketKey(t.ID)
}

// TicketKey formats the sync entity key for a ticket ID
func TicketKey(id int64) string {
	return fmt.Sprintf("ticket_%d", id)
}

// ServiceLog records the terminal outcome of a served ticket
type ServiceLog struct {
	AgentID         string       `json:"agentId" dynamodbav:"AgentID"`
	SortKey         string       `json:"-" dynamodbav:"SortKey"`
	TicketID        int64        `json:"ticketId" dynamodbav:"TicketID"`
	ServiceType     string       `json:"serviceType" dynamodbav:"ServiceType"`
	Status          TicketStatus `json:"status" dynamodbav:"Status"`
	DurationMinutes float64      `json:"durationMinutes" dynamodbav:"DurationMinutes"`
	Satisfaction    int          `json:"satisfaction,omitempty" dynamodbav:"Satisfaction"`
	CompletedAt     time.Time    `json:"completedAt" dynamodbav:"CompletedAt"`
}
