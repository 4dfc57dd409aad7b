package cache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// ErrUnknownAgent is returned for agents missing from the roster
var ErrUnknownAgent = errors.New("unknown agent")

// AgentRegistry maintains the roster and live status of all agents
type AgentRegistry struct {
	agents map[string]*types.Agent // agentID -> current state
	mu     sync.RWMutex
}

// NewAgentRegistry creates a new agent registry
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*types.Agent),
	}
}

// Register adds an agent or updates its roster details. Live status is
// preserved for known agents; new agents start offline unless a valid
// status is given.
func (r *AgentRegistry) Register(agent types.Agent, now time.Time) types.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.agents[agent.ID]
	if exists {
		existing.Name = agent.Name
		existing.StationID = agent.StationID
		existing.Specializations = append([]string(nil), agent.Specializations...)
		return copyAgent(existing)
	}

	if !agent.Status.Valid() {
		agent.Status = types.AgentOffline
	}
	agent.Specializations = append([]string(nil), agent.Specializations...)
	agent.StatusSince = now
	if agent.Status != types.AgentOffline && agent.LoginAt == nil {
		login := now
		agent.LoginAt = &login
	}
	r.agents[agent.ID] = &agent
	return copyAgent(&agent)
}

// SetStatus changes an agent's status. Coming online from offline starts a
// new session; going offline ends it.
func (r *AgentRegistry) SetStatus(agentID string, status types.AgentStatus, now time.Time) (types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return types.Agent{}, ErrUnknownAgent
	}

	if agent.Status != status {
		agent.StatusSince = now
	}
	switch {
	case status == types.AgentOffline:
		agent.LoginAt = nil
	case agent.Status == types.AgentOffline || agent.LoginAt == nil:
		login := now
		agent.LoginAt = &login
	}
	agent.Status = status
	return copyAgent(agent), nil
}

// SetCurrentTicket records the ticket an agent is serving, 0 for none
func (r *AgentRegistry) SetCurrentTicket(agentID string, ticketID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, exists := r.agents[agentID]; exists {
		agent.CurrentTicketID = ticketID
	}
}

// Get returns one agent
func (r *AgentRegistry) Get(agentID string) (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return types.Agent{}, false
	}
	return copyAgent(agent), true
}

// List returns all agents ordered by ID
func (r *AgentRegistry) List() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]types.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, copyAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// ListByStatus returns the agents in one status, ordered by ID
func (r *AgentRegistry) ListByStatus(status types.AgentStatus) []types.Agent {
	all := r.List()
	out := all[:0]
	for _, agent := range all {
		if agent.Status == status {
			out = append(out, agent)
		}
	}
	return out
}

// Count returns the total number of registered agents
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// GetStatusStats returns the number of agents per working status
func (r *AgentRegistry) GetStatusStats() (available, busy, onBreak, offline int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, agent := range r.agents {
		switch agent.Status {
		case types.AgentAvailable:
			available++
		case types.AgentBusy:
			busy++
		case types.AgentOnBreak:
			onBreak++
		case types.AgentOffline:
			offline++
		}
	}
	return
}

func copyAgent(a *types.Agent) types.Agent {
	out := *a
	out.Specializations = append([]string(nil), a.Specializations...)
	if a.LoginAt != nil {
		login := *a.LoginAt
		out.LoginAt = &login
	}
	return out
}
