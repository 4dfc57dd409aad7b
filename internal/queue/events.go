package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/scheduler"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// Ticket actions carried in event payloads
const (
	ActionEnqueued   = "enqueued"
	ActionAssigned   = "assigned"
	ActionReassigned = "reassigned"
	ActionStarted    = "started"
	ActionCompleted  = "completed"
	ActionCancelled  = "cancelled"
	ActionNoShow     = "no_show"
)

// queueEntity versions the ordering of the waiting set as a whole
const queueEntity = "queue"

func ticketChannels(t *types.Ticket) []string {
	channels := []string{types.ChannelQueue, types.TicketChannel(t.ID)}
	if t.AgentID != "" {
		channels = append(channels, types.AgentChannel(t.AgentID))
	}
	return channels
}

func ticketEntities(t *types.Ticket) []string {
	entities := []string{t.EntityKey()}
	if t.AgentID != "" {
		entities = append(entities, types.AgentKey(t.AgentID))
	}
	return entities
}

// publishTicket emits a ticket event built against deps
func (s *Service) publishTicket(ctx context.Context, eventType types.EventType, priority types.EventPriority, action string, t *types.Ticket, deps map[string]uint64) {
	ev := realtime.NewEvent(eventType, priority, map[string]any{
		"action": action,
		"ticket": *t,
	}, ticketChannels(t), ticketEntities(t)...)
	ev.DependsOn = deps
	ev.RequiresAck = eventType == types.EventTicketAssignment

	if !s.sync.Publish(ctx, ev) {
		s.logger.Warn().
			Int64("ticket_id", t.ID).
			Str("event_type", string(eventType)).
			Msg("ticket event dropped")
	}
}

func (s *Service) publishAgent(ctx context.Context, agent types.Agent, deps map[string]uint64) {
	ev := realtime.NewEvent(types.EventAgentStatus, types.PriorityNormal, map[string]any{
		"agent": agent,
	}, []string{types.ChannelAgents, types.AgentChannel(agent.ID)}, agent.EntityKey())
	ev.DependsOn = deps
	s.sync.Publish(ctx, ev)
}

// recomputeAndPublish refreshes positions and publishes the diff as one
// position_update event
func (s *Service) recomputeAndPublish(ctx context.Context) {
	s.recomputeMu.Lock()
	defer s.recomputeMu.Unlock()

	waiting, err := s.store.List(ctx, types.TicketWaiting)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list waiting tickets for recompute")
		return
	}
	s.metrics.SetWaiting(len(waiting))

	available := len(s.agents.ListByStatus(types.AgentAvailable))
	diff := s.tracker.Recompute(waiting, available)
	if len(diff.Changes) == 0 {
		return
	}

	channels := []string{types.ChannelQueue}
	for _, c := range diff.Changes {
		channels = append(channels, types.TicketChannel(c.TicketID))
	}

	ev := realtime.NewEvent(types.EventPositionUpdate, types.PriorityLow, map[string]any{
		"changes": diff.Changes,
		"total":   diff.Total,
	}, channels, queueEntity)
	s.sync.Publish(ctx, ev)
}

// OptimizationApplied publishes the tickets a pass rewrote and recomputes
// positions
func (s *Service) OptimizationApplied(ctx context.Context, result scheduler.PassResult, changed []types.Ticket) {
	if len(changed) > 0 {
		updates := make([]map[string]any, 0, len(changed))
		channels := []string{types.ChannelQueue}
		for _, t := range changed {
			updates = append(updates, map[string]any{
				"ticketId":           t.ID,
				"priorityScore":      t.PriorityScore,
				"recommendedAgentId": t.RecommendedAgentID,
			})
			channels = append(channels, types.TicketChannel(t.ID))
			if t.RecommendedAgentID != "" {
				channels = append(channels, types.AgentChannel(t.RecommendedAgentID))
			}
		}

		ev := realtime.NewEvent(types.EventQueueOptimization, types.PriorityNormal, map[string]any{
			"kind":        result.Kind,
			"rescored":    result.Rescored,
			"recommended": result.Recommended,
			"updates":     updates,
		}, dedupe(channels), queueEntity)
		s.sync.Publish(ctx, ev)
	}

	s.recomputeAndPublish(ctx)
}

// RefreshEvent rebuilds an event payload from current state after one of
// its entities changed
func (s *Service) RefreshEvent(ctx context.Context, ev types.SyncEvent) (types.SyncEvent, error) {
	data := make(map[string]any, len(ev.Data))
	for k, v := range ev.Data {
		data[k] = v
	}

	for _, key := range ev.Entities {
		switch {
		case strings.HasPrefix(key, "ticket_"):
			id, err := strconv.ParseInt(strings.TrimPrefix(key, "ticket_"), 10, 64)
			if err != nil {
				return ev, fmt.Errorf("bad ticket key %q: %w", key, err)
			}
			t, err := s.store.Get(ctx, id)
			if err != nil {
				return ev, err
			}
			if ev.Type == types.EventTicketAssignment && !t.Status.IsActive() {
				return ev, fmt.Errorf("ticket %d is no longer assigned", id)
			}
			data["ticket"] = *t

		case strings.HasPrefix(key, "agent_"):
			// ticket events only name the agent for routing
			if _, hasTicket := data["ticket"]; hasTicket {
				continue
			}
			agent, ok := s.agents.Get(strings.TrimPrefix(key, "agent_"))
			if !ok {
				return ev, ErrUnknownAgent
			}
			data["agent"] = agent
		}
	}

	ev.Data = data
	return ev, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
