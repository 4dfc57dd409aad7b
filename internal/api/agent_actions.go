package api

import (
	"context"
	"net/http"

	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AgentService is the agent-facing part of queue.Service
type AgentService interface {
	RequestNext(ctx context.Context, agentID string) (*types.Ticket, error)
	SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) (types.Agent, error)
}

// StatusRequest changes an agent's availability
type StatusRequest struct {
	Status types.AgentStatus `json:"status" validate:"required,oneof=offline available busy on_break"`
}

// NextResponse answers a request_next call. Ticket is null when nothing
// eligible is waiting.
type NextResponse struct {
	Ticket *types.Ticket `json:"ticket"`
}

// AgentActionsHandler provides REST endpoints for agent control actions
type AgentActionsHandler struct {
	svc    AgentService
	logger zerolog.Logger
}

// NewAgentActionsHandler creates a new AgentActionsHandler
func NewAgentActionsHandler(svc AgentService, logger zerolog.Logger) *AgentActionsHandler {
	return &AgentActionsHandler{
		svc:    svc,
		logger: logger.With().Str("component", "agent_actions").Logger(),
	}
}

// authorizedAgent resolves {agentId} and checks the caller may act for it
func authorizedAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	agentID := chi.URLParam(r, "agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return "", false
	}
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || !claims.CanActAs(agentID) {
		writeError(w, http.StatusForbidden, "not allowed to act for this agent")
		return "", false
	}
	return agentID, true
}

// RequestNext handles POST /api/agents/{agentId}/next
func (h *AgentActionsHandler) RequestNext(w http.ResponseWriter, r *http.Request) {
	agentID, ok := authorizedAgent(w, r)
	if !ok {
		return
	}

	ticket, err := h.svc.RequestNext(r.Context(), agentID)
	if err != nil {
		writeServiceError(w, h.logger, "request_next", err)
		return
	}

	if ticket != nil {
		h.logger.Info().
			Str("agent_id", agentID).
			Int64("ticket_id", ticket.ID).
			Msg("ticket called via API")
	}
	writeJSON(w, http.StatusOK, NextResponse{Ticket: ticket})
}

// SetStatus handles PUT /api/agents/{agentId}/status
func (h *AgentActionsHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	agentID, ok := authorizedAgent(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	agent, err := h.svc.SetAgentStatus(r.Context(), agentID, req.Status)
	if err != nil {
		writeServiceError(w, h.logger, "set_status", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
