package api

import (
	"context"
	"net/http"

	"github.com/dennisdiepolder/docqueue/backend/internal/assignment"
	"github.com/dennisdiepolder/docqueue/backend/internal/capability"
	"github.com/dennisdiepolder/docqueue/backend/internal/queue"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// TicketService is the ticket lifecycle surface of queue.Service
type TicketService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*types.Ticket, error)
	QueryPosition(ctx context.Context, ticketID int64) (queue.PositionInfo, error)
	StartService(ctx context.Context, ticketID int64) (*types.Ticket, error)
	Complete(ctx context.Context, ticketID int64, req queue.CompleteRequest) (*types.Ticket, error)
	Cancel(ctx context.Context, ticketID int64) (*types.Ticket, error)
	MarkNoShow(ctx context.Context, ticketID int64) (*types.Ticket, error)
	Reassign(ctx context.Context, ticketID int64, strategy capability.Strategy) (*types.Ticket, assignment.Result, error)
}

// EnqueueResponse is returned to the kiosk
type EnqueueResponse struct {
	Ticket               *types.Ticket `json:"ticket"`
	Position             int           `json:"position"`
	EstimatedWaitMinutes int           `json:"estimatedWaitMinutes"`
}

// ReassignRequest optionally picks the strategy
type ReassignRequest struct {
	Strategy string `json:"strategy" validate:"omitempty,oneof=specialization_first load_balanced performance_based hybrid"`
}

// ReassignResponse carries the new placement and the decision behind it
type ReassignResponse struct {
	Ticket     *types.Ticket     `json:"ticket"`
	Assignment assignment.Result `json:"assignment"`
}

// TicketHandler serves ticket creation, position and transitions
type TicketHandler struct {
	svc    TicketService
	logger zerolog.Logger
}

// NewTicketHandler creates a new TicketHandler
func NewTicketHandler(svc TicketService, logger zerolog.Logger) *TicketHandler {
	return &TicketHandler{
		svc:    svc,
		logger: logger.With().Str("component", "ticket_handler").Logger(),
	}
}

// Enqueue handles POST /internal/tickets
func (h *TicketHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ticket, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, "enqueue", err)
		return
	}

	resp := EnqueueResponse{Ticket: ticket, Position: ticket.Position}
	if info, err := h.svc.QueryPosition(r.Context(), ticket.ID); err == nil {
		resp.Position = info.Position
		resp.EstimatedWaitMinutes = info.EstimatedWaitMinutes
	} else {
		h.logger.Warn().Err(err).Int64("ticket_id", ticket.ID).Msg("position unavailable after enqueue")
	}

	writeJSON(w, http.StatusCreated, resp)
}

// Position handles GET /internal/tickets/{id}/position
func (h *TicketHandler) Position(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	info, err := h.svc.QueryPosition(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Start handles POST /api/tickets/{id}/start
func (h *TicketHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start", h.svc.StartService)
}

// Cancel handles POST /api/tickets/{id}/cancel
func (h *TicketHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.svc.Cancel)
}

// NoShow handles POST /api/tickets/{id}/no-show
func (h *TicketHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "no_show", h.svc.MarkNoShow)
}

// Complete handles POST /api/tickets/{id}/complete with an optional
// {"satisfaction": 1-5} body
func (h *TicketHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req queue.CompleteRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	h.transition(w, r, "complete", func(ctx context.Context, id int64) (*types.Ticket, error) {
		return h.svc.Complete(ctx, id, req)
	})
}

// Reassign handles POST /api/tickets/{id}/reassign
func (h *TicketHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	var req ReassignRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ticket, result, err := h.svc.Reassign(r.Context(), id, capability.Strategy(req.Strategy))
	if err != nil {
		writeServiceError(w, h.logger, "reassign", err)
		return
	}

	h.logger.Info().
		Int64("ticket_id", id).
		Str("agent_id", result.AgentID).
		Str("reason_code", result.ReasonCode).
		Msg("ticket reassigned via API")
	writeJSON(w, http.StatusOK, ReassignResponse{Ticket: ticket, Assignment: result})
}

func (h *TicketHandler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, int64) (*types.Ticket, error)) {
	id, ok := ticketID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, err := fn(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}
