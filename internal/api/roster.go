package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// RosterEntry represents a single agent in the roster payload
type RosterEntry struct {
	AgentID         string   `json:"agentId" validate:"required,max=64"`
	Name            string   `json:"name" validate:"max=128"`
	StationID       string   `json:"stationId" validate:"max=64"`
	Specializations []string `json:"specializations" validate:"dive,required"`
}

// RosterRegistrar registers staff members
type RosterRegistrar interface {
	RegisterAgents(ctx context.Context, roster []types.Agent) []types.Agent
}

// RosterHandler handles the roster registration endpoint
type RosterHandler struct {
	registrar RosterRegistrar
	logger    zerolog.Logger
}

// NewRosterHandler creates a new RosterHandler
func NewRosterHandler(registrar RosterRegistrar, logger zerolog.Logger) *RosterHandler {
	return &RosterHandler{
		registrar: registrar,
		logger:    logger.With().Str("component", "roster").Logger(),
	}
}

// HandleRoster handles POST /internal/agents/roster
func (h *RosterHandler) HandleRoster(w http.ResponseWriter, r *http.Request) {
	var roster []RosterEntry
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	agents := make([]types.Agent, 0, len(roster))
	for i := range roster {
		if err := validate.Struct(roster[i]); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		agents = append(agents, types.Agent{
			ID:              roster[i].AgentID,
			Name:            roster[i].Name,
			StationID:       roster[i].StationID,
			Specializations: roster[i].Specializations,
		})
	}

	registered := h.registrar.RegisterAgents(r.Context(), agents)

	h.logger.Info().Int("registered", len(registered)).Msg("roster received")

	writeJSON(w, http.StatusOK, map[string]int{"registered": len(registered)})
}
