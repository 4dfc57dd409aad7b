package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// HistoryReader lists archived service outcomes
type HistoryReader interface {
	ListServiceLogs(ctx context.Context, agentID string, since time.Time) ([]types.ServiceLog, error)
}

// HistorySummary aggregates an agent's service logs
type HistorySummary struct {
	Served             int     `json:"served"`
	NoShows            int     `json:"noShows"`
	AvgDurationMinutes float64 `json:"avgDurationMinutes"`
	AvgSatisfaction    float64 `json:"avgSatisfaction"`
}

// HistoryResponse is returned by GetHistory
type HistoryResponse struct {
	AgentID string             `json:"agentId"`
	Since   time.Time          `json:"since"`
	Summary HistorySummary     `json:"summary"`
	Logs    []types.ServiceLog `json:"logs"`
}

// AgentHistoryHandler provides REST endpoints for agent history data
type AgentHistoryHandler struct {
	history HistoryReader
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewAgentHistoryHandler creates a new AgentHistoryHandler
func NewAgentHistoryHandler(history HistoryReader, clk clock.Clock, logger zerolog.Logger) *AgentHistoryHandler {
	return &AgentHistoryHandler{
		history: history,
		clock:   clk,
		logger:  logger.With().Str("component", "agent_history_handler").Logger(),
	}
}

// GetHistory returns service logs for the given agent
// GET /api/agents/{agentId}/history?days=30
func (h *AgentHistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	agentID, ok := authorizedAgent(w, r)
	if !ok {
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
			return
		}
		days = n
	}
	since := h.clock.Now().AddDate(0, 0, -days)

	logs, err := h.history.ListServiceLogs(r.Context(), agentID, since)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to list service logs")
		writeError(w, http.StatusInternalServerError, "failed to retrieve history, please try again")
		return
	}

	if logs == nil {
		logs = []types.ServiceLog{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		AgentID: agentID,
		Since:   since,
		Summary: summarize(logs),
		Logs:    logs,
	})
}

func summarize(logs []types.ServiceLog) HistorySummary {
	var s HistorySummary
	var minutes float64
	rated, ratingSum := 0, 0
	for _, l := range logs {
		if l.Status == types.TicketNoShow {
			s.NoShows++
			continue
		}
		s.Served++
		minutes += l.DurationMinutes
		if l.Satisfaction > 0 {
			rated++
			ratingSum += l.Satisfaction
		}
	}
	if s.Served > 0 {
		s.AvgDurationMinutes = minutes / float64(s.Served)
	}
	if rated > 0 {
		s.AvgSatisfaction = float64(ratingSum) / float64(rated)
	}
	return s
}
