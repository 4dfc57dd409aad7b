// Package event receives status events from station terminals.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/queue"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// StationEvent is posted by a station terminal when its agent logs in,
// goes on break, returns or logs out
type StationEvent struct {
	AgentID   string            `json:"agentId" validate:"required,max=64"`
	StationID string            `json:"stationId" validate:"max=64"`
	Status    types.AgentStatus `json:"status" validate:"required,oneof=offline available busy on_break"`
	Timestamp time.Time         `json:"timestamp"`
}

// StatusSetter applies agent status changes
type StatusSetter interface {
	SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) (types.Agent, error)
}

// Receiver handles incoming station terminal events
type Receiver struct {
	agents         StatusSetter
	validate       *validator.Validate
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	eventsReceived int64
	eventsRejected int64
	lastReceived   time.Time
	mu             sync.RWMutex
}

// NewReceiver creates a new event receiver
func NewReceiver(agents StatusSetter, m *metrics.Metrics, logger zerolog.Logger) *Receiver {
	return &Receiver{
		agents:   agents,
		validate: validator.New(),
		metrics:  m,
		logger:   logger.With().Str("component", "station_events").Logger(),
	}
}

// HandleEvent receives a single station event and applies it
func (r *Receiver) HandleEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event StationEvent
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		r.reject(w, http.StatusBadRequest, "invalid event", err)
		return
	}
	if err := r.validate.Struct(event); err != nil {
		r.reject(w, http.StatusBadRequest, "invalid event", err)
		return
	}

	agent, err := r.agents.SetAgentStatus(req.Context(), event.AgentID, event.Status)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownAgent) {
			r.reject(w, http.StatusNotFound, "unknown agent", err)
			return
		}
		r.reject(w, http.StatusInternalServerError, "failed to apply event", err)
		return
	}

	r.metrics.RecordStationEvent(string(event.Status))

	count := atomic.AddInt64(&r.eventsReceived, 1)
	r.mu.Lock()
	r.lastReceived = time.Now()
	r.mu.Unlock()

	r.logger.Debug().
		Str("agent_id", agent.ID).
		Str("station_id", event.StationID).
		Str("status", string(agent.Status)).
		Msg("station event applied")

	// Log periodically
	if count%1000 == 0 {
		r.logger.Info().Int64("total_received", count).Msg("station events received")
	}

	w.WriteHeader(http.StatusOK)
}

func (r *Receiver) reject(w http.ResponseWriter, status int, msg string, err error) {
	atomic.AddInt64(&r.eventsRejected, 1)
	r.metrics.RecordStationEventError()
	if status >= http.StatusInternalServerError {
		r.logger.Error().Err(err).Msg(msg)
	} else {
		r.logger.Warn().Err(err).Msg(msg)
	}
	http.Error(w, msg, status)
}

// GetStats returns receiver statistics
func (r *Receiver) GetStats(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	lastReceived := r.lastReceived
	r.mu.RUnlock()

	stats := map[string]interface{}{
		"events_received": atomic.LoadInt64(&r.eventsReceived),
		"events_rejected": atomic.LoadInt64(&r.eventsRejected),
		"last_received":   lastReceived,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
