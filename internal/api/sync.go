package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// Resyncer replays missed events
type Resyncer interface {
	Resync(ctx context.Context, clientID string, lastSeq uint64) realtime.ResyncResult
}

// ResyncResponse mirrors the websocket resync outcome for polling clients
type ResyncResponse struct {
	Events          []types.SyncEvent `json:"events"`
	FullRefresh     bool              `json:"fullRefreshRequired"`
	CurrentSequence uint64            `json:"currentSequence"`
}

// SyncHandler serves HTTP resync
type SyncHandler struct {
	resyncer Resyncer
	logger   zerolog.Logger
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(resyncer Resyncer, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		resyncer: resyncer,
		logger:   logger.With().Str("component", "sync_handler").Logger(),
	}
}

// Resync handles GET /api/sync/resync?last_seq=N&client_id=..
func (h *SyncHandler) Resync(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	lastSeq, err := strconv.ParseUint(query.Get("last_seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "last_seq must be a non-negative integer")
		return
	}

	clientID := query.Get("client_id")
	if clientID == "" {
		if claims, ok := auth.GetUserFromContext(r.Context()); ok {
			clientID = claims.Subject
		}
	}

	res := h.resyncer.Resync(r.Context(), clientID, lastSeq)

	// Private agent events are filtered out for callers who may not see them
	events := make([]types.SyncEvent, 0, len(res.Events))
	claims, _ := auth.GetUserFromContext(r.Context())
	for _, ev := range res.Events {
		if claims == nil || visible(claims, ev.Channels) {
			events = append(events, ev)
		}
	}

	writeJSON(w, http.StatusOK, ResyncResponse{
		Events:          events,
		FullRefresh:     res.FullRefresh,
		CurrentSequence: res.CurrentSequence,
	})
}

func visible(claims *auth.Claims, channels []string) bool {
	if len(channels) == 0 {
		return true
	}
	for _, ch := range channels {
		if claims.CanSubscribe(ch) {
			return true
		}
	}
	return false
}
