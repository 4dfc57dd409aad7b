package api

import (
	"context"
	"net/http"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/aggregator"
	"github.com/dennisdiepolder/docqueue/backend/internal/alerts"
	"github.com/dennisdiepolder/docqueue/backend/internal/assignment"
	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/scheduler"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// AdminDeps are the sources behind the admin endpoints
type AdminDeps struct {
	Optimizer interface {
		TriggerOptimization(ctx context.Context, kind scheduler.PassKind) (scheduler.PassResult, error)
	}
	Snapshots interface {
		Snapshot(ctx context.Context) (types.SystemSnapshot, error)
	}
	Scheduler   interface{ Stats() scheduler.Stats }
	Sync        interface{ Stats() realtime.Stats }
	Assignments interface{ Analytics() assignment.Analytics }
	Performance interface {
		Last() aggregator.PerformanceMetrics
	}
	Clients    interface{ ClientCount() int }
	Thresholds alerts.Thresholds
}

// OptimizeRequest selects the pass; full when omitted
type OptimizeRequest struct {
	Kind string `json:"kind" validate:"omitempty,oneof=light full"`
}

// StatsResponse is the admin overview
type StatsResponse struct {
	Snapshot         types.SystemSnapshot          `json:"snapshot"`
	Alerts           []alerts.Alert                `json:"alerts"`
	AlertLevel       string                        `json:"alertLevel,omitempty"`
	Performance      aggregator.PerformanceMetrics `json:"performance"`
	Scheduler        scheduler.Stats               `json:"scheduler"`
	Sync             realtime.Stats                `json:"sync"`
	Assignments      assignment.Analytics          `json:"assignments"`
	ConnectedClients int                           `json:"connectedClients"`
	GeneratedAt      time.Time                     `json:"generatedAt"`
}

// AdminHandler serves operator endpoints
type AdminHandler struct {
	deps   AdminDeps
	logger zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(deps AdminDeps, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		deps:   deps,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// RequireAdmin middleware, only admin role allowed
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.GetUserFromContext(r.Context())
		if !ok || !auth.HasRole(claims, auth.RoleAdmin) {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Optimize handles POST /api/admin/optimize
func (h *AdminHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if req.Kind == "" {
		req.Kind = string(scheduler.PassFull)
	}

	kind, err := scheduler.ParsePassKind(req.Kind)
	if err != nil {
		writeServiceError(w, h.logger, "optimize", err)
		return
	}

	result, err := h.deps.Optimizer.TriggerOptimization(r.Context(), kind)
	if err != nil {
		writeServiceError(w, h.logger, "optimize", err)
		return
	}

	h.logger.Info().
		Str("kind", string(kind)).
		Int("updated", result.Updated()).
		Bool("coalesced", result.Coalesced).
		Msg("optimization triggered via admin")
	writeJSON(w, http.StatusOK, result)
}

// Stats handles GET /api/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Snapshots.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "stats", err)
		return
	}

	active := alerts.Check(snap, h.deps.Thresholds)
	if active == nil {
		active = []alerts.Alert{}
	}

	resp := StatsResponse{
		Snapshot:    snap,
		Alerts:      active,
		AlertLevel:  alerts.Highest(active),
		GeneratedAt: time.Now().UTC(),
	}
	if h.deps.Performance != nil {
		resp.Performance = h.deps.Performance.Last()
	}
	if h.deps.Scheduler != nil {
		resp.Scheduler = h.deps.Scheduler.Stats()
	}
	if h.deps.Sync != nil {
		resp.Sync = h.deps.Sync.Stats()
	}
	if h.deps.Assignments != nil {
		resp.Assignments = h.deps.Assignments.Analytics()
	}
	if h.deps.Clients != nil {
		resp.ConnectedClients = h.deps.Clients.ClientCount()
	}

	writeJSON(w, http.StatusOK, resp)
}
