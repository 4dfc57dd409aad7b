package aggregator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/alerts"
	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// SnapshotSource returns the current system view
type SnapshotSource interface {
	Snapshot(ctx context.Context) (types.SystemSnapshot, error)
}

// AgentSource lists the roster
type AgentSource interface {
	List() []types.Agent
}

// Publisher publishes sync events
type Publisher interface {
	Publish(ctx context.Context, ev types.SyncEvent) bool
}

// PerformanceMetrics is the payload of a metrics_update event
type PerformanceMetrics struct {
	TotalWaiting       int       `json:"totalWaiting"`
	InService          int       `json:"inService"`
	AverageWaitMinutes float64   `json:"averageWaitMinutes"`
	AgentUtilization   float64   `json:"agentUtilization"`
	ServiceBalance     float64   `json:"serviceBalance"`
	PeakHours          bool      `json:"peakHoursActive"`
	AgentsAvailable    int       `json:"agentsAvailable"`
	AgentsBusy         int       `json:"agentsBusy"`
	AgentsTotal        int       `json:"agentsTotal"`
	Timestamp          time.Time `json:"timestamp"`
}

// Aggregator periodically derives performance metrics and alert status
type Aggregator struct {
	snaps      SnapshotSource
	agents     AgentSource
	publisher  Publisher
	thresholds alerts.Thresholds
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu        sync.Mutex
	lastLevel string
	last      PerformanceMetrics
}

// NewAggregator creates a new aggregator
func NewAggregator(snaps SnapshotSource, agents AgentSource, publisher Publisher, thresholds alerts.Thresholds, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		snaps:      snaps,
		agents:     agents,
		publisher:  publisher,
		thresholds: thresholds,
		interval:   interval,
		metrics:    m,
		logger:     logger.With().Str("component", "aggregator").Logger(),
	}
}

// Start collects metrics every interval until ctx is cancelled
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", a.interval).Msg("aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("aggregator stopped")
			return

		case <-ticker.C:
			if _, _, err := a.Collect(ctx); err != nil {
				a.logger.Error().Err(err).Msg("metrics collection failed")
			}
		}
	}
}

// Collect builds one metrics snapshot, publishes it and publishes a
// system_status event when alerts are active or have just cleared
func (a *Aggregator) Collect(ctx context.Context) (PerformanceMetrics, []alerts.Alert, error) {
	cycleStart := time.Now()

	snap, err := a.snaps.Snapshot(ctx)
	if err != nil {
		a.metrics.RecordAggregationError()
		return PerformanceMetrics{}, nil, err
	}

	a.metrics.UpdateAgentStats(a.agents.List())

	pm := Derive(snap)
	a.publisher.Publish(ctx, realtime.NewEvent(types.EventMetricsUpdate, types.PriorityLow,
		map[string]any{"metrics": pm}, []string{types.ChannelMetrics}))

	raised := alerts.Check(snap, a.thresholds)
	level := alerts.Highest(raised)
	for _, alert := range raised {
		a.metrics.RecordAlert(alert.Severity)
	}

	a.mu.Lock()
	previous := a.lastLevel
	a.lastLevel = level
	a.last = pm
	a.mu.Unlock()

	if level != "" || previous != "" {
		status := "ok"
		priority := types.PriorityNormal
		switch level {
		case alerts.SeverityCritical:
			status, priority = "critical", types.PriorityCritical
		case alerts.SeverityWarning:
			status, priority = "degraded", types.PriorityHigh
		}

		a.publisher.Publish(ctx, realtime.NewEvent(types.EventSystemStatus, priority, map[string]any{
			"status": status,
			"alerts": raised,
		}, []string{types.ChannelSystem}))

		if level != previous {
			a.logger.Warn().
				Str("previous", previous).
				Str("level", level).
				Int("alerts", len(raised)).
				Msg("system status changed")
		}
	}

	a.metrics.RecordAggregationCycle(time.Since(cycleStart))
	a.logger.Debug().
		Int("waiting", pm.TotalWaiting).
		Float64("utilization", pm.AgentUtilization).
		Int("alerts", len(raised)).
		Msg("metrics collected")

	return pm, raised, nil
}

// Last returns the most recent metrics snapshot
func (a *Aggregator) Last() PerformanceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Derive computes performance metrics from a snapshot. Utilization is the
// busy share of all agents as a percentage; service balance is the ratio
// of the smallest to the largest per-service backlog.
func Derive(snap types.SystemSnapshot) PerformanceMetrics {
	pm := PerformanceMetrics{
		TotalWaiting:       snap.TotalWaiting,
		InService:          snap.InService,
		AverageWaitMinutes: round2(snap.AverageWaitMinutes),
		ServiceBalance:     1,
		PeakHours:          snap.PeakHours,
		AgentsAvailable:    snap.AgentsAvailable,
		AgentsBusy:         snap.AgentsBusy,
		AgentsTotal:        snap.AgentsTotal,
		Timestamp:          snap.TakenAt,
	}
	if snap.AgentsTotal > 0 {
		pm.AgentUtilization = round2(float64(snap.AgentsBusy) / float64(snap.AgentsTotal) * 100)
	}

	if len(snap.ServiceBacklog) > 0 {
		lo, hi := math.MaxInt, 0
		for _, n := range snap.ServiceBacklog {
			lo = min(lo, n)
			hi = max(hi, n)
		}
		if hi > 0 {
			pm.ServiceBalance = round2(float64(lo) / float64(hi))
		}
	}
	return pm
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
