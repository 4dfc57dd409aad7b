// Package capability scores how well an agent fits a service right now.
package capability

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// Match levels for the specialization sub-score
const (
	exactMatch      = 1.0
	familyMatch     = 0.6
	generalistMatch = 0.5
)

// HistoryReader provides the service logs used for performance scoring
type HistoryReader interface {
	ListServiceLogs(ctx context.Context, agentID string, since time.Time) ([]types.ServiceLog, error)
}

// WorkloadReader reports the active tickets held by an agent
type WorkloadReader interface {
	AgentWorkload(ctx context.Context, agentID string) (types.AgentWorkload, error)
}

// Config holds evaluator thresholds
type Config struct {
	ExperienceCap     int           `validate:"gt=0"`
	WorkloadScale     float64       `validate:"gt=0"`
	PerformanceWindow time.Duration `validate:"gt=0"`
	CacheTTL          time.Duration `validate:"gte=0"`
	FatigueThreshold  time.Duration `validate:"gt=0"`
	RampUpThreshold   time.Duration `validate:"gte=0"`
}

// DefaultConfig returns the standard evaluator thresholds
func DefaultConfig() Config {
	return Config{
		ExperienceCap:     50,
		WorkloadScale:     10,
		PerformanceWindow: 30 * 24 * time.Hour,
		CacheTTL:          time.Hour,
		FatigueThreshold:  8 * time.Hour,
		RampUpThreshold:   time.Hour,
	}
}

// Capability is the evaluation of one agent for one service
type Capability struct {
	AgentID             string  `json:"agentId"`
	SpecializationMatch float64 `json:"specializationMatch"`
	Workload            float64 `json:"workload"`
	Performance         float64 `json:"performance"`
	Availability        float64 `json:"availability"`
	Total               float64 `json:"total"`
}

type perfEntry struct {
	score     float64
	completed int
	at        time.Time
}

// Evaluator computes capability scores
type Evaluator struct {
	cfg      Config
	history  HistoryReader
	workload WorkloadReader
	clock    clock.Clock
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]perfEntry
}

// NewEvaluator creates a new Evaluator
func NewEvaluator(cfg Config, history HistoryReader, workload WorkloadReader, clk clock.Clock, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		history:  history,
		workload: workload,
		clock:    clk,
		logger:   logger.With().Str("component", "capability_evaluator").Logger(),
		cache:    make(map[string]perfEntry),
	}
}

// Evaluate scores agent against service using the given strategy
func (e *Evaluator) Evaluate(ctx context.Context, agent types.Agent, service types.ServiceType, strategy Strategy) (Capability, error) {
	perf, completed, err := e.performance(ctx, agent.ID, service.Code)
	if err != nil {
		return Capability{}, fmt.Errorf("performance for agent %s: %w", agent.ID, err)
	}

	wl, err := e.workload.AgentWorkload(ctx, agent.ID)
	if err != nil {
		return Capability{}, fmt.Errorf("workload for agent %s: %w", agent.ID, err)
	}

	experience := math.Min(float64(completed)/float64(e.cfg.ExperienceCap), 1)
	c := Capability{
		AgentID:             agent.ID,
		SpecializationMatch: MatchLevel(agent, service) * (0.7*perf + 0.3*experience),
		Workload:            e.WorkloadScore(wl),
		Performance:         perf,
		Availability:        e.Availability(agent),
	}
	c.Total = WeightsFor(strategy).Blend(c)
	return c, nil
}

// MatchLevel returns 1.0 on an exact specialization, 0.6 on a family match,
// 0.5 for generalists and 0 otherwise
func MatchLevel(agent types.Agent, service types.ServiceType) float64 {
	if agent.IsGeneralist() {
		return generalistMatch
	}

	level := 0.0
	for _, code := range agent.Specializations {
		switch {
		case code == service.Code:
			return exactMatch
		case code == service.Family(),
			strings.HasPrefix(service.Code, code+"_"),
			types.ServiceType{Code: code}.Family() == service.Family():
			level = familyMatch
		}
	}
	return level
}

// Serves reports whether agent is allowed to take tickets for service
func Serves(agent types.Agent, service types.ServiceType) bool {
	return MatchLevel(agent, service) > 0
}

// WorkloadScore maps active tickets to [0,1], where 0 is idle
func (e *Evaluator) WorkloadScore(wl types.AgentWorkload) float64 {
	raw := float64(wl.InProgress*2+wl.Assigned) / e.cfg.WorkloadScale
	return math.Min(raw, 1)
}

// Availability scores the agent's readiness from status and session length
func (e *Evaluator) Availability(agent types.Agent) float64 {
	if agent.Status != types.AgentAvailable {
		return 0
	}
	if agent.LoginAt == nil {
		return 0.7
	}

	session := e.clock.Now().Sub(*agent.LoginAt)
	switch {
	case session > e.cfg.FatigueThreshold:
		return 0.3
	case session < e.cfg.RampUpThreshold:
		return 0.8
	default:
		return 1.0
	}
}

func (e *Evaluator) performance(ctx context.Context, agentID, serviceCode string) (float64, int, error) {
	key := agentID + "|" + serviceCode
	now := e.clock.Now()

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && now.Sub(entry.at) < e.cfg.CacheTTL {
		return entry.score, entry.completed, nil
	}

	logs, err := e.history.ListServiceLogs(ctx, agentID, now.Add(-e.cfg.PerformanceWindow))
	if err != nil {
		return 0, 0, err
	}

	score, completed := PerformanceScore(logs, serviceCode)

	e.mu.Lock()
	e.cache[key] = perfEntry{score: score, completed: completed, at: now}
	e.mu.Unlock()

	return score, completed, nil
}

// InvalidateAgent drops cached performance for an agent, e.g. after it
// completes a ticket
func (e *Evaluator) InvalidateAgent(agentID string) {
	prefix := agentID + "|"
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			delete(e.cache, key)
		}
	}
}

// PerformanceScore computes the performance sub-score and the completed
// count for one service from an agent's logs. With no history it is 0.5.
func PerformanceScore(logs []types.ServiceLog, serviceCode string) (float64, int) {
	var total, completed, rated, timed int
	var satisfaction, minutes float64

	for _, l := range logs {
		if l.ServiceType != serviceCode {
			continue
		}
		total++
		if l.Status != types.TicketCompleted {
			continue
		}
		completed++
		if l.Satisfaction > 0 {
			rated++
			satisfaction += float64(l.Satisfaction)
		}
		if l.DurationMinutes > 0 {
			timed++
			minutes += l.DurationMinutes
		}
	}

	if total == 0 {
		return 0.5, 0
	}

	avgSatisfaction := 3.0
	if rated > 0 {
		avgSatisfaction = satisfaction / float64(rated)
	}
	avgMinutes := 10.0
	if timed > 0 {
		avgMinutes = minutes / float64(timed)
	}

	completionRate := float64(completed) / float64(total)
	efficiency := math.Max(0, math.Min(1, 1-(avgMinutes-10)/20))

	score := 0.4*completionRate + 0.4*(avgSatisfaction-1)/4 + 0.2*efficiency
	return score, completed
}
