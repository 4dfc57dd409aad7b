// Package assignment selects the best agent to serve a ticket.
package assignment

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/dennisdiepolder/docqueue/backend/internal/capability"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// Reason codes
const (
	ReasonNoAvailableAgents = "no_available_agents"
	ReasonDegradedFallback  = "degraded_fallback"
	ReasonSpecialization    = "specialization_match"
	ReasonPerformance       = "performance_history"
	ReasonLowWorkload       = "low_workload"
	ReasonBestAvailable     = "best_available"
)

const (
	maxAlternatives = 3
	shiftHours      = 8.0
)

// AgentLister returns the current roster
type AgentLister interface {
	List() []types.Agent
}

// Evaluator scores one agent for one service
type Evaluator interface {
	Evaluate(ctx context.Context, agent types.Agent, service types.ServiceType, strategy capability.Strategy) (capability.Capability, error)
	WorkloadScore(wl types.AgentWorkload) float64
}

// Request describes the ticket to place
type Request struct {
	Service  types.ServiceType
	Strategy capability.Strategy
	Excluded []string
}

// Alternative is a runner-up agent
type Alternative struct {
	AgentID string  `json:"agentId"`
	Score   float64 `json:"score"`
}

// Result is the outcome of one assignment decision
type Result struct {
	AgentID                 string        `json:"agentId"`
	Score                   float64       `json:"score"`
	Confidence              float64       `json:"confidence"`
	Reason                  string        `json:"reason"`
	ReasonCode              string        `json:"reasonCode"`
	Alternatives            []Alternative `json:"alternatives"`
	EstimatedServiceMinutes int           `json:"estimatedServiceMinutes"`
	WorkloadImpact          float64       `json:"workloadImpact"`
	Degraded                bool          `json:"degraded"`
}

// Found reports whether an agent was selected
func (r Result) Found() bool {
	return r.AgentID != ""
}

type candidate struct {
	agent    types.Agent
	workload types.AgentWorkload
}

// Engine picks agents for tickets
type Engine struct {
	agents    AgentLister
	workload  capability.WorkloadReader
	evaluator Evaluator
	maxActive int
	logger    zerolog.Logger

	mu        sync.Mutex
	analytics analyticsState
}

// NewEngine creates a new Engine. maxActive is the per-agent active ticket limit.
func NewEngine(agents AgentLister, workload capability.WorkloadReader, evaluator Evaluator, maxActive int, logger zerolog.Logger) *Engine {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Engine{
		agents:    agents,
		workload:  workload,
		evaluator: evaluator,
		maxActive: maxActive,
		logger:    logger.With().Str("component", "assignment_engine").Logger(),
		analytics: newAnalyticsState(),
	}
}

// Assign selects the best agent for req. Having no eligible agent is a
// normal result with an empty AgentID, not an error.
func (e *Engine) Assign(ctx context.Context, req Request) Result {
	candidates := e.candidates(ctx, req)
	if len(candidates) == 0 {
		e.record(req, Result{ReasonCode: ReasonNoAvailableAgents})
		return Result{
			ReasonCode:              ReasonNoAvailableAgents,
			Reason:                  "no agents available",
			EstimatedServiceMinutes: req.Service.ExpectedMinutes,
		}
	}

	caps := make([]capability.Capability, 0, len(candidates))
	for _, c := range candidates {
		capab, err := e.evaluator.Evaluate(ctx, c.agent, req.Service, req.Strategy)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("agent_id", c.agent.ID).
				Str("service", req.Service.Code).
				Msg("capability evaluation failed")
			continue
		}
		caps = append(caps, capab)
	}

	var result Result
	if len(caps) == 0 {
		result = e.fallback(candidates, req)
	} else {
		result = e.best(caps, req)
	}

	e.record(req, result)
	e.logger.Debug().
		Str("agent_id", result.AgentID).
		Str("service", req.Service.Code).
		Float64("confidence", result.Confidence).
		Str("reason_code", result.ReasonCode).
		Msg("agent selected")
	return result
}

// candidates returns the available agents below their limit that are
// allowed to serve req.Service
func (e *Engine) candidates(ctx context.Context, req Request) []candidate {
	skip := make(map[string]bool, len(req.Excluded))
	for _, id := range req.Excluded {
		skip[id] = true
	}

	var out []candidate
	for _, agent := range e.agents.List() {
		if agent.Status != types.AgentAvailable || skip[agent.ID] {
			continue
		}
		if !capability.Serves(agent, req.Service) {
			continue
		}
		wl, err := e.workload.AgentWorkload(ctx, agent.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("workload lookup failed, skipping agent")
			continue
		}
		if wl.Active() >= e.maxActive {
			continue
		}
		out = append(out, candidate{agent: agent, workload: wl})
	}
	return out
}

func (e *Engine) best(caps []capability.Capability, req Request) Result {
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Total != caps[j].Total {
			return caps[i].Total > caps[j].Total
		}
		return caps[i].AgentID < caps[j].AgentID
	})

	top := caps[0]
	confidence := top.Total
	if len(caps) > 1 {
		confidence = math.Min(top.Total+(top.Total-caps[1].Total), 1)
	}

	alternatives := make([]Alternative, 0, maxAlternatives)
	for _, c := range caps[1:] {
		if len(alternatives) == maxAlternatives {
			break
		}
		alternatives = append(alternatives, Alternative{AgentID: c.AgentID, Score: c.Total})
	}

	code, reason := explain(top, req.Strategy)
	return Result{
		AgentID:                 top.AgentID,
		Score:                   top.Total,
		Confidence:              confidence,
		Reason:                  reason,
		ReasonCode:              code,
		Alternatives:            alternatives,
		EstimatedServiceMinutes: req.Service.ExpectedMinutes,
		WorkloadImpact:          workloadImpact(top.Workload, req.Service.ExpectedMinutes),
	}
}

// fallback picks the least-loaded candidate when no evaluation succeeded
func (e *Engine) fallback(candidates []candidate, req Request) Result {
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].workload.Active(), candidates[j].workload.Active()
		if ai != aj {
			return ai < aj
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})

	chosen := candidates[0]
	e.logger.Warn().
		Str("agent_id", chosen.agent.ID).
		Str("service", req.Service.Code).
		Int("candidates", len(candidates)).
		Msg("all evaluations failed, using least-loaded fallback")

	return Result{
		AgentID:                 chosen.agent.ID,
		Reason:                  "least loaded available agent",
		ReasonCode:              ReasonDegradedFallback,
		Alternatives:            []Alternative{},
		EstimatedServiceMinutes: req.Service.ExpectedMinutes,
		WorkloadImpact:          workloadImpact(e.evaluator.WorkloadScore(chosen.workload), req.Service.ExpectedMinutes),
		Degraded:                true,
	}
}

// workloadImpact predicts the agent's workload after taking the ticket,
// counting the service time against an eight hour shift
func workloadImpact(current float64, minutes int) float64 {
	return math.Min(current+(float64(minutes)/60)/shiftHours, 1)
}

func explain(c capability.Capability, strategy capability.Strategy) (string, string) {
	var reasons []string
	switch {
	case c.SpecializationMatch > 0.7:
		reasons = append(reasons, "high specialization match")
	case c.SpecializationMatch > 0.3:
		reasons = append(reasons, "moderate specialization")
	}
	switch {
	case c.Performance > 0.8:
		reasons = append(reasons, "excellent performance history")
	case c.Performance > 0.6:
		reasons = append(reasons, "good performance")
	}
	switch {
	case c.Workload < 0.3:
		reasons = append(reasons, "low current workload")
	case c.Workload < 0.6:
		reasons = append(reasons, "moderate workload")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "best available option")
	}

	w := capability.WeightsFor(strategy)
	contributions := []struct {
		code  string
		value float64
	}{
		{ReasonSpecialization, w.Specialization * c.SpecializationMatch},
		{ReasonPerformance, w.Performance * c.Performance},
		{ReasonLowWorkload, w.Load * (1 - c.Workload)},
	}
	code := ReasonBestAvailable
	dominant := 0.0
	for _, contrib := range contributions {
		if contrib.value > dominant {
			code, dominant = contrib.code, contrib.value
		}
	}

	return code, fmt.Sprintf("selected for %s (strategy: %s)", strings.Join(reasons, ", "), strategy)
}
