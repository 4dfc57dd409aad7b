// Package queue is the operation surface of the scheduling engine. It is
// the only writer of ticket state and publishes an event after every
// mutation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/assignment"
	"github.com/dennisdiepolder/docqueue/backend/internal/cache"
	"github.com/dennisdiepolder/docqueue/backend/internal/capability"
	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/position"
	"github.com/dennisdiepolder/docqueue/backend/internal/priority"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/scheduler"
	"github.com/dennisdiepolder/docqueue/backend/internal/storage"
	"github.com/dennisdiepolder/docqueue/backend/internal/txn"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull           = errors.New("queue is full")
	ErrNotFound            = storage.ErrNotFound
	ErrUnknownAgent        = cache.ErrUnknownAgent
	ErrAgentUnavailable    = errors.New("agent is not available")
	ErrAgentAtCapacity     = errors.New("agent has reached the active ticket limit")
	ErrNoAgentsAvailable   = errors.New("no agents available")
	ErrInvalidSatisfaction = errors.New("satisfaction must be between 1 and 5, or 0 when unknown")
	ErrInvalidStatus       = errors.New("invalid agent status")
	ErrMissingService      = errors.New("service type is required")
)

// errTaken means another caller claimed the ticket first
var errTaken = errors.New("ticket no longer waiting")

// PeakWindow is an hour range [StartHour, EndHour) with peak demand
type PeakWindow struct {
	StartHour int `validate:"gte=0,lte=23"`
	EndHour   int `validate:"gtfield=StartHour,lte=24"`
}

// Config holds queue limits
type Config struct {
	MaxQueueSize      int                 `validate:"gte=1"`
	MaxActivePerAgent int                 `validate:"gte=1"`
	DefaultStrategy   capability.Strategy `validate:"required"`
	PeakWindows       []PeakWindow        `validate:"dive"`
}

// DefaultConfig returns the standard queue limits
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:      1000,
		MaxActivePerAgent: 1,
		DefaultStrategy:   capability.Hybrid,
		PeakWindows:       []PeakWindow{{StartHour: 9, EndHour: 12}, {StartHour: 14, EndHour: 17}},
	}
}

// EnqueueRequest is a citizen joining the queue
type EnqueueRequest struct {
	CitizenRef  string               `json:"citizenRef" validate:"max=128"`
	ServiceType string               `json:"serviceType" validate:"required,max=64"`
	Factors     types.SpecialFactors `json:"factors"`
}

// CompleteRequest closes a served ticket
type CompleteRequest struct {
	Satisfaction int `json:"satisfaction" validate:"gte=0,lte=5"`
}

// PositionInfo answers a position query
type PositionInfo struct {
	TicketID             int64              `json:"ticketId"`
	Status               types.TicketStatus `json:"status"`
	Waiting              bool               `json:"waiting"`
	Position             int                `json:"position,omitempty"`
	EstimatedWaitMinutes int                `json:"estimatedWaitMinutes,omitempty"`
	AgentID              string             `json:"agentId,omitempty"`
}

// HistoryStore records and reads service outcomes
type HistoryStore interface {
	SaveServiceLog(ctx context.Context, log types.ServiceLog) error
}

// PerformanceCache drops cached performance scores for an agent
type PerformanceCache interface {
	InvalidateAgent(agentID string)
}

// Optimizer runs optimization passes on demand
type Optimizer interface {
	Trigger(ctx context.Context, kind scheduler.PassKind) (scheduler.PassResult, error)
}

// Deps groups the collaborators of a Service
type Deps struct {
	Store       storage.TicketStore
	History     HistoryStore
	Agents      *cache.AgentRegistry
	Snapshots   *cache.SnapshotCache
	Catalog     *types.Catalog
	Scorer      *priority.Scorer
	Engine      *assignment.Engine
	Performance PerformanceCache
	Tracker     *position.Tracker
	Sync        *realtime.Synchronizer
	Runner      *txn.Runner
	Clock       clock.Clock
	Metrics     *metrics.Metrics
}

// Service implements the queue operations
type Service struct {
	cfg         Config
	store       storage.TicketStore
	history     HistoryStore
	agents      *cache.AgentRegistry
	snapshots   *cache.SnapshotCache
	catalog     *types.Catalog
	scorer      *priority.Scorer
	engine      *assignment.Engine
	performance PerformanceCache
	tracker     *position.Tracker
	sync        *realtime.Synchronizer
	runner      *txn.Runner
	clock       clock.Clock
	metrics     *metrics.Metrics
	workload    *WorkloadReader
	optimizer   Optimizer
	logger      zerolog.Logger

	// recomputeMu serializes position recompute and publish so diffs
	// reach subscribers in the order they were computed
	recomputeMu sync.Mutex

	// enqueueMu makes the waiting count and the insert one step
	enqueueMu sync.Mutex

	claimMu sync.Mutex
	claims  map[string]*sync.Mutex // agentID -> claim gate
}

// NewService creates a new Service
func NewService(cfg Config, deps Deps, logger zerolog.Logger) *Service {
	if cfg.MaxActivePerAgent < 1 {
		cfg.MaxActivePerAgent = 1
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		history:     deps.History,
		agents:      deps.Agents,
		snapshots:   deps.Snapshots,
		catalog:     deps.Catalog,
		scorer:      deps.Scorer,
		engine:      deps.Engine,
		performance: deps.Performance,
		tracker:     deps.Tracker,
		sync:        deps.Sync,
		runner:      deps.Runner,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		workload:    NewWorkloadReader(deps.Store),
		claims:      make(map[string]*sync.Mutex),
		logger:      logger.With().Str("component", "queue_service").Logger(),
	}
}

// SetOptimizer installs the scheduler used by TriggerOptimization
func (s *Service) SetOptimizer(o Optimizer) {
	s.optimizer = o
}

// Enqueue scores a new ticket and adds it to the waiting set
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*types.Ticket, error) {
	if req.ServiceType == "" {
		return nil, ErrMissingService
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		snap = types.SystemSnapshot{}
	}

	now := s.clock.Now()
	ticket := &types.Ticket{
		ServiceType: req.ServiceType,
		CitizenRef:  req.CitizenRef,
		Status:      types.TicketWaiting,
		Factors:     req.Factors,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ticket.PriorityScore = s.scorer.ScoreTicket(*ticket, now, snap)

	// The cap holds per process. Instances sharing one store can each
	// admit up to it between their counts.
	s.enqueueMu.Lock()
	err = s.runner.Do(ctx, "queue.enqueue", func(ctx context.Context) error {
		waiting, err := s.store.List(ctx, types.TicketWaiting)
		if err != nil {
			return err
		}
		if len(waiting) >= s.cfg.MaxQueueSize {
			return ErrQueueFull
		}
		return s.store.Create(ctx, ticket)
	})
	s.enqueueMu.Unlock()
	if errors.Is(err, ErrQueueFull) {
		s.logger.Warn().Int("max", s.cfg.MaxQueueSize).Msg("queue full, rejecting ticket")
		return nil, ErrQueueFull
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	s.metrics.RecordEnqueue(ticket.ServiceType)
	s.logger.Info().
		Int64("ticket_id", ticket.ID).
		Str("service_type", ticket.ServiceType).
		Float64("priority_score", ticket.PriorityScore).
		Msg("ticket enqueued")

	s.publishTicket(ctx, types.EventQueueUpdate, types.PriorityNormal, ActionEnqueued, ticket, nil)
	s.recomputeAndPublish(ctx)

	if entry, ok := s.tracker.Position(ticket.ID); ok {
		ticket.Position = entry.Position
	}
	return ticket, nil
}

// RequestNext assigns the highest placed eligible ticket to the agent. It
// returns nil when nothing is eligible.
func (s *Service) RequestNext(ctx context.Context, agentID string) (*types.Ticket, error) {
	agent, ok := s.agents.Get(agentID)
	if !ok {
		return nil, ErrUnknownAgent
	}
	if agent.Status != types.AgentAvailable {
		return nil, ErrAgentUnavailable
	}

	release := s.claim(agentID)
	defer release()

	if err := s.checkCapacity(ctx, agentID); err != nil {
		return nil, err
	}

	waiting, err := s.store.List(ctx, types.TicketWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting tickets: %w", err)
	}
	position.Order(waiting)

	available := make(map[string]types.Agent)
	for _, a := range s.agents.ListByStatus(types.AgentAvailable) {
		available[a.ID] = a
	}

	for _, candidate := range waiting {
		service, _ := s.catalog.Lookup(candidate.ServiceType)
		if !capability.Serves(agent, service) {
			continue
		}
		// proposals for another agent hold while that agent can act on them
		if r := candidate.RecommendedAgentID; r != "" && r != agentID {
			if holder, ok := available[r]; ok && capability.Serves(holder, service) {
				continue
			}
		}

		ticket, deps, err := s.mutate(ctx, "queue.request_next", candidate.ID, []string{types.AgentKey(agentID)},
			func(t *types.Ticket, now time.Time) error {
				if t.Status != types.TicketWaiting {
					return errTaken
				}
				if err := s.checkCapacity(ctx, agentID); err != nil {
					return err
				}
				if err := t.Transition(types.TicketAssigned, now); err != nil {
					return err
				}
				t.AgentID = agentID
				t.RecommendedAgentID = ""
				return nil
			})
		if errors.Is(err, errTaken) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.metrics.RecordTransition(types.TicketAssigned)
		s.metrics.RecordAssignment("request_next")
		s.logger.Info().
			Int64("ticket_id", ticket.ID).
			Str("agent_id", agentID).
			Float64("priority_score", ticket.PriorityScore).
			Msg("ticket assigned")

		s.publishTicket(ctx, types.EventTicketAssignment, types.PriorityHigh, ActionAssigned, ticket, deps)
		s.occupyAgent(ctx, agentID, ticket.ID)
		s.recomputeAndPublish(ctx)
		return ticket, nil
	}

	return nil, nil
}

// StartService moves an assigned ticket to in_progress
func (s *Service) StartService(ctx context.Context, ticketID int64) (*types.Ticket, error) {
	current, err := s.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	ticket, deps, err := s.mutate(ctx, "queue.start_service", ticketID, agentKeys(current.AgentID),
		func(t *types.Ticket, now time.Time) error {
			return t.Transition(types.TicketInProgress, now)
		})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(types.TicketInProgress)
	s.publishTicket(ctx, types.EventQueueUpdate, types.PriorityNormal, ActionStarted, ticket, deps)
	return ticket, nil
}

// Complete closes an in-progress ticket and records the outcome
func (s *Service) Complete(ctx context.Context, ticketID int64, req CompleteRequest) (*types.Ticket, error) {
	if req.Satisfaction < 0 || req.Satisfaction > 5 {
		return nil, ErrInvalidSatisfaction
	}
	return s.finish(ctx, ticketID, types.TicketCompleted, req.Satisfaction)
}

// MarkNoShow closes an in-progress ticket whose citizen did not appear
func (s *Service) MarkNoShow(ctx context.Context, ticketID int64) (*types.Ticket, error) {
	return s.finish(ctx, ticketID, types.TicketNoShow, 0)
}

func (s *Service) finish(ctx context.Context, ticketID int64, status types.TicketStatus, satisfaction int) (*types.Ticket, error) {
	current, err := s.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	ticket, deps, err := s.mutate(ctx, "queue."+string(status), ticketID, agentKeys(current.AgentID),
		func(t *types.Ticket, now time.Time) error {
			return t.Transition(status, now)
		})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(status)
	s.recordOutcome(ctx, ticket, satisfaction)

	action := ActionCompleted
	if status == types.TicketNoShow {
		action = ActionNoShow
	}
	s.publishTicket(ctx, types.EventTicketCompletion, types.PriorityNormal, action, ticket, deps)
	s.releaseAgent(ctx, ticket.AgentID)
	return ticket, nil
}

// recordOutcome archives a service log. Failures are logged; the ticket
// is already closed.
func (s *Service) recordOutcome(ctx context.Context, t *types.Ticket, satisfaction int) {
	if t.AgentID == "" || t.CompletedAt == nil {
		return
	}

	started := t.CreatedAt
	if t.CalledAt != nil {
		started = *t.CalledAt
	}
	log := types.ServiceLog{
		AgentID:         t.AgentID,
		TicketID:        t.ID,
		ServiceType:     t.ServiceType,
		Status:          t.Status,
		DurationMinutes: t.CompletedAt.Sub(started).Minutes(),
		Satisfaction:    satisfaction,
		CompletedAt:     *t.CompletedAt,
	}

	err := s.runner.Do(ctx, "queue.service_log", func(ctx context.Context) error {
		return s.history.SaveServiceLog(ctx, log)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("ticket_id", t.ID).Msg("failed to save service log")
		return
	}
	s.performance.InvalidateAgent(t.AgentID)
}

// Cancel withdraws a waiting or assigned ticket
func (s *Service) Cancel(ctx context.Context, ticketID int64) (*types.Ticket, error) {
	current, err := s.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	ticket, deps, err := s.mutate(ctx, "queue.cancel", ticketID, agentKeys(current.AgentID),
		func(t *types.Ticket, now time.Time) error {
			return t.Transition(types.TicketCancelled, now)
		})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(types.TicketCancelled)
	s.publishTicket(ctx, types.EventQueueUpdate, types.PriorityNormal, ActionCancelled, ticket, deps)
	s.releaseAgent(ctx, ticket.AgentID)
	s.recomputeAndPublish(ctx)
	return ticket, nil
}

// Reassign moves an active ticket to the best other agent
func (s *Service) Reassign(ctx context.Context, ticketID int64, strategy capability.Strategy) (*types.Ticket, assignment.Result, error) {
	current, err := s.get(ctx, ticketID)
	if err != nil {
		return nil, assignment.Result{}, err
	}
	if !current.Status.IsActive() {
		return nil, assignment.Result{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, current.Status, types.TicketAssigned)
	}
	if strategy == "" {
		strategy = s.cfg.DefaultStrategy
	}

	service, _ := s.catalog.Lookup(current.ServiceType)
	result := s.engine.Assign(ctx, assignment.Request{
		Service:  service,
		Strategy: strategy,
		Excluded: []string{current.AgentID},
	})
	s.metrics.RecordAssignment(result.ReasonCode)
	if !result.Found() {
		return current, result, ErrNoAgentsAvailable
	}

	release := s.claim(result.AgentID)
	defer release()

	previous := current.AgentID
	keys := append(agentKeys(previous), types.AgentKey(result.AgentID))
	ticket, deps, err := s.mutate(ctx, "queue.reassign", ticketID, keys,
		func(t *types.Ticket, now time.Time) error {
			target, ok := s.agents.Get(result.AgentID)
			if !ok || target.Status != types.AgentAvailable {
				return ErrAgentUnavailable
			}
			if err := s.checkCapacity(ctx, result.AgentID); err != nil {
				return err
			}
			if err := t.Transition(types.TicketAssigned, now); err != nil {
				return err
			}
			t.AgentID = result.AgentID
			t.CalledAt = nil
			return nil
		})
	if err != nil {
		return nil, result, err
	}

	s.metrics.RecordTransition(types.TicketAssigned)
	s.logger.Info().
		Int64("ticket_id", ticket.ID).
		Str("from_agent", previous).
		Str("to_agent", result.AgentID).
		Str("reason", result.ReasonCode).
		Float64("confidence", result.Confidence).
		Msg("ticket reassigned")

	s.publishTicket(ctx, types.EventTicketAssignment, types.PriorityHigh, ActionReassigned, ticket, deps)
	s.releaseAgent(ctx, previous)
	s.occupyAgent(ctx, result.AgentID, ticket.ID)
	return ticket, result, nil
}

// QueryPosition returns a ticket's place in the queue
func (s *Service) QueryPosition(ctx context.Context, ticketID int64) (PositionInfo, error) {
	if entry, ok := s.tracker.Position(ticketID); ok {
		return PositionInfo{
			TicketID:             ticketID,
			Status:               types.TicketWaiting,
			Waiting:              true,
			Position:             entry.Position,
			EstimatedWaitMinutes: entry.EstimatedWait,
		}, nil
	}

	t, err := s.get(ctx, ticketID)
	if err != nil {
		return PositionInfo{}, err
	}
	info := PositionInfo{TicketID: t.ID, Status: t.Status, AgentID: t.AgentID}
	if t.Status == types.TicketWaiting {
		// not yet in the tracker cache
		info.Waiting = true
	}
	return info, nil
}

// TriggerOptimization runs an optimization pass now
func (s *Service) TriggerOptimization(ctx context.Context, kind scheduler.PassKind) (scheduler.PassResult, error) {
	if s.optimizer == nil {
		return scheduler.PassResult{}, errors.New("optimizer not configured")
	}
	return s.optimizer.Trigger(ctx, kind)
}

// SetAgentStatus changes an agent's status. Active tickets are left as
// they are; moving them is an explicit Reassign.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) (types.Agent, error) {
	if !status.Valid() {
		return types.Agent{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	key := types.AgentKey(agentID)
	unlock := s.sync.Lock(ctx, key)
	deps := s.sync.Versions(key)
	agent, err := s.agents.SetStatus(agentID, status, s.clock.Now())
	unlock()
	if err != nil {
		return types.Agent{}, err
	}

	s.metrics.UpdateAgentStats(s.agents.List())
	s.logger.Info().Str("agent_id", agentID).Str("status", string(status)).Msg("agent status changed")

	s.publishAgent(ctx, agent, deps)
	s.recomputeAndPublish(ctx)
	return agent, nil
}

// RegisterAgents adds or updates roster entries
func (s *Service) RegisterAgents(ctx context.Context, roster []types.Agent) []types.Agent {
	now := s.clock.Now()
	out := make([]types.Agent, 0, len(roster))
	for _, a := range roster {
		if a.ID == "" {
			continue
		}
		registered := s.agents.Register(a, now)
		out = append(out, registered)
		s.publishAgent(ctx, registered, nil)
	}

	s.metrics.UpdateAgentStats(s.agents.List())
	s.logger.Info().Int("agents", len(out)).Msg("roster registered")
	return out
}

// Resync replays events after lastSeq for a reconnecting client
func (s *Service) Resync(_ context.Context, clientID string, lastSeq uint64) realtime.ResyncResult {
	return s.sync.Resync(clientID, lastSeq)
}

// AgentWorkload counts the agent's active tickets
func (s *Service) AgentWorkload(ctx context.Context, agentID string) (types.AgentWorkload, error) {
	return s.workload.AgentWorkload(ctx, agentID)
}

// claim serializes ticket claims for one agent. Advisory locks give up
// after their timeout, so the capacity check cannot rely on them alone.
func (s *Service) claim(agentID string) func() {
	s.claimMu.Lock()
	gate, ok := s.claims[agentID]
	if !ok {
		gate = &sync.Mutex{}
		s.claims[agentID] = gate
	}
	s.claimMu.Unlock()

	gate.Lock()
	return gate.Unlock
}

// checkCapacity fails with ErrAgentAtCapacity when the agent already holds
// its limit of active tickets
func (s *Service) checkCapacity(ctx context.Context, agentID string) error {
	wl, err := s.AgentWorkload(ctx, agentID)
	if err != nil {
		return err
	}
	if wl.Active() >= s.cfg.MaxActivePerAgent {
		return ErrAgentAtCapacity
	}
	return nil
}

func (s *Service) get(ctx context.Context, ticketID int64) (*types.Ticket, error) {
	t, err := s.store.Get(ctx, ticketID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return t, nil
}

// mutate applies fn to a fresh copy of the ticket and persists it while
// holding the advisory locks for the ticket and extraKeys. The locks are
// released before it returns, so callers publish afterwards.
func (s *Service) mutate(ctx context.Context, op string, ticketID int64, extraKeys []string, fn func(t *types.Ticket, now time.Time) error) (*types.Ticket, map[string]uint64, error) {
	keys := append([]string{types.TicketKey(ticketID)}, extraKeys...)
	unlock := s.sync.Lock(ctx, keys...)
	defer unlock()

	deps := s.sync.Versions(keys...)

	var updated *types.Ticket
	err := s.runner.Do(ctx, op, func(ctx context.Context) error {
		t, err := s.store.Get(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := fn(t, s.clock.Now()); err != nil {
			return err
		}
		if err := s.store.Update(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, deps, nil
}

// occupyAgent marks the agent busy once it reaches its active limit
func (s *Service) occupyAgent(ctx context.Context, agentID string, ticketID int64) {
	s.agents.SetCurrentTicket(agentID, ticketID)

	agent, ok := s.agents.Get(agentID)
	if !ok || agent.Status != types.AgentAvailable {
		return
	}
	wl, err := s.AgentWorkload(ctx, agentID)
	if err != nil || wl.Active() < s.cfg.MaxActivePerAgent {
		return
	}
	if agent, err = s.agents.SetStatus(agentID, types.AgentBusy, s.clock.Now()); err == nil {
		s.publishAgent(ctx, agent, nil)
		s.metrics.UpdateAgentStats(s.agents.List())
	}
}

// releaseAgent frees a busy agent once it drops below its active limit.
// Agents on break or offline keep their status.
func (s *Service) releaseAgent(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	agent, ok := s.agents.Get(agentID)
	if !ok {
		return
	}

	wl, err := s.AgentWorkload(ctx, agentID)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to load workload on release")
		return
	}
	if wl.Active() == 0 {
		s.agents.SetCurrentTicket(agentID, 0)
	}
	if agent.Status != types.AgentBusy || wl.Active() >= s.cfg.MaxActivePerAgent {
		return
	}
	if agent, err = s.agents.SetStatus(agentID, types.AgentAvailable, s.clock.Now()); err == nil {
		s.publishAgent(ctx, agent, nil)
		s.metrics.UpdateAgentStats(s.agents.List())
	}
}

func agentKeys(agentID string) []string {
	if agentID == "" {
		return nil
	}
	return []string{types.AgentKey(agentID)}
}
