// Package scheduler periodically re-scores the waiting set and proposes
// agents for tickets that have waited too long.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/assignment"
	"github.com/dennisdiepolder/docqueue/backend/internal/capability"
	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/storage"
	"github.com/dennisdiepolder/docqueue/backend/internal/txn"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PassKind selects which optimization pass to run
type PassKind string

const (
	PassLight PassKind = "light"
	PassFull  PassKind = "full"
)

// ErrUnknownPass is returned for pass kinds other than light and full
var ErrUnknownPass = errors.New("unknown optimization pass")

// ParsePassKind validates a pass name
func ParsePassKind(name string) (PassKind, error) {
	switch PassKind(name) {
	case PassLight, PassFull:
		return PassKind(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPass, name)
}

// Config holds the scheduler intervals and limits
type Config struct {
	LightInterval   time.Duration       `validate:"gt=0"`
	FullInterval    time.Duration       `validate:"gt=0"`
	Threshold       float64             `validate:"gte=0"`
	BatchSize       int                 `validate:"gte=1"`
	Budget          time.Duration       `validate:"gt=0"`
	RebalanceAge    time.Duration       `validate:"gte=0"`
	Strategy        capability.Strategy `validate:"required"`
	CleanupInterval time.Duration       `validate:"gt=0"`
	Retention       time.Duration       `validate:"gt=0"`
}

// DefaultConfig returns the standard schedule
func DefaultConfig() Config {
	return Config{
		LightInterval:   5 * time.Minute,
		FullInterval:    15 * time.Minute,
		Threshold:       25,
		BatchSize:       50,
		Budget:          30 * time.Second,
		RebalanceAge:    10 * time.Minute,
		Strategy:        capability.Hybrid,
		CleanupInterval: 24 * time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// Scorer re-derives a ticket's priority
type Scorer interface {
	ScoreTicket(t types.Ticket, now time.Time, snap types.SystemSnapshot) float64
}

// Assigner proposes an agent for a service
type Assigner interface {
	Assign(ctx context.Context, req assignment.Request) assignment.Result
}

// SnapshotSource returns the current system snapshot
type SnapshotSource interface {
	Snapshot(ctx context.Context) (types.SystemSnapshot, error)
}

// Notifier is told about every completed pass so positions can be
// recomputed and the changes published
type Notifier interface {
	OptimizationApplied(ctx context.Context, result PassResult, changed []types.Ticket)
}

// PassResult summarizes one optimization pass
type PassResult struct {
	Kind           PassKind      `json:"kind"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	Scanned        int           `json:"scanned"`
	Rescored       int           `json:"rescored"`
	Recommended    int           `json:"recommended"`
	Batches        int           `json:"batches"`
	FailedBatches  int           `json:"failedBatches"`
	BudgetExceeded bool          `json:"budgetExceeded"`
	Coalesced      bool          `json:"coalesced"`
}

// Updated returns the number of tickets written back
func (r PassResult) Updated() int {
	return r.Rescored + r.Recommended
}

// Stats describes scheduler activity
type Stats struct {
	LightPasses    int64     `json:"lightPasses"`
	FullPasses     int64     `json:"fullPasses"`
	FailedBatches  int64     `json:"failedBatches"`
	Coalesced      int64     `json:"coalesced"`
	CleanedTickets int64     `json:"cleanedTickets"`
	LastLight      time.Time `json:"lastLight"`
	LastFull       time.Time `json:"lastFull"`
	LastCleanup    time.Time `json:"lastCleanup"`
}

// change is one pending write-back, applied to a fresh copy of the ticket
type change struct {
	id          int64
	score       float64
	recommended string
}

// Scheduler runs the light, full and cleanup passes
type Scheduler struct {
	cfg      Config
	store    storage.TicketStore
	scorer   Scorer
	assigner Assigner
	agents   assignment.AgentLister
	catalog  *types.Catalog
	snaps    SnapshotSource
	runner   *txn.Runner
	notifier Notifier
	clock    clock.Clock
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger

	lightRunning atomic.Bool
	fullRunning  atomic.Bool

	mu      sync.Mutex
	cursors map[PassKind]int64
	stats   Stats
}

// Deps groups the collaborators of a Scheduler
type Deps struct {
	Store    storage.TicketStore
	Scorer   Scorer
	Assigner Assigner
	Agents   assignment.AgentLister
	Catalog  *types.Catalog
	Snaps    SnapshotSource
	Runner   *txn.Runner
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// NewScheduler creates a new Scheduler. The notifier may be set later
// with SetNotifier.
func NewScheduler(cfg Config, deps Deps, logger zerolog.Logger) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		scorer:   deps.Scorer,
		assigner: deps.Assigner,
		agents:   deps.Agents,
		catalog:  deps.Catalog,
		snaps:    deps.Snaps,
		runner:   deps.Runner,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("docqueue/scheduler"),
		logger:   logger.With().Str("component", "scheduler").Logger(),
		cursors:  make(map[PassKind]int64),
	}
}

// SetNotifier installs the pass notifier
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start runs the periodic passes until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	light := time.NewTicker(s.cfg.LightInterval)
	full := time.NewTicker(s.cfg.FullInterval)
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer light.Stop()
	defer full.Stop()
	defer cleanup.Stop()

	s.logger.Info().
		Dur("light_interval", s.cfg.LightInterval).
		Dur("full_interval", s.cfg.FullInterval).
		Float64("threshold", s.cfg.Threshold).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return

		case <-light.C:
			if _, err := s.Trigger(ctx, PassLight); err != nil {
				s.logger.Error().Err(err).Msg("light pass failed")
			}

		case <-full.C:
			if _, err := s.Trigger(ctx, PassFull); err != nil {
				s.logger.Error().Err(err).Msg("full pass failed")
			}

		case <-cleanup.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("cleanup failed")
			}
		}
	}
}

// Trigger runs a pass now. If a pass of the same kind is already running
// the call returns immediately with Coalesced set.
func (s *Scheduler) Trigger(ctx context.Context, kind PassKind) (PassResult, error) {
	running, err := s.runningFlag(kind)
	if err != nil {
		return PassResult{}, err
	}

	if !running.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.Coalesced++
		s.mu.Unlock()
		s.metrics.RecordCoalesced(string(kind))
		s.logger.Debug().Str("kind", string(kind)).Msg("pass already running, coalesced")
		return PassResult{Kind: kind, StartedAt: s.clock.Now(), Coalesced: true}, nil
	}
	defer running.Store(false)

	return s.run(ctx, kind)
}

func (s *Scheduler) runningFlag(kind PassKind) (*atomic.Bool, error) {
	switch kind {
	case PassLight:
		return &s.lightRunning, nil
	case PassFull:
		return &s.fullRunning, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPass, kind)
}

func (s *Scheduler) run(ctx context.Context, kind PassKind) (PassResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler."+string(kind)+"_pass")
	defer span.End()

	start := s.clock.Now()
	result := PassResult{Kind: kind, StartedAt: start}

	waiting, err := s.store.List(ctx, types.TicketWaiting)
	if err != nil {
		s.metrics.RecordPass(string(kind), "error", s.clock.Now().Sub(start), 0, 0)
		return result, fmt.Errorf("failed to list waiting tickets: %w", err)
	}

	snap, err := s.snaps.Snapshot(ctx)
	if err != nil {
		// Refinements fall back to the base score without statistics
		s.logger.Warn().Err(err).Msg("snapshot unavailable, scoring without statistics")
		snap = types.SystemSnapshot{}
	}

	s.mu.Lock()
	cursor := s.cursors[kind]
	s.mu.Unlock()
	ordered := resumeFrom(waiting, cursor)
	result.Scanned = len(ordered)

	var (
		pending []change
		changed []types.Ticket
		last    int64
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		result.Batches++
		written, err := s.flush(ctx, pending)
		if err != nil {
			result.FailedBatches++
			s.logger.Error().Err(err).
				Str("kind", string(kind)).
				Int("batch_size", len(pending)).
				Msg("batch failed, skipping")
		} else {
			changed = append(changed, written...)
		}
		pending = pending[:0]
	}

	nextCursor := int64(0)
	for i, t := range ordered {
		if i > 0 && i%s.cfg.BatchSize == 0 {
			flush()
			if s.clock.Now().Sub(start) > s.cfg.Budget {
				result.BudgetExceeded = true
				nextCursor = last
				s.logger.Warn().
					Str("kind", string(kind)).
					Int("processed", i).
					Int("remaining", len(ordered)-i).
					Int64("cursor", last).
					Msg("pass exceeded budget, resuming next run")
				break
			}
		}
		last = t.ID

		c := change{id: t.ID, score: t.PriorityScore, recommended: t.RecommendedAgentID}
		dirty := false

		score := s.scorer.ScoreTicket(t, start, snap)
		if score-t.PriorityScore > s.cfg.Threshold {
			c.score = score
			result.Rescored++
			dirty = true
		}

		service, _ := s.catalog.Lookup(t.ServiceType)
		if kind == PassFull && s.needsProposal(t, service, start) {
			proposal := s.assigner.Assign(ctx, assignment.Request{Service: service, Strategy: s.cfg.Strategy})
			switch {
			case proposal.Found() && proposal.AgentID != t.RecommendedAgentID:
				c.recommended = proposal.AgentID
				result.Recommended++
				dirty = true
			case !proposal.Found() && t.RecommendedAgentID != "":
				// stale reservation with nobody to take it over
				c.recommended = ""
				dirty = true
			}
		}

		if dirty {
			pending = append(pending, c)
		}
	}
	if !result.BudgetExceeded {
		flush()
	}

	s.mu.Lock()
	s.cursors[kind] = nextCursor
	s.stats.FailedBatches += int64(result.FailedBatches)
	switch kind {
	case PassLight:
		s.stats.LightPasses++
		s.stats.LastLight = start
	case PassFull:
		s.stats.FullPasses++
		s.stats.LastFull = start
	}
	s.mu.Unlock()

	result.Duration = s.clock.Now().Sub(start)
	outcome := "ok"
	if result.BudgetExceeded {
		outcome = "budget_exceeded"
	}
	s.metrics.RecordPass(string(kind), outcome, result.Duration, len(changed), result.FailedBatches)

	span.SetAttributes(
		attribute.String("pass.kind", string(kind)),
		attribute.Int("pass.scanned", result.Scanned),
		attribute.Int("pass.updated", len(changed)),
		attribute.Int("pass.failed_batches", result.FailedBatches),
	)

	if s.notifier != nil && (kind == PassFull || len(changed) > 0) {
		s.notifier.OptimizationApplied(ctx, result, changed)
	}

	s.logger.Info().
		Str("kind", string(kind)).
		Int("scanned", result.Scanned).
		Int("rescored", result.Rescored).
		Int("recommended", result.Recommended).
		Int("failed_batches", result.FailedBatches).
		Dur("duration", result.Duration).
		Msg("optimization pass completed")

	return result, nil
}

// needsProposal reports whether a waiting ticket is old enough to be
// rebalanced and has no recommendation pointing at an available agent
// that serves it
func (s *Scheduler) needsProposal(t types.Ticket, service types.ServiceType, now time.Time) bool {
	if t.AgentID != "" || now.Sub(t.CreatedAt) < s.cfg.RebalanceAge {
		return false
	}
	if t.RecommendedAgentID == "" {
		return true
	}
	for _, agent := range s.agents.List() {
		if agent.ID == t.RecommendedAgentID {
			return agent.Status != types.AgentAvailable || !capability.Serves(agent, service)
		}
	}
	return true
}

// flush writes one batch in a single transaction. Each attempt re-reads
// the tickets so a concurrent mutation only costs a retry.
func (s *Scheduler) flush(ctx context.Context, batch []change) ([]types.Ticket, error) {
	var written []types.Ticket
	err := s.runner.Do(ctx, "scheduler.batch", func(ctx context.Context) error {
		written = written[:0]
		fresh := make([]*types.Ticket, 0, len(batch))
		for _, c := range batch {
			t, err := s.store.Get(ctx, c.id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if t.Status != types.TicketWaiting {
				continue
			}
			if c.score > t.PriorityScore {
				t.PriorityScore = c.score
			}
			t.RecommendedAgentID = c.recommended
			t.UpdatedAt = s.clock.Now()
			fresh = append(fresh, t)
		}
		if len(fresh) == 0 {
			return nil
		}
		if err := s.store.UpdateBatch(ctx, fresh); err != nil {
			return err
		}
		for _, t := range fresh {
			written = append(written, *t)
		}
		return nil
	})
	return written, err
}

// Cleanup deletes terminal tickets older than the retention period
func (s *Scheduler) Cleanup(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.Retention)

	var deleted int
	err := s.runner.Do(ctx, "scheduler.cleanup", func(ctx context.Context) error {
		n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
		deleted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tickets: %w", err)
	}

	s.mu.Lock()
	s.stats.CleanedTickets += int64(deleted)
	s.stats.LastCleanup = now
	s.mu.Unlock()

	s.logger.Info().
		Int("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("cleaned up terminal tickets")
	return deleted, nil
}

// Stats returns a copy of the scheduler counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// resumeFrom orders tickets by ID, starting after cursor and wrapping
// around to the ones before it
func resumeFrom(tickets []types.Ticket, cursor int64) []types.Ticket {
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID < tickets[j].ID })
	if cursor == 0 {
		return tickets
	}
	split := sort.Search(len(tickets), func(i int) bool { return tickets[i].ID > cursor })
	out := make([]types.Ticket, 0, len(tickets))
	out = append(out, tickets[split:]...)
	return append(out, tickets[:split]...)
}
