// Package position keeps the ordered waiting set and each ticket's place in it.
package position

import (
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// Entry is one ticket's cached place in the queue
type Entry struct {
	TicketID      int64   `json:"ticketId"`
	ServiceType   string  `json:"serviceType"`
	Position      int     `json:"position"`
	EstimatedWait int     `json:"estimatedWaitMinutes"`
	PriorityScore float64 `json:"priorityScore"`
}

// Diff is the result of a recompute
type Diff struct {
	Changes []types.PositionChange
	Total   int
}

// Stats describes the tracker cache
type Stats struct {
	Waiting       int       `json:"waiting"`
	Recomputes    int64     `json:"recomputes"`
	LastRecompute time.Time `json:"lastRecompute"`
}

// Tracker owns the position cache
type Tracker struct {
	avgServiceMinutes float64
	logger            zerolog.Logger

	mu         sync.RWMutex
	entries    map[int64]Entry
	order      []int64
	recomputes int64
	last       time.Time
}

// NewTracker creates a new Tracker. avgServiceMinutes drives the ETA.
func NewTracker(avgServiceMinutes float64, logger zerolog.Logger) *Tracker {
	if avgServiceMinutes <= 0 {
		avgServiceMinutes = 5
	}
	return &Tracker{
		avgServiceMinutes: avgServiceMinutes,
		logger:            logger.With().Str("component", "position_tracker").Logger(),
		entries:           make(map[int64]Entry),
	}
}

// Order sorts tickets by score descending, then creation time, then ID
func Order(tickets []types.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ETA returns the estimated wait in whole minutes for a position
func (t *Tracker) ETA(position, availableAgents int) int {
	if position < 1 {
		return 0
	}
	if availableAgents < 1 {
		availableAgents = 1
	}
	return int(float64(position-1) * t.avgServiceMinutes / float64(availableAgents))
}

// Recompute orders the waiting set, updates the cache and returns the
// tickets whose position changed. Tickets that left the set are reported
// with NewPosition 0 and Removed set.
func (t *Tracker) Recompute(waiting []types.Ticket, availableAgents int) Diff {
	sorted := make([]types.Ticket, len(waiting))
	copy(sorted, waiting)
	Order(sorted)

	next := make(map[int64]Entry, len(sorted))
	order := make([]int64, 0, len(sorted))
	for i, tk := range sorted {
		pos := i + 1
		next[tk.ID] = Entry{
			TicketID:      tk.ID,
			ServiceType:   tk.ServiceType,
			Position:      pos,
			EstimatedWait: t.ETA(pos, availableAgents),
			PriorityScore: tk.PriorityScore,
		}
		order = append(order, tk.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []types.PositionChange
	for _, id := range order {
		e := next[id]
		old, existed := t.entries[id]
		if existed && old.Position == e.Position {
			continue
		}
		change := types.PositionChange{
			TicketID:      id,
			ServiceType:   e.ServiceType,
			NewPosition:   e.Position,
			EstimatedWait: e.EstimatedWait,
			PriorityScore: e.PriorityScore,
		}
		if existed {
			change.OldPosition = old.Position
		}
		changes = append(changes, change)
	}

	for id, old := range t.entries {
		if _, still := next[id]; still {
			continue
		}
		changes = append(changes, types.PositionChange{
			TicketID:      id,
			ServiceType:   old.ServiceType,
			OldPosition:   old.Position,
			PriorityScore: old.PriorityScore,
			Removed:       true,
		})
	}

	// removed tickets come last, ordered by their old position
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Removed != changes[j].Removed {
			return !changes[i].Removed
		}
		if changes[i].Removed {
			return changes[i].OldPosition < changes[j].OldPosition
		}
		return changes[i].NewPosition < changes[j].NewPosition
	})

	t.entries = next
	t.order = order
	t.recomputes++
	t.last = time.Now()

	if len(changes) > 0 {
		t.logger.Debug().Int("changes", len(changes)).Int("waiting", len(order)).Msg("positions recomputed")
	}
	return Diff{Changes: changes, Total: len(order)}
}

// Refresh rebuilds the cache from scratch and returns every entry in order
func (t *Tracker) Refresh(waiting []types.Ticket, availableAgents int) []Entry {
	t.mu.Lock()
	t.entries = make(map[int64]Entry)
	t.order = nil
	t.mu.Unlock()

	t.Recompute(waiting, availableAgents)
	return t.Positions()
}

// Position returns the cached entry for a ticket
func (t *Tracker) Position(ticketID int64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ticketID]
	return e, ok
}

// Positions returns every cached entry in queue order
func (t *Tracker) Positions() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id])
	}
	return out
}

// Stats returns cache statistics
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Waiting:       len(t.order),
		Recomputes:    t.recomputes,
		LastRecompute: t.last,
	}
}
