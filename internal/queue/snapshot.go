package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// Snapshot returns the current system view, served from the short-lived
// cache when possible
func (s *Service) Snapshot(ctx context.Context) (types.SystemSnapshot, error) {
	now := s.clock.Now()
	if snap, ok := s.snapshots.Get(now); ok {
		return snap, nil
	}

	active, err := s.store.List(ctx, types.TicketWaiting, types.TicketAssigned, types.TicketInProgress)
	if err != nil {
		return types.SystemSnapshot{}, fmt.Errorf("failed to build snapshot: %w", err)
	}

	snap := types.SystemSnapshot{
		ServiceBacklog:  make(map[string]int),
		TierAverageWait: make(map[string]float64),
		PeakHours:       s.IsPeak(now),
		TakenAt:         now,
	}

	var totalWait float64
	tierWait := make(map[string]float64)
	tierCount := make(map[string]int)
	for _, t := range active {
		if t.Status != types.TicketWaiting {
			snap.InService++
			continue
		}
		snap.TotalWaiting++
		snap.ServiceBacklog[t.ServiceType]++

		wait := t.WaitMinutes(now)
		totalWait += wait

		service, _ := s.catalog.Lookup(t.ServiceType)
		tierWait[service.Tier] += wait
		tierCount[service.Tier]++
	}
	if snap.TotalWaiting > 0 {
		snap.AverageWaitMinutes = totalWait / float64(snap.TotalWaiting)
	}
	for tier, sum := range tierWait {
		snap.TierAverageWait[tier] = sum / float64(tierCount[tier])
	}

	available, busy, _, _ := s.agents.GetStatusStats()
	snap.AgentsAvailable = available
	snap.AgentsBusy = busy
	snap.AgentsTotal = s.agents.Count()

	s.snapshots.Set(snap, now)
	return snap, nil
}

// IsPeak reports whether t falls in a configured peak window
func (s *Service) IsPeak(t time.Time) bool {
	hour := t.Hour()
	for _, w := range s.cfg.PeakWindows {
		if hour >= w.StartHour && hour < w.EndHour {
			return true
		}
	}
	return false
}
