package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// MemoryTicketStore is an in-process TicketStore
type MemoryTicketStore struct {
	mu      sync.RWMutex
	tickets map[int64]types.Ticket
	nextID  int64
}

// NewMemoryTicketStore creates an empty store
func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[int64]types.Ticket)}
}

func (s *MemoryTicketStore) Create(_ context.Context, t *types.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t.ID = s.nextID
	t.Version = 1
	s.tickets[t.ID] = *t
	return nil
}

func (s *MemoryTicketStore) Get(_ context.Context, id int64) (*types.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryTicketStore) Update(_ context.Context, t *types.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(t); err != nil {
		return err
	}
	t.Version++
	s.tickets[t.ID] = *t
	return nil
}

// UpdateBatch applies every update or none
func (s *MemoryTicketStore) UpdateBatch(_ context.Context, tickets []*types.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tickets {
		if err := s.checkVersion(t); err != nil {
			return err
		}
	}
	for _, t := range tickets {
		t.Version++
		s.tickets[t.ID] = *t
	}
	return nil
}

func (s *MemoryTicketStore) checkVersion(t *types.Ticket) error {
	current, ok := s.tickets[t.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != t.Version {
		return ErrVersionConflict
	}
	return nil
}

// List returns tickets in any of the given statuses, or all tickets when
// none are given, ordered by ID
func (s *MemoryTicketStore) List(_ context.Context, statuses ...types.TicketStatus) ([]types.Ticket, error) {
	want := make(map[types.TicketStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	out := make([]types.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if len(want) == 0 || want[t.Status] {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryTicketStore) ListActiveByAgent(_ context.Context, agentID string) ([]types.Ticket, error) {
	s.mu.RLock()
	var out []types.Ticket
	for _, t := range s.tickets {
		if t.AgentID == agentID && t.Status.IsActive() {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryTicketStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, t := range s.tickets {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tickets, id)
			deleted++
		}
	}
	return deleted, nil
}

// MemoryHistoryStore keeps service logs in process
type MemoryHistoryStore struct {
	mu   sync.RWMutex
	logs map[string][]types.ServiceLog
}

// NewMemoryHistoryStore creates an empty history store
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{logs: make(map[string][]types.ServiceLog)}
}

func (s *MemoryHistoryStore) SaveServiceLog(_ context.Context, log types.ServiceLog) error {
	if log.SortKey == "" {
		log.SortKey = ServiceLogSortKey(log.CompletedAt, log.TicketID)
	}
	s.mu.Lock()
	s.logs[log.AgentID] = append(s.logs[log.AgentID], log)
	s.mu.Unlock()
	return nil
}

func (s *MemoryHistoryStore) ListServiceLogs(_ context.Context, agentID string, since time.Time) ([]types.ServiceLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ServiceLog
	for _, l := range s.logs[agentID] {
		if !l.CompletedAt.Before(since) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	return out, nil
}

// NoopHistoryStore discards service logs
type NoopHistoryStore struct{}

func NewNoopHistoryStore() *NoopHistoryStore { return &NoopHistoryStore{} }

func (s *NoopHistoryStore) SaveServiceLog(_ context.Context, _ types.ServiceLog) error { return nil }
func (s *NoopHistoryStore) ListServiceLogs(_ context.Context, _ string, _ time.Time) ([]types.ServiceLog, error) {
	return nil, nil
}
