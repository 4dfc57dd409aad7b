package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu     sync.Mutex
	events []types.SyncEvent
}

func (r *recordingSink) Deliver(ev types.SyncEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Sequence
	}
	return out
}

type refresherFunc func(ctx context.Context, ev types.SyncEvent) (types.SyncEvent, error)

func (f refresherFunc) RefreshEvent(ctx context.Context, ev types.SyncEvent) (types.SyncEvent, error) {
	return f(ctx, ev)
}

type invalidatorFunc func(regions []string)

func (f invalidatorFunc) Invalidate(_ context.Context, regions []string) error {
	f(regions)
	return nil
}

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestSync(cfg Config) (*Synchronizer, *recordingSink, *clock.FakeClock) {
	clk := clock.Fake(start)
	s := NewSynchronizer(cfg, clk, nil, zerolog.Nop())
	sink := &recordingSink{}
	s.AddSink(sink)
	return s, sink, clk
}

func publishN(t *testing.T, s *Synchronizer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := NewEvent(types.EventQueueUpdate, types.PriorityNormal, map[string]any{"i": i}, []string{types.ChannelQueue}, types.TicketKey(int64(i)))
		if !s.Publish(context.Background(), ev) {
			t.Fatalf("publish %d dropped", i)
		}
	}
}

func TestSequencesStrictlyIncreaseUnderConcurrency(t *testing.T) {
	s, sink, _ := newTestSync(DefaultConfig())

	const publishers, perPublisher = 16, 60
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				key := types.AgentKey(string(rune('a' + p%4)))
				ev := NewEvent(types.EventAgentStatus, types.PriorityNormal, nil, []string{types.ChannelAgents}, key)
				s.Publish(context.Background(), ev)
			}
		}(p)
	}
	wg.Wait()

	seqs := sink.sequences()
	if len(seqs) != publishers*perPublisher {
		t.Fatalf("expected %d events, got %d", publishers*perPublisher, len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing at %d: %d after %d", i, seqs[i], seqs[i-1])
		}
	}
	if s.CurrentSequence() != uint64(publishers*perPublisher) {
		t.Errorf("expected current sequence %d, got %d", publishers*perPublisher, s.CurrentSequence())
	}
}

func TestEntityVersionsStamped(t *testing.T) {
	s, _, _ := newTestSync(DefaultConfig())
	key := types.TicketKey(7)

	for want := uint64(1); want <= 3; want++ {
		ev := NewEvent(types.EventQueueUpdate, types.PriorityNormal, nil, nil, key)
		s.Publish(context.Background(), ev)
		if got := s.Versions(key)[key]; got != want {
			t.Fatalf("version = %d, want %d", got, want)
		}
	}

	res := s.Resync("c1", 2)
	if len(res.Events) != 1 || res.Events[0].EntityVersions[key] != 3 {
		t.Errorf("expected replayed event at version 3, got %+v", res.Events)
	}
}

func TestResyncIsExact(t *testing.T) {
	s, _, _ := newTestSync(DefaultConfig())
	publishN(t, s, 10)

	res := s.Resync("c1", 4)
	if res.FullRefresh {
		t.Fatal("unexpected full refresh")
	}
	if len(res.Events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(res.Events))
	}
	for i, ev := range res.Events {
		if ev.Sequence != uint64(5+i) {
			t.Errorf("event %d has sequence %d, want %d", i, ev.Sequence, 5+i)
		}
	}
	if res.CurrentSequence != 10 {
		t.Errorf("expected current sequence 10, got %d", res.CurrentSequence)
	}

	if res := s.Resync("c1", 10); res.FullRefresh || len(res.Events) != 0 {
		t.Errorf("up-to-date client should get nothing, got %+v", res)
	}
}

func TestResyncFullRefreshAfterEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 5
	s, _, _ := newTestSync(cfg)
	publishN(t, s, 10)

	if res := s.Resync("c1", 2); !res.FullRefresh || len(res.Events) != 0 {
		t.Errorf("expected full refresh for evicted sequence, got %+v", res)
	}
	if res := s.Resync("c1", 5); res.FullRefresh || len(res.Events) != 5 {
		t.Errorf("sequence at watermark should replay 5 events, got %+v", res)
	}
	if res := s.Resync("c1", 42); !res.FullRefresh {
		t.Error("sequence ahead of server should require full refresh")
	}
	if s.Stats().ClientReconnections != 3 {
		t.Errorf("expected 3 reconnections, got %d", s.Stats().ClientReconnections)
	}
}

func TestCleanupEvictsByRetention(t *testing.T) {
	s, _, clk := newTestSync(DefaultConfig())
	publishN(t, s, 3)
	clk.Advance(20 * time.Minute)
	publishN(t, s, 2)

	s.Cleanup(start.Add(35 * time.Minute))

	if got := s.Stats().HistorySize; got != 2 {
		t.Fatalf("expected 2 events retained, got %d", got)
	}
	if res := s.Resync("c1", 1); !res.FullRefresh {
		t.Error("expected full refresh after retention eviction")
	}
	if res := s.Resync("c1", 3); res.FullRefresh || len(res.Events) != 2 {
		t.Errorf("expected replay of 2 events, got %+v", res)
	}
}

func TestConflictRefreshesPayload(t *testing.T) {
	s, sink, _ := newTestSync(DefaultConfig())
	key := types.TicketKey(1)

	stale := s.Versions(key)
	s.Publish(context.Background(), NewEvent(types.EventQueueUpdate, types.PriorityNormal, map[string]any{"v": "first"}, nil, key))

	refreshed := 0
	s.SetRefresher(refresherFunc(func(_ context.Context, ev types.SyncEvent) (types.SyncEvent, error) {
		refreshed++
		ev.Data = map[string]any{"v": "fresh"}
		return ev, nil
	}))

	ev := NewEvent(types.EventTicketAssignment, types.PriorityHigh, map[string]any{"v": "stale"}, nil, key)
	ev.DependsOn = stale
	if !s.Publish(context.Background(), ev) {
		t.Fatal("refreshed event should be delivered")
	}
	if refreshed != 1 {
		t.Errorf("expected one refresh, got %d", refreshed)
	}
	last := sink.events[len(sink.events)-1]
	if last.Data["v"] != "fresh" {
		t.Errorf("expected refreshed payload, got %v", last.Data)
	}
	if s.Stats().ConflictsResolved != 1 {
		t.Errorf("expected 1 conflict resolved, got %d", s.Stats().ConflictsResolved)
	}
}

func TestConflictDropsVanishedEntity(t *testing.T) {
	s, sink, _ := newTestSync(DefaultConfig())
	key := types.TicketKey(1)
	stale := s.Versions(key)
	s.Publish(context.Background(), NewEvent(types.EventQueueUpdate, types.PriorityNormal, nil, nil, key))

	s.SetRefresher(refresherFunc(func(context.Context, types.SyncEvent) (types.SyncEvent, error) {
		return types.SyncEvent{}, errors.New("ticket gone")
	}))

	ev := NewEvent(types.EventTicketCompletion, types.PriorityNormal, nil, nil, key)
	ev.DependsOn = stale
	if s.Publish(context.Background(), ev) {
		t.Fatal("expected event to be dropped")
	}

	other := NewEvent(types.EventQueueUpdate, types.PriorityNormal, nil, nil, types.TicketKey(2))
	if !s.Publish(context.Background(), other) {
		t.Fatal("unrelated event should still publish")
	}
	if len(sink.events) != 2 || s.Stats().EventsDropped != 1 {
		t.Errorf("expected 2 delivered and 1 dropped, got %d delivered, %d dropped", len(sink.events), s.Stats().EventsDropped)
	}
}

func TestPublishBatchCountsDelivered(t *testing.T) {
	s, _, _ := newTestSync(DefaultConfig())
	key := types.TicketKey(1)
	stale := s.Versions(key)
	s.Publish(context.Background(), NewEvent(types.EventQueueUpdate, types.PriorityNormal, nil, nil, key))

	conflicting := NewEvent(types.EventQueueUpdate, types.PriorityNormal, nil, nil, key)
	conflicting.DependsOn = stale

	batch := []types.SyncEvent{
		NewEvent(types.EventPositionUpdate, types.PriorityLow, nil, nil),
		conflicting,
		NewEvent(types.EventPositionUpdate, types.PriorityLow, nil, nil),
	}
	if got := s.PublishBatch(context.Background(), batch); got != 2 {
		t.Errorf("expected 2 delivered, got %d", got)
	}
}

func TestAckLifecycle(t *testing.T) {
	s, _, _ := newTestSync(DefaultConfig())

	ev := NewEvent(types.EventTicketAssignment, types.PriorityHigh, nil, nil, types.AgentKey("a1"))
	ev.RequiresAck = true
	s.Publish(context.Background(), ev)
	other := NewEvent(types.EventTicketAssignment, types.PriorityHigh, nil, nil, types.AgentKey("a2"))
	other.RequiresAck = true
	s.Publish(context.Background(), other)

	if s.Stats().PendingAcks != 2 {
		t.Fatalf("expected 2 pending acks, got %d", s.Stats().PendingAcks)
	}
	if !s.Ack(ev.EventID, "c1") {
		t.Error("ack should clear a pending event")
	}
	if s.Ack(ev.EventID, "c1") {
		t.Error("second ack should be a no-op")
	}

	s.Cleanup(start.Add(31 * time.Minute))
	if s.Stats().PendingAcks != 0 {
		t.Errorf("expected stale ack to expire, got %d pending", s.Stats().PendingAcks)
	}
}

func TestLockTimesOutAndProceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockTimeout = 20 * time.Millisecond
	s, _, _ := newTestSync(cfg)

	unlock := s.Lock(context.Background(), "ticket_1")

	began := time.Now()
	unlock2 := s.Lock(context.Background(), "ticket_1", "ticket_2")
	if time.Since(began) < 15*time.Millisecond {
		t.Error("second lock should have waited for the timeout")
	}
	unlock2()
	unlock()

	if s.Stats().LockTimeouts != 1 {
		t.Errorf("expected 1 lock timeout, got %d", s.Stats().LockTimeouts)
	}

	// both keys are free again
	unlock3 := s.Lock(context.Background(), "ticket_1", "ticket_2")
	unlock3()
	if s.Stats().LockTimeouts != 1 {
		t.Errorf("expected no new timeouts, got %d", s.Stats().LockTimeouts)
	}
}

func TestInvalidationWorker(t *testing.T) {
	s, _, _ := newTestSync(DefaultConfig())
	got := make(chan []string, 4)
	s.AddInvalidator(invalidatorFunc(func(regions []string) { got <- regions }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	s.Publish(ctx, NewEvent(types.EventAgentStatus, types.PriorityNormal, nil, nil, types.AgentKey("a1")))

	select {
	case regions := <-got:
		if len(regions) != 2 || regions[0] != RegionAgentMetrics {
			t.Errorf("unexpected regions: %v", regions)
		}
	case <-time.After(time.Second):
		t.Fatal("invalidation not processed")
	}
}
