// Package realtime orders, versions and fans out state-change events.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink receives published events in sequence order. Deliver is called
// inside the publish critical section and must not block.
type Sink interface {
	Deliver(ev types.SyncEvent)
}

// Refresher rebuilds an event payload from current state after its
// dependencies changed. An error means the entity is gone.
type Refresher interface {
	RefreshEvent(ctx context.Context, ev types.SyncEvent) (types.SyncEvent, error)
}

// Invalidator drops cached regions
type Invalidator interface {
	Invalidate(ctx context.Context, regions []string) error
}

// Config holds synchronizer limits
type Config struct {
	LockTimeout       time.Duration `validate:"gt=0"`
	RingSize          int           `validate:"gte=1"`
	Retention         time.Duration `validate:"gt=0"`
	AckTimeout        time.Duration `validate:"gt=0"`
	CleanupInterval   time.Duration `validate:"gt=0"`
	InvalidationQueue int           `validate:"gte=1"`
	MaxRefreshes      int           `validate:"gte=0"`
}

// DefaultConfig returns the standard limits
func DefaultConfig() Config {
	return Config{
		LockTimeout:       100 * time.Millisecond,
		RingSize:          1000,
		Retention:         30 * time.Minute,
		AckTimeout:        30 * time.Minute,
		CleanupInterval:   5 * time.Minute,
		InvalidationQueue: 256,
		MaxRefreshes:      3,
	}
}

// ResyncResult is the answer to a reconnecting client
type ResyncResult struct {
	Events          []types.SyncEvent
	FullRefresh     bool
	CurrentSequence uint64
}

// Stats describes synchronizer activity
type Stats struct {
	EventsProcessed      int64  `json:"eventsProcessed"`
	ConflictsResolved    int64  `json:"conflictsResolved"`
	EventsDropped        int64  `json:"eventsDropped"`
	CacheInvalidations   int64  `json:"cacheInvalidations"`
	InvalidationsDropped int64  `json:"invalidationsDropped"`
	ClientReconnections  int64  `json:"clientReconnections"`
	LockTimeouts         int64  `json:"lockTimeouts"`
	PendingAcks          int    `json:"pendingAcks"`
	HistorySize          int    `json:"historySize"`
	CurrentSequence      uint64 `json:"currentSequence"`
}

type pendingAck struct {
	sequence uint64
	at       time.Time
}

// Synchronizer is the single serialization point for outgoing events
type Synchronizer struct {
	cfg       Config
	clock     clock.Clock
	refresher Refresher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	locks     *lockTable

	mu       sync.Mutex
	seq      uint64
	versions map[string]uint64
	history  *ring
	sinks    []Sink

	ackMu   sync.Mutex
	pending map[string]pendingAck

	invalidators  []Invalidator
	invalidations chan []string

	processed            atomic.Int64
	conflicts            atomic.Int64
	dropped              atomic.Int64
	invalidated          atomic.Int64
	invalidationsDropped atomic.Int64
	reconnections        atomic.Int64
	lockTimeouts         atomic.Int64
}

// NewSynchronizer creates a new Synchronizer. refresher may be set later
// with SetRefresher.
func NewSynchronizer(cfg Config, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:           cfg,
		clock:         clk,
		metrics:       m,
		logger:        logger.With().Str("component", "synchronizer").Logger(),
		locks:         newLockTable(),
		versions:      make(map[string]uint64),
		history:       newRing(cfg.RingSize),
		pending:       make(map[string]pendingAck),
		invalidations: make(chan []string, cfg.InvalidationQueue),
	}
}

// SetRefresher installs the payload refresher used on version conflicts
func (s *Synchronizer) SetRefresher(r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresher = r
}

// AddSink registers a delivery target
func (s *Synchronizer) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// AddInvalidator registers a cache to invalidate. Call before Start.
func (s *Synchronizer) AddInvalidator(inv Invalidator) {
	s.invalidators = append(s.invalidators, inv)
}

// Lock takes advisory locks on keys, waiting up to LockTimeout per key.
// Keys that cannot be locked in time are skipped. The returned function
// releases every lock that was taken.
func (s *Synchronizer) Lock(ctx context.Context, keys ...string) func() {
	held, missed := s.locks.lockAll(ctx, keys, s.cfg.LockTimeout)
	if len(missed) > 0 {
		s.lockTimeouts.Add(int64(len(missed)))
		s.logger.Debug().Strs("keys", missed).Msg("advisory lock timeout, proceeding")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, key := range held {
				s.locks.release(key)
			}
		})
	}
}

// Versions returns the current version of each key
func (s *Synchronizer) Versions(keys ...string) map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionsLocked(keys)
}

func (s *Synchronizer) versionsLocked(keys []string) map[string]uint64 {
	out := make(map[string]uint64, len(keys))
	for _, key := range keys {
		out[key] = s.versions[key]
	}
	return out
}

// CurrentSequence returns the last assigned sequence number
func (s *Synchronizer) CurrentSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// NewEvent builds an unpublished event with a fresh ID
func NewEvent(t types.EventType, priority types.EventPriority, data map[string]any, channels []string, entities ...string) types.SyncEvent {
	return types.SyncEvent{
		EventID:  uuid.NewString(),
		Type:     t,
		Priority: priority,
		Data:     data,
		Channels: channels,
		Entities: entities,
	}
}

// Publish orders and delivers ev. It returns false when the event was
// dropped because its entities changed and could not be refreshed.
func (s *Synchronizer) Publish(ctx context.Context, ev types.SyncEvent) bool {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	for _, key := range ev.Entities {
		if !s.locks.waitFree(ctx, key, s.cfg.LockTimeout) {
			s.lockTimeouts.Add(1)
		}
	}

	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		if s.dependenciesCurrentLocked(ev) {
			ev = s.commitLocked(ev)
			s.mu.Unlock()
			break
		}
		refresher := s.refresher
		s.mu.Unlock()

		if refresher == nil || attempt >= s.cfg.MaxRefreshes {
			s.drop(ev, "conflict")
			return false
		}

		refreshed, err := refresher.RefreshEvent(ctx, ev)
		if err != nil {
			s.logger.Debug().Err(err).Str("event_type", string(ev.Type)).Msg("event refresh failed")
			s.drop(ev, "refresh_failed")
			return false
		}
		refreshed.EventID = ev.EventID
		refreshed.Entities = ev.Entities
		refreshed.DependsOn = s.Versions(ev.Entities...)
		ev = refreshed
		s.conflicts.Add(1)
		s.metrics.RecordConflict()
	}

	if ev.RequiresAck {
		s.ackMu.Lock()
		s.pending[ev.EventID] = pendingAck{sequence: ev.Sequence, at: s.clock.Now()}
		s.ackMu.Unlock()
	}

	s.processed.Add(1)
	s.metrics.RecordPublished(ev.Type, ev.Sequence)
	s.enqueueInvalidation(ev.Type)
	return true
}

func (s *Synchronizer) dependenciesCurrentLocked(ev types.SyncEvent) bool {
	for key, v := range ev.DependsOn {
		if s.versions[key] != v {
			return false
		}
	}
	return true
}

// commitLocked assigns the sequence, bumps versions, records and hands off
func (s *Synchronizer) commitLocked(ev types.SyncEvent) types.SyncEvent {
	s.seq++
	ev.Sequence = s.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}

	ev.EntityVersions = make(map[string]uint64, len(ev.Entities))
	for _, key := range ev.Entities {
		s.versions[key]++
		ev.EntityVersions[key] = s.versions[key]
	}

	s.history.append(ev)
	for _, sink := range s.sinks {
		sink.Deliver(ev)
	}
	return ev
}

func (s *Synchronizer) drop(ev types.SyncEvent, reason string) {
	s.dropped.Add(1)
	s.metrics.RecordDropped(reason)
	s.logger.Warn().
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.Type)).
		Str("reason", reason).
		Msg("event dropped")
}

// PublishBatch publishes each event independently and returns how many
// were delivered
func (s *Synchronizer) PublishBatch(ctx context.Context, events []types.SyncEvent) int {
	delivered := 0
	for _, ev := range events {
		if s.Publish(ctx, ev) {
			delivered++
		}
	}
	return delivered
}

// Resync returns every held event after lastSeq. When events after lastSeq
// were evicted, or lastSeq is ahead of this process, it asks for a full
// refresh instead.
func (s *Synchronizer) Resync(clientID string, lastSeq uint64) ResyncResult {
	s.mu.Lock()
	current := s.seq
	watermark := s.history.evicted
	var events []types.SyncEvent
	if lastSeq <= current && lastSeq >= watermark {
		events = s.history.since(lastSeq)
	}
	s.mu.Unlock()

	s.reconnections.Add(1)

	if lastSeq > current || lastSeq < watermark {
		s.logger.Info().
			Str("client_id", clientID).
			Uint64("last_seq", lastSeq).
			Uint64("current_seq", current).
			Uint64("watermark", watermark).
			Msg("resync requires full refresh")
		return ResyncResult{FullRefresh: true, CurrentSequence: current}
	}

	s.logger.Debug().
		Str("client_id", clientID).
		Uint64("last_seq", lastSeq).
		Int("replayed", len(events)).
		Msg("client resynced")
	return ResyncResult{Events: events, CurrentSequence: current}
}

// Ack clears the pending acknowledgement for an event
func (s *Synchronizer) Ack(eventID, clientID string) bool {
	s.ackMu.Lock()
	_, ok := s.pending[eventID]
	delete(s.pending, eventID)
	s.ackMu.Unlock()

	if ok {
		s.logger.Debug().Str("event_id", eventID).Str("client_id", clientID).Msg("event acknowledged")
	}
	return ok
}

// Cleanup expires old pending acks and evicts events past retention
func (s *Synchronizer) Cleanup(now time.Time) {
	expired := 0
	s.ackMu.Lock()
	for id, p := range s.pending {
		if now.Sub(p.at) > s.cfg.AckTimeout {
			delete(s.pending, id)
			expired++
		}
	}
	s.ackMu.Unlock()

	s.mu.Lock()
	evicted := s.history.evictBefore(now.Add(-s.cfg.Retention))
	s.mu.Unlock()

	if expired > 0 || evicted > 0 {
		s.logger.Info().
			Int("expired_acks", expired).
			Int("evicted_events", evicted).
			Msg("synchronizer cleanup")
	}
}

func (s *Synchronizer) enqueueInvalidation(t types.EventType) {
	regions := RegionsFor(t)
	if len(regions) == 0 || len(s.invalidators) == 0 {
		return
	}
	select {
	case s.invalidations <- regions:
	default:
		s.invalidationsDropped.Add(1)
		s.metrics.RecordDropped("invalidation_queue_full")
	}
}

// Start runs the invalidation worker and the cleanup loop until ctx ends
func (s *Synchronizer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	s.logger.Info().Msg("synchronizer started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("synchronizer stopped")
			return

		case regions := <-s.invalidations:
			s.invalidate(ctx, regions)

		case <-ticker.C:
			s.Cleanup(s.clock.Now())
		}
	}
}

func (s *Synchronizer) invalidate(ctx context.Context, regions []string) {
	for _, inv := range s.invalidators {
		if err := inv.Invalidate(ctx, regions); err != nil {
			s.logger.Warn().Err(err).Strs("regions", regions).Msg("cache invalidation failed")
			continue
		}
	}
	for _, region := range regions {
		s.invalidated.Add(1)
		s.metrics.RecordInvalidation(region)
	}
}

// Stats returns a snapshot of synchronizer counters
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	current := s.seq
	size := s.history.len()
	s.mu.Unlock()

	s.ackMu.Lock()
	pending := len(s.pending)
	s.ackMu.Unlock()

	return Stats{
		EventsProcessed:      s.processed.Load(),
		ConflictsResolved:    s.conflicts.Load(),
		EventsDropped:        s.dropped.Load(),
		CacheInvalidations:   s.invalidated.Load(),
		InvalidationsDropped: s.invalidationsDropped.Load(),
		ClientReconnections:  s.reconnections.Load(),
		LockTimeouts:         s.lockTimeouts.Load(),
		PendingAcks:          pending,
		HistorySize:          size,
		CurrentSequence:      current,
	}
}
