package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// SnapshotCache holds the last system snapshot for a short TTL
type SnapshotCache struct {
	ttl      time.Duration
	snapshot types.SystemSnapshot
	storedAt time.Time
	valid    bool
	mu       sync.RWMutex
}

// NewSnapshotCache creates a new snapshot cache
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{ttl: ttl}
}

// Get returns the cached snapshot if it is younger than the TTL
func (c *SnapshotCache) Get(now time.Time) (types.SystemSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid || now.Sub(c.storedAt) >= c.ttl {
		return types.SystemSnapshot{}, false
	}
	return c.snapshot, true
}

// Set stores a snapshot
func (c *SnapshotCache) Set(snap types.SystemSnapshot, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
	c.storedAt = now
	c.valid = true
}

// Invalidate drops the snapshot. Every region feeds the snapshot, so any
// invalidation clears it.
func (c *SnapshotCache) Invalidate(_ context.Context, regions []string) error {
	if len(regions) == 0 {
		return nil
	}
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
	return nil
}
