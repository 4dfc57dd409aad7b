package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// lockTable holds one advisory lock per entity key. Entries are never
// removed; the key space is bounded by live tickets and agents.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) get(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

// acquire tries to take the lock for key within timeout
func (t *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) bool {
	ch := t.get(key)

	select {
	case ch <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *lockTable) release(key string) {
	ch := t.get(key)
	select {
	case <-ch:
	default:
	}
}

// lockAll acquires keys in sorted order and returns the ones it got
func (t *lockTable) lockAll(ctx context.Context, keys []string, timeout time.Duration) (held, missed []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var prev string
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		if t.acquire(ctx, key, timeout) {
			held = append(held, key)
		} else {
			missed = append(missed, key)
		}
	}
	return held, missed
}

// waitFree waits until no one holds key, without keeping the lock
func (t *lockTable) waitFree(ctx context.Context, key string, timeout time.Duration) bool {
	if !t.acquire(ctx, key, timeout) {
		return false
	}
	t.release(key)
	return true
}
