package realtime

import (
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// ring is a fixed-capacity event history ordered by sequence number.
// evicted is the highest sequence number no longer held.
type ring struct {
	buf     []types.SyncEvent
	start   int
	size    int
	evicted uint64
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]types.SyncEvent, capacity)}
}

func (r *ring) append(ev types.SyncEvent) {
	if r.size == len(r.buf) {
		r.evicted = r.buf[r.start].Sequence
		r.buf[r.start] = types.SyncEvent{}
		r.start = (r.start + 1) % len(r.buf)
		r.size--
	}
	r.buf[(r.start+r.size)%len(r.buf)] = ev
	r.size++
}

func (r *ring) at(i int) types.SyncEvent {
	return r.buf[(r.start+i)%len(r.buf)]
}

// since returns every held event with a sequence greater than seq
func (r *ring) since(seq uint64) []types.SyncEvent {
	var out []types.SyncEvent
	for i := 0; i < r.size; i++ {
		if ev := r.at(i); ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

// evictBefore drops events older than cutoff and returns how many went
func (r *ring) evictBefore(cutoff time.Time) int {
	n := 0
	for r.size > 0 && r.buf[r.start].Timestamp.Before(cutoff) {
		r.evicted = r.buf[r.start].Sequence
		r.buf[r.start] = types.SyncEvent{}
		r.start = (r.start + 1) % len(r.buf)
		r.size--
		n++
	}
	return n
}

func (r *ring) len() int { return r.size }
