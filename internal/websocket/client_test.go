package websocket

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/config"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

type fakeSyncer struct {
	mu     sync.Mutex
	result realtime.ResyncResult
	during func()
	acked  []string
	seq    uint64
}

func (f *fakeSyncer) Resync(clientID string, lastSeq uint64) realtime.ResyncResult {
	if f.during != nil {
		f.during()
	}
	return f.result
}

func (f *fakeSyncer) Ack(eventID, clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, eventID)
	return true
}

func (f *fakeSyncer) CurrentSequence() uint64 { return f.seq }

func newTestClient(hub *Hub, id string, buffer int, syncer Syncer, claims *auth.Claims) *Client {
	cfg := &config.Config{SendBufferSize: buffer}
	return NewClient(id, hub, nil, syncer, cfg, claims, zerolog.Nop())
}

// drain returns every frame currently queued for the client
func drain(c *Client) []map[string]any {
	var frames []map[string]any
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return frames
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err == nil {
				frames = append(frames, m)
			}
		default:
			return frames
		}
	}
}

func sequences(t *testing.T, frames []map[string]any) []uint64 {
	t.Helper()
	var out []uint64
	for _, f := range frames {
		if seq, ok := f["sequence_number"].(float64); ok && f["event_type"] != nil {
			out = append(out, uint64(seq))
		}
	}
	return out
}

func deliver(t *testing.T, c *Client, ev types.SyncEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if !c.deliverEvent(ev, data) {
		t.Fatalf("deliver %d: buffer full", ev.Sequence)
	}
}

func queueEvent(seq uint64) types.SyncEvent {
	return types.SyncEvent{Sequence: seq, Type: types.EventQueueUpdate, Channels: []string{types.ChannelQueue}}
}

func TestClientSequenceNeverGoesBackwards(t *testing.T) {
	c := newTestClient(NewHub(1, nil, zerolog.Nop()), "c", 10, &fakeSyncer{}, nil)
	c.Subscribe([]string{types.ChannelQueue})

	deliver(t, c, queueEvent(5))
	deliver(t, c, queueEvent(3))
	deliver(t, c, queueEvent(5))
	deliver(t, c, queueEvent(6))

	got := sequences(t, drain(c))
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Errorf("expected [5 6], got %v", got)
	}
}

func TestClientChannelAuthorization(t *testing.T) {
	claims := &auth.Claims{Role: auth.RoleAgent, AgentID: "a1"}
	c := newTestClient(NewHub(1, nil, zerolog.Nop()), "c", 10, &fakeSyncer{}, claims)

	denied := c.Subscribe([]string{types.ChannelAll, types.AgentChannel("a2")})
	if len(denied) != 1 || denied[0] != types.AgentChannel("a2") {
		t.Fatalf("expected agent_a2 denied, got %v", denied)
	}

	deliver(t, c, types.SyncEvent{Sequence: 1, Channels: []string{types.AgentChannel("a2")}})
	deliver(t, c, types.SyncEvent{Sequence: 2, Channels: []string{types.AgentChannel("a1")}})
	deliver(t, c, queueEvent(3))

	got := sequences(t, drain(c))
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("expected [2 3], got %v", got)
	}
}

func TestClientResyncReplaysAndFlushesHeld(t *testing.T) {
	syncer := &fakeSyncer{}
	c := newTestClient(NewHub(1, nil, zerolog.Nop()), "c", 20, syncer, nil)
	c.Subscribe([]string{types.ChannelQueue})

	syncer.result = realtime.ResyncResult{
		Events: []types.SyncEvent{
			queueEvent(4),
			{Sequence: 5, Channels: []string{types.AgentChannel("other")}},
			queueEvent(6),
		},
		CurrentSequence: 6,
	}
	// Live events racing the replay
	syncer.during = func() {
		deliver(t, c, queueEvent(7))
		deliver(t, c, queueEvent(6))
	}

	c.resync(3)

	frames := drain(c)
	got := sequences(t, frames)
	want := []uint64{4, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	last := frames[len(frames)-1]
	if last["type"] != types.MessageResyncComplete {
		t.Fatalf("expected resync_complete last, got %v", last)
	}
	if last["sequence_number"].(float64) != 7 || last["replayed_events"].(float64) != 2 {
		t.Errorf("unexpected resync_complete frame %v", last)
	}
}

func TestClientResyncFullRefresh(t *testing.T) {
	syncer := &fakeSyncer{result: realtime.ResyncResult{FullRefresh: true, CurrentSequence: 10}}
	c := newTestClient(NewHub(1, nil, zerolog.Nop()), "c", 10, syncer, nil)
	c.Subscribe([]string{types.ChannelQueue})

	c.resync(1)
	deliver(t, c, queueEvent(9))
	deliver(t, c, queueEvent(11))

	frames := drain(c)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %v", len(frames), frames)
	}
	if frames[0]["type"] != types.MessageFullRefreshRequired || frames[0]["sequence_number"].(float64) != 10 {
		t.Errorf("expected full_refresh_required at 10, got %v", frames[0])
	}
	if frames[1]["type"] != types.MessageResyncComplete {
		t.Errorf("expected resync_complete, got %v", frames[1])
	}
	if got := sequences(t, frames[2:]); len(got) != 1 || got[0] != 11 {
		t.Errorf("expected only event 11 after refresh, got %v", got)
	}
}

func TestClientHandleMessage(t *testing.T) {
	syncer := &fakeSyncer{seq: 42}
	c := newTestClient(NewHub(1, nil, zerolog.Nop()), "c", 10, syncer, nil)

	tests := []struct {
		name     string
		raw      string
		wantType string
	}{
		{"subscribe", `{"type":"subscribe","channels":["queue","metrics"]}`, types.MessageSubscribed},
		{"unsubscribe", `{"type":"unsubscribe","channels":["metrics"]}`, types.MessageSubscribed},
		{"malformed", `{not json`, types.MessageError},
		{"unknown", `{"type":"dance"}`, types.MessageError},
		{"ack without id", `{"type":"ack"}`, types.MessageError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.handleMessage([]byte(tt.raw))
			frames := drain(c)
			if len(frames) == 0 {
				t.Fatal("expected a reply")
			}
			if frames[len(frames)-1]["type"] != tt.wantType {
				t.Errorf("expected %s, got %v", tt.wantType, frames[len(frames)-1])
			}
		})
	}

	if got := c.Channels(); len(got) != 1 || got[0] != types.ChannelQueue {
		t.Errorf("expected [queue], got %v", got)
	}

	c.handleMessage([]byte(`{"type":"ack","event_id":"ev-1"}`))
	if len(syncer.acked) != 1 || syncer.acked[0] != "ev-1" {
		t.Errorf("expected ack for ev-1, got %v", syncer.acked)
	}
}
