package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/dennisdiepolder/docqueue/backend/internal/alerts"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

type stubSnapshots struct {
	snap types.SystemSnapshot
	err  error
}

func (s *stubSnapshots) Snapshot(context.Context) (types.SystemSnapshot, error) {
	return s.snap, s.err
}

type stubAgents struct{}

func (stubAgents) List() []types.Agent { return nil }

type recordingPublisher struct {
	events []types.SyncEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev types.SyncEvent) bool {
	p.events = append(p.events, ev)
	return true
}

func TestDerive(t *testing.T) {
	pm := Derive(types.SystemSnapshot{
		TotalWaiting:       6,
		AverageWaitMinutes: 12.3456,
		AgentsAvailable:    1,
		AgentsBusy:         2,
		AgentsTotal:        4,
		ServiceBacklog:     map[string]int{"a": 2, "b": 4},
	})

	if pm.AgentUtilization != 50 {
		t.Errorf("utilization = %v, want 50", pm.AgentUtilization)
	}
	if pm.ServiceBalance != 0.5 {
		t.Errorf("service balance = %v, want 0.5", pm.ServiceBalance)
	}
	if pm.AverageWaitMinutes != 12.35 {
		t.Errorf("average wait = %v, want 12.35", pm.AverageWaitMinutes)
	}

	empty := Derive(types.SystemSnapshot{})
	if empty.ServiceBalance != 1 || empty.AgentUtilization != 0 {
		t.Errorf("unexpected empty metrics: %+v", empty)
	}
}

func TestCollectPublishesStatusTransitions(t *testing.T) {
	snaps := &stubSnapshots{snap: types.SystemSnapshot{TotalWaiting: 2, AverageWaitMinutes: 5, AgentsAvailable: 2}}
	pub := &recordingPublisher{}
	a := NewAggregator(snaps, stubAgents{}, pub, alerts.DefaultThresholds(), 0, nil, zerolog.Nop())
	ctx := context.Background()

	// quiet: metrics only
	if _, _, err := a.Collect(ctx); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].Type != types.EventMetricsUpdate {
		t.Fatalf("expected one metrics_update, got %+v", pub.events)
	}

	// critical wait raises a status event
	snaps.snap.AverageWaitMinutes = 70
	pub.events = nil
	_, raised, _ := a.Collect(ctx)
	if len(raised) == 0 || len(pub.events) != 2 {
		t.Fatalf("expected metrics and status events, got %+v", pub.events)
	}
	status := pub.events[1]
	if status.Type != types.EventSystemStatus || status.Priority != types.PriorityCritical {
		t.Errorf("unexpected status event: %+v", status)
	}

	// recovery publishes one clearing event
	snaps.snap.AverageWaitMinutes = 5
	pub.events = nil
	a.Collect(ctx)
	if len(pub.events) != 2 || pub.events[1].Data["status"] != "ok" {
		t.Errorf("expected a clearing status event, got %+v", pub.events)
	}

	pub.events = nil
	a.Collect(ctx)
	if len(pub.events) != 1 {
		t.Errorf("steady state should publish metrics only, got %d events", len(pub.events))
	}
}

func TestCollectSnapshotError(t *testing.T) {
	snaps := &stubSnapshots{err: errors.New("store down")}
	pub := &recordingPublisher{}
	a := NewAggregator(snaps, stubAgents{}, pub, alerts.DefaultThresholds(), 0, nil, zerolog.Nop())

	if _, _, err := a.Collect(context.Background()); err == nil {
		t.Error("expected snapshot error")
	}
	if len(pub.events) != 0 {
		t.Error("nothing should be published on error")
	}
}
