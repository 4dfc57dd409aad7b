package capability

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

type fakeHistory struct {
	logs  []types.ServiceLog
	err   error
	calls int
}

func (f *fakeHistory) ListServiceLogs(_ context.Context, _ string, _ time.Time) ([]types.ServiceLog, error) {
	f.calls++
	return f.logs, f.err
}

type fakeWorkload map[string]types.AgentWorkload

func (f fakeWorkload) AgentWorkload(_ context.Context, agentID string) (types.AgentWorkload, error) {
	return f[agentID], nil
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMatchLevel(t *testing.T) {
	renewal := types.ServiceType{Code: "passport_renewal"}

	tests := []struct {
		name  string
		specs []string
		want  float64
	}{
		{"exact", []string{"passport_renewal"}, 1.0},
		{"family prefix", []string{"passport"}, 0.6},
		{"sibling service", []string{"passport_new"}, 0.6},
		{"no match", []string{"vehicle"}, 0},
		{"generalist", nil, 0.5},
		{"exact wins over family", []string{"passport", "passport_renewal"}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchLevel(types.Agent{ID: "a1", Specializations: tt.specs}, renewal)
			if got != tt.want {
				t.Errorf("MatchLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPerformanceScore(t *testing.T) {
	if got, n := PerformanceScore(nil, "renewal"); got != 0.5 || n != 0 {
		t.Errorf("no history = (%v, %d), want (0.5, 0)", got, n)
	}

	logs := []types.ServiceLog{
		{ServiceType: "renewal", Status: types.TicketCompleted, Satisfaction: 5, DurationMinutes: 10},
		{ServiceType: "renewal", Status: types.TicketCompleted, Satisfaction: 5, DurationMinutes: 10},
		{ServiceType: "renewal", Status: types.TicketNoShow},
		{ServiceType: "renewal", Status: types.TicketNoShow},
		{ServiceType: "correction", Status: types.TicketCompleted, Satisfaction: 1, DurationMinutes: 60},
	}
	got, completed := PerformanceScore(logs, "renewal")
	// 0.4*0.5 + 0.4*1 + 0.2*1
	if !approx(got, 0.8) || completed != 2 {
		t.Errorf("PerformanceScore() = (%v, %d), want (0.8, 2)", got, completed)
	}

	slow := []types.ServiceLog{{ServiceType: "renewal", Status: types.TicketCompleted, DurationMinutes: 40}}
	got, _ = PerformanceScore(slow, "renewal")
	// missing satisfaction counts as 3; efficiency clamps to 0
	if !approx(got, 0.4+0.2) {
		t.Errorf("slow agent score = %v, want 0.6", got)
	}
}

func TestAvailability(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(DefaultConfig(), &fakeHistory{}, fakeWorkload{}, clock.Fake(now), zerolog.Nop())
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name  string
		agent types.Agent
		want  float64
	}{
		{"busy", types.Agent{Status: types.AgentBusy, LoginAt: at(2 * time.Hour)}, 0},
		{"no login", types.Agent{Status: types.AgentAvailable}, 0.7},
		{"ramp up", types.Agent{Status: types.AgentAvailable, LoginAt: at(20 * time.Minute)}, 0.8},
		{"steady", types.Agent{Status: types.AgentAvailable, LoginAt: at(3 * time.Hour)}, 1.0},
		{"fatigued", types.Agent{Status: types.AgentAvailable, LoginAt: at(9 * time.Hour)}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Availability(tt.agent); got != tt.want {
				t.Errorf("Availability() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateStrategies(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	login := now.Add(-2 * time.Hour)
	agent := types.Agent{ID: "a1", Specializations: []string{"renewal"}, Status: types.AgentAvailable, LoginAt: &login}
	service := types.ServiceType{Code: "renewal", Tier: types.TierRenewal}

	history := &fakeHistory{}
	workload := fakeWorkload{"a1": {InProgress: 1, Assigned: 1}}
	e := NewEvaluator(DefaultConfig(), history, workload, clock.Fake(now), zerolog.Nop())

	// specialization = 1.0 * (0.7*0.5 + 0.3*0) = 0.35, workload = 0.3, perf = 0.5, avail = 1.0
	tests := []struct {
		strategy Strategy
		want     float64
	}{
		{SpecializationFirst, 0.6*0.35 + 0.3*0.5 + 0.1*0.7},
		{LoadBalanced, 0.3*0.35 + 0.2*0.5 + 0.5*0.7},
		{PerformanceBased, 0.3*0.35 + 0.5*0.5 + 0.2*0.7},
		{Hybrid, 0.35*0.35 + 0.35*0.5 + 0.2*0.7 + 0.1*1.0},
		{Strategy("unknown"), 0.35*0.35 + 0.35*0.5 + 0.2*0.7 + 0.1*1.0},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			c, err := e.Evaluate(context.Background(), agent, service, tt.strategy)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if !approx(c.Workload, 0.3) {
				t.Errorf("Workload = %v, want 0.3", c.Workload)
			}
			if !approx(c.Total, tt.want) {
				t.Errorf("Total = %v, want %v", c.Total, tt.want)
			}
		})
	}

	if history.calls != 1 {
		t.Errorf("expected performance to be cached, history called %d times", history.calls)
	}

	e.InvalidateAgent("a1")
	if _, err := e.Evaluate(context.Background(), agent, service, Hybrid); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if history.calls != 2 {
		t.Errorf("expected reload after invalidation, history called %d times", history.calls)
	}
}

func TestEvaluateHistoryError(t *testing.T) {
	e := NewEvaluator(DefaultConfig(), &fakeHistory{err: errors.New("table missing")}, fakeWorkload{}, clock.Real(), zerolog.Nop())

	_, err := e.Evaluate(context.Background(), types.Agent{ID: "a1"}, types.ServiceType{Code: "renewal"}, Hybrid)
	if err == nil {
		t.Fatal("expected error from history reader")
	}
}

func TestParseStrategy(t *testing.T) {
	if ParseStrategy("load_balanced") != LoadBalanced {
		t.Error("expected load_balanced")
	}
	if ParseStrategy("") != Hybrid {
		t.Error("expected hybrid fallback")
	}
}
