package assignment

import "github.com/dennisdiepolder/docqueue/backend/internal/capability"

type agentTally struct {
	count    int
	scoreSum float64
}

type analyticsState struct {
	requests    int
	assigned    int
	degraded    int
	noAgent     int
	perAgent    map[string]*agentTally
	perService  map[string]int
	perStrategy map[string]int
}

func newAnalyticsState() analyticsState {
	return analyticsState{
		perAgent:    make(map[string]*agentTally),
		perService:  make(map[string]int),
		perStrategy: make(map[string]int),
	}
}

// AgentAnalytics summarizes the assignments given to one agent
type AgentAnalytics struct {
	Assignments  int     `json:"assignments"`
	AverageScore float64 `json:"averageScore"`
}

// Analytics summarizes assignment decisions since startup
type Analytics struct {
	Requests            int                       `json:"requests"`
	TotalAssignments    int                       `json:"totalAssignments"`
	DegradedAssignments int                       `json:"degradedAssignments"`
	NoAgentResults      int                       `json:"noAgentResults"`
	AssignmentRate      float64                   `json:"assignmentRate"`
	AgentsUsed          int                       `json:"agentsUsed"`
	PerAgent            map[string]AgentAnalytics `json:"perAgent"`
	ServiceDistribution map[string]int            `json:"serviceDistribution"`
	StrategyUsage       map[string]int            `json:"strategyUsage"`
}

func (e *Engine) record(req Request, r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := &e.analytics
	a.requests++
	if !r.Found() {
		a.noAgent++
		return
	}

	a.assigned++
	if r.Degraded {
		a.degraded++
	}
	tally, ok := a.perAgent[r.AgentID]
	if !ok {
		tally = &agentTally{}
		a.perAgent[r.AgentID] = tally
	}
	tally.count++
	tally.scoreSum += r.Score
	a.perService[req.Service.Code]++
	a.perStrategy[string(capability.ParseStrategy(string(req.Strategy)))]++
}

// Analytics returns a copy of the assignment statistics
func (e *Engine) Analytics() Analytics {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.analytics
	out := Analytics{
		Requests:            a.requests,
		TotalAssignments:    a.assigned,
		DegradedAssignments: a.degraded,
		NoAgentResults:      a.noAgent,
		AgentsUsed:          len(a.perAgent),
		PerAgent:            make(map[string]AgentAnalytics, len(a.perAgent)),
		ServiceDistribution: make(map[string]int, len(a.perService)),
		StrategyUsage:       make(map[string]int, len(a.perStrategy)),
	}
	if a.requests > 0 {
		out.AssignmentRate = float64(a.assigned) / float64(a.requests)
	}
	for id, t := range a.perAgent {
		out.PerAgent[id] = AgentAnalytics{Assignments: t.count, AverageScore: t.scoreSum / float64(t.count)}
	}
	for k, v := range a.perService {
		out.ServiceDistribution[k] = v
	}
	for k, v := range a.perStrategy {
		out.StrategyUsage[k] = v
	}
	return out
}
