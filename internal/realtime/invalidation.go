package realtime

import "github.com/dennisdiepolder/docqueue/backend/internal/types"

// Cache regions
const (
	RegionDashboardSummary = "dashboard_summary"
	RegionQueueMetrics     = "queue_metrics"
	RegionActiveTickets    = "active_tickets"
	RegionAgentMetrics     = "agent_metrics"
	RegionAgentWorkload    = "agent_workload"
	RegionQueueOrder       = "queue_order"
	RegionPriorityScores   = "priority_scores"
)

var invalidationTable = map[types.EventType][]string{
	types.EventQueueUpdate:       {RegionDashboardSummary, RegionQueueMetrics, RegionActiveTickets},
	types.EventAgentStatus:       {RegionAgentMetrics, RegionDashboardSummary},
	types.EventTicketAssignment:  {RegionAgentWorkload, RegionQueueMetrics, RegionActiveTickets},
	types.EventTicketCompletion:  {RegionDashboardSummary, RegionAgentWorkload, RegionActiveTickets},
	types.EventQueueOptimization: {RegionQueueOrder, RegionPriorityScores, RegionActiveTickets},
	types.EventPositionUpdate:    {RegionQueueOrder},
}

// RegionsFor returns the cache regions an event type invalidates
func RegionsFor(t types.EventType) []string {
	return invalidationTable[t]
}
