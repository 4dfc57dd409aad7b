// Package metrics exposes Prometheus collectors for the queue engine.
// All Record methods are safe on a nil *Metrics, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docqueue"

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	// Queue metrics
	TicketsEnqueued   *prometheus.CounterVec
	TicketTransitions *prometheus.CounterVec
	QueueWaiting      prometheus.Gauge
	Assignments       *prometheus.CounterVec

	// Scheduler metrics
	SchedulerPasses        *prometheus.CounterVec
	SchedulerPassDuration  *prometheus.HistogramVec
	SchedulerTicketUpdates *prometheus.CounterVec
	SchedulerFailedBatches *prometheus.CounterVec
	SchedulerCoalesced     *prometheus.CounterVec

	// Sync metrics
	SyncEventsPublished *prometheus.CounterVec
	SyncEventsDropped   *prometheus.CounterVec
	SyncConflicts       prometheus.Counter
	SyncInvalidations   *prometheus.CounterVec
	SyncSequence        prometheus.Gauge

	// WebSocket metrics
	WebSocketConnections    prometheus.Counter
	WebSocketDisconnections prometheus.Counter
	WebSocketActive         prometheus.Gauge
	WebSocketMessages       prometheus.Counter
	WebSocketErrors         prometheus.Counter

	// Station event metrics
	StationEventsReceived *prometheus.CounterVec
	StationEventErrors    prometheus.Counter

	// Aggregation metrics
	AggregationCycles   prometheus.Counter
	AggregationErrors   prometheus.Counter
	AggregationDuration prometheus.Gauge
	AlertsRaised        *prometheus.CounterVec

	// Agent metrics
	AgentsByStatus *prometheus.GaugeVec
	AgentsTotal    prometheus.Gauge

	// Persistence metrics
	TxnRetries  *prometheus.CounterVec
	TxnFailures *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		registry: reg,

		TicketsEnqueued:   counterVec("queue", "tickets_enqueued_total", "Tickets enqueued by service type", "service"),
		TicketTransitions: counterVec("queue", "ticket_transitions_total", "Ticket status transitions by target status", "status"),
		QueueWaiting:      gauge("queue", "waiting_tickets", "Tickets currently waiting"),
		Assignments:       counterVec("queue", "assignments_total", "Assignment decisions by reason code", "reason_code"),

		SchedulerPasses: counterVec("scheduler", "passes_total", "Optimization passes by kind and outcome", "kind", "outcome"),
		SchedulerPassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Optimization pass duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		SchedulerTicketUpdates: counterVec("scheduler", "ticket_updates_total", "Tickets whose score was written back", "kind"),
		SchedulerFailedBatches: counterVec("scheduler", "failed_batches_total", "Batches skipped after a persistence failure", "kind"),
		SchedulerCoalesced:     counterVec("scheduler", "coalesced_triggers_total", "On-demand triggers absorbed by a running pass", "kind"),

		SyncEventsPublished: counterVec("sync", "events_published_total", "Sync events published by type", "event_type"),
		SyncEventsDropped:   counterVec("sync", "events_dropped_total", "Sync events dropped by reason", "reason"),
		SyncConflicts:       counter("sync", "conflicts_resolved_total", "Version conflicts resolved by refreshing the payload"),
		SyncInvalidations:   counterVec("sync", "cache_invalidations_total", "Cache regions invalidated", "region"),
		SyncSequence:        gauge("sync", "sequence_number", "Last assigned sequence number"),

		WebSocketConnections:    counter("websocket", "connections_total", "WebSocket connections opened"),
		WebSocketDisconnections: counter("websocket", "disconnections_total", "WebSocket connections closed"),
		WebSocketActive:         gauge("websocket", "active_connections", "Currently open WebSocket connections"),
		WebSocketMessages:       counter("websocket", "messages_total", "Frames sent to subscribers"),
		WebSocketErrors:         counter("websocket", "errors_total", "WebSocket read or write errors"),

		StationEventsReceived: counterVec("station", "events_received_total", "Station terminal events by status", "status"),
		StationEventErrors:    counter("station", "event_errors_total", "Station terminal events that failed"),

		AggregationCycles:   counter("aggregation", "cycles_total", "Metrics collection cycles"),
		AggregationErrors:   counter("aggregation", "errors_total", "Metrics collection failures"),
		AggregationDuration: gauge("aggregation", "duration_seconds", "Duration of the last collection cycle"),
		AlertsRaised:        counterVec("aggregation", "alerts_raised_total", "Alerts raised by level", "level"),

		AgentsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "by_status",
			Help:      "Agents per status",
		}, []string{"status"}),
		AgentsTotal: gauge("agents", "total", "Agents in the roster"),

		TxnRetries:  counterVec("storage", "txn_retries_total", "Transaction retries by operation", "op"),
		TxnFailures: counterVec("storage", "txn_failures_total", "Transactions that failed by operation and class", "op", "class"),

		HTTPRequests: counterVec("http", "requests_total", "HTTP requests by route and status", "endpoint", "status"),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// RecordEnqueue counts a new ticket
func (m *Metrics) RecordEnqueue(service string) {
	if m == nil {
		return
	}
	m.TicketsEnqueued.WithLabelValues(service).Inc()
}

// RecordTransition counts a status change
func (m *Metrics) RecordTransition(status types.TicketStatus) {
	if m == nil {
		return
	}
	m.TicketTransitions.WithLabelValues(string(status)).Inc()
}

// SetWaiting sets the waiting-ticket gauge
func (m *Metrics) SetWaiting(n int) {
	if m == nil {
		return
	}
	m.QueueWaiting.Set(float64(n))
}

// RecordAssignment counts an assignment decision
func (m *Metrics) RecordAssignment(reasonCode string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(reasonCode).Inc()
}

// RecordPass records one optimization pass
func (m *Metrics) RecordPass(kind, outcome string, duration time.Duration, updated, failedBatches int) {
	if m == nil {
		return
	}
	m.SchedulerPasses.WithLabelValues(kind, outcome).Inc()
	m.SchedulerPassDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.SchedulerTicketUpdates.WithLabelValues(kind).Add(float64(updated))
	m.SchedulerFailedBatches.WithLabelValues(kind).Add(float64(failedBatches))
}

// RecordCoalesced counts a trigger absorbed by a running pass
func (m *Metrics) RecordCoalesced(kind string) {
	if m == nil {
		return
	}
	m.SchedulerCoalesced.WithLabelValues(kind).Inc()
}

// RecordPublished counts a delivered sync event
func (m *Metrics) RecordPublished(eventType types.EventType, sequence uint64) {
	if m == nil {
		return
	}
	m.SyncEventsPublished.WithLabelValues(string(eventType)).Inc()
	m.SyncSequence.Set(float64(sequence))
}

// RecordDropped counts a sync event that was not delivered
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.SyncEventsDropped.WithLabelValues(reason).Inc()
}

// RecordConflict counts a resolved version conflict
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.SyncConflicts.Inc()
}

// RecordInvalidation counts an invalidated cache region
func (m *Metrics) RecordInvalidation(region string) {
	if m == nil {
		return
	}
	m.SyncInvalidations.WithLabelValues(region).Inc()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
	m.WebSocketActive.Inc()
}

// RecordWebSocketDisconnect increments the disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketDisconnections.Inc()
	m.WebSocketActive.Dec()
}

// RecordWebSocketMessage increments the message counter
func (m *Metrics) RecordWebSocketMessage() {
	if m == nil {
		return
	}
	m.WebSocketMessages.Inc()
}

// RecordWebSocketError increments the WebSocket error counter
func (m *Metrics) RecordWebSocketError() {
	if m == nil {
		return
	}
	m.WebSocketErrors.Inc()
}

// RecordStationEvent counts a station terminal event
func (m *Metrics) RecordStationEvent(status string) {
	if m == nil {
		return
	}
	m.StationEventsReceived.WithLabelValues(status).Inc()
}

// RecordStationEventError counts a failed station terminal event
func (m *Metrics) RecordStationEventError() {
	if m == nil {
		return
	}
	m.StationEventErrors.Inc()
}

// RecordAggregationCycle records a metrics collection cycle
func (m *Metrics) RecordAggregationCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.AggregationCycles.Inc()
	m.AggregationDuration.Set(duration.Seconds())
}

// RecordAggregationError increments the aggregation error counter
func (m *Metrics) RecordAggregationError() {
	if m == nil {
		return
	}
	m.AggregationErrors.Inc()
}

// RecordAlert counts a raised alert
func (m *Metrics) RecordAlert(level string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(level).Inc()
}

// UpdateAgentStats updates agent distribution gauges
func (m *Metrics) UpdateAgentStats(agents []types.Agent) {
	if m == nil {
		return
	}
	counts := map[types.AgentStatus]int{
		types.AgentOffline:   0,
		types.AgentAvailable: 0,
		types.AgentBusy:      0,
		types.AgentOnBreak:   0,
	}
	for _, a := range agents {
		counts[a.Status]++
	}
	for status, n := range counts {
		m.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	m.AgentsTotal.Set(float64(len(agents)))
}

// RecordTxnRetry counts a retried transaction attempt
func (m *Metrics) RecordTxnRetry(op string) {
	if m == nil {
		return
	}
	m.TxnRetries.WithLabelValues(op).Inc()
}

// RecordTxnFailure counts a transaction that gave up
func (m *Metrics) RecordTxnFailure(op, class string) {
	if m == nil {
		return
	}
	m.TxnFailures.WithLabelValues(op, class).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
