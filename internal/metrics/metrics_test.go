package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordEnqueue("renewal")
	m.RecordEnqueue("renewal")
	m.RecordWebSocketConnect()
	m.RecordWebSocketConnect()
	m.RecordWebSocketDisconnect()
	m.RecordPublished(types.EventQueueUpdate, 42)
	m.RecordPass("light", "completed", 2*time.Second, 3, 1)

	if got := testutil.ToFloat64(m.TicketsEnqueued.WithLabelValues("renewal")); got != 2 {
		t.Errorf("tickets enqueued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WebSocketActive); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SyncSequence); got != 42 {
		t.Errorf("sequence = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.SchedulerTicketUpdates.WithLabelValues("light")); got != 3 {
		t.Errorf("ticket updates = %v, want 3", got)
	}
}

func TestUpdateAgentStats(t *testing.T) {
	m := New()
	m.UpdateAgentStats([]types.Agent{
		{ID: "a", Status: types.AgentAvailable},
		{ID: "b", Status: types.AgentBusy},
		{ID: "c", Status: types.AgentBusy},
	})

	if got := testutil.ToFloat64(m.AgentsByStatus.WithLabelValues("busy")); got != 2 {
		t.Errorf("busy agents = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AgentsByStatus.WithLabelValues("offline")); got != 0 {
		t.Errorf("offline agents = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.AgentsTotal); got != 3 {
		t.Errorf("agents total = %v, want 3", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordEnqueue("renewal")
	m.RecordWebSocketConnect()
	m.RecordHTTPRequest("/health", 200, time.Millisecond)
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("/health", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `docqueue_http_requests_total{endpoint="/health",status="200"} 1`) {
		t.Errorf("expected http counter in output, got:\n%s", rec.Body.String())
	}
}
