package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.New()

	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Post("/api/tickets/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, path := range []string{"/api/tickets/1/start", "/api/tickets/2/start"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST /api/tickets/{id}/start", "409"))
	if got != 2 {
		t.Errorf("expected 2 requests on the route pattern, got %v", got)
	}

	// One series, not one per concrete path
	if n := testutil.CollectAndCount(m.HTTPRequests); n != 1 {
		t.Errorf("expected 1 series, got %d", n)
	}
}
