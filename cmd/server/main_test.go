package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/dennisdiepolder/docqueue/backend/internal/api"
	"github.com/dennisdiepolder/docqueue/backend/internal/config"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	healthHandler(rec, req)

	// Check status code
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	// Check content type
	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	// Parse response body
	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	// Check response fields
	if response["status"] != "ok" {
		t.Errorf("expected status ok, got %s", response["status"])
	}
	if response["service"] != "docqueue-backend" {
		t.Errorf("expected service docqueue-backend, got %s", response["service"])
	}
}

func TestHealthHandlerMethods(t *testing.T) {
	tests := []struct {
		method         string
		expectedStatus int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodPost, http.StatusOK},    // Handler doesn't check method
		{http.MethodPut, http.StatusOK},     // Handler doesn't check method
		{http.MethodOptions, http.StatusOK}, // Handler doesn't check method
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			rec := httptest.NewRecorder()

			healthHandler(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func newTestApp(t *testing.T, env map[string]string) *application {
	t.Helper()
	os.Clearenv()
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	app, cleanup, err := build(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(cleanup)
	return app
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterServesTicketLifecycle(t *testing.T) {
	app := newTestApp(t, map[string]string{"SKIP_AUTH": "true"})
	h := app.router

	rec := call(t, h, http.MethodPost, "/internal/agents/roster", `[{"agentId":"a1","name":"Ana"}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("roster: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = call(t, h, http.MethodPost, "/internal/event", `{"agentId":"a1","status":"available"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("station event: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	service := types.DefaultServiceTypes[0].Code
	rec = call(t, h, http.MethodPost, "/internal/tickets", fmt.Sprintf(`{"serviceType":%q}`, service))
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var enq api.EnqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &enq); err != nil {
		t.Fatalf("decode enqueue: %v", err)
	}
	if enq.Position != 1 {
		t.Errorf("expected position 1, got %d", enq.Position)
	}
	id := enq.Ticket.ID

	rec = call(t, h, http.MethodGet, fmt.Sprintf("/internal/tickets/%d/position", id), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("position: expected 200, got %d", rec.Code)
	}

	rec = call(t, h, http.MethodPost, "/api/agents/a1/next", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("next: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var next api.NextResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode next: %v", err)
	}
	if next.Ticket == nil || next.Ticket.ID != id {
		t.Fatalf("expected ticket %d assigned, got %+v", id, next.Ticket)
	}

	for _, step := range []string{"start", "complete"} {
		rec = call(t, h, http.MethodPost, fmt.Sprintf("/api/tickets/%d/%s", id, step), "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step, rec.Code, rec.Body)
		}
	}

	rec = call(t, h, http.MethodPost, fmt.Sprintf("/api/tickets/%d/start", id), "")
	if rec.Code != http.StatusConflict {
		t.Errorf("restart: expected 409, got %d", rec.Code)
	}

	rec = call(t, h, http.MethodGet, "/api/admin/stats", "")
	if rec.Code != http.StatusOK {
		t.Errorf("stats: expected 200, got %d", rec.Code)
	}

	rec = call(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Errorf("metrics: expected request counters, got %d", rec.Code)
	}
}

func TestRouterRequiresAuth(t *testing.T) {
	app := newTestApp(t, nil)

	for _, path := range []string{"/api/admin/stats", "/api/sync/resync?last_seq=0"} {
		rec := call(t, app.router, http.MethodGet, path, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	// Internal routes stay open for kiosks and boards
	rec := call(t, app.router, http.MethodGet, "/internal/tickets/99/position", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown ticket, got %d", rec.Code)
	}
}
