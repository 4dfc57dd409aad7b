package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func unsignedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestValidateTokenDevelopment(t *testing.T) {
	a := NewAuthenticator(Config{Env: "development"}, zerolog.Nop())

	token := unsignedToken(t, jwt.MapClaims{
		"email":        "ana@example.org",
		"name":         "Ana",
		"agent_id":     "a1",
		"station_id":   "s3",
		"realm_access": map[string]interface{}{"roles": []interface{}{"viewer", "agent"}},
		"exp":          float64(time.Now().Add(time.Hour).Unix()),
	})

	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Role != RoleAgent || claims.AgentID != "a1" || claims.StationID != "s3" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	expired := unsignedToken(t, jwt.MapClaims{"exp": float64(time.Now().Add(-time.Hour).Unix())})
	if _, err := a.ValidateToken(expired); err == nil {
		t.Error("expected expired token to fail")
	}
}

func TestProductionRequiresIssuer(t *testing.T) {
	a := NewAuthenticator(Config{Env: "production"}, zerolog.Nop())
	token := unsignedToken(t, jwt.MapClaims{"email": "x@example.org"})

	if _, err := a.ValidateToken(token); err == nil {
		t.Error("expected verification failure without an issuer")
	}
}

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetUserFromContext(r.Context())
		if !ok {
			t.Error("claims missing from context")
			return
		}
		w.Write([]byte(claims.Role))
	})

	tests := []struct {
		name       string
		cfg        Config
		header     string
		wantStatus int
	}{
		{"skip auth", Config{SkipAuth: true}, "", http.StatusOK},
		{"missing token", Config{Env: "development"}, "", http.StatusUnauthorized},
		{"garbage token", Config{Env: "development"}, "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthenticator(tt.cfg, zerolog.Nop()).Middleware(next)
			req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := RequireRole(RoleAdmin)(ok)

	tests := []struct {
		role string
		want int
	}{
		{RoleAdmin, http.StatusOK},
		{RoleAgent, http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/optimize", nil)
		req = req.WithContext(contextWithClaims(req, &Claims{Role: tt.role}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("role %s: status = %d, want %d", tt.role, rec.Code, tt.want)
		}
	}
}

func TestCanActAs(t *testing.T) {
	tests := []struct {
		claims  Claims
		agentID string
		want    bool
	}{
		{Claims{Role: RoleAdmin}, "a1", true},
		{Claims{Role: RoleSupervisor}, "a1", true},
		{Claims{Role: RoleAgent, AgentID: "a1"}, "a1", true},
		{Claims{Role: RoleAgent, AgentID: "a1"}, "a2", false},
		{Claims{Role: RoleAgent}, "", false},
		{Claims{Role: RoleViewer}, "a1", false},
	}
	for _, tt := range tests {
		if got := tt.claims.CanActAs(tt.agentID); got != tt.want {
			t.Errorf("%s/%s CanActAs(%s) = %v, want %v", tt.claims.Role, tt.claims.AgentID, tt.agentID, got, tt.want)
		}
	}

	viewer := Claims{Role: RoleViewer}
	if !viewer.CanSubscribe("queue") || viewer.CanSubscribe("agent_a1") {
		t.Error("viewers may follow the queue but not agent channels")
	}
}

func contextWithClaims(r *http.Request, claims *Claims) context.Context {
	return context.WithValue(r.Context(), UserContextKey, claims)
}
