package adminapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meshgate/meshgate/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer() (*Server, *registry.Registry) {
	reg := registry.New(discardLogger())
	srv := NewServer(DefaultConfig(), reg, nil, nil, discardLogger())
	return srv, reg
}

func TestAdminAPI_RegisterAndDiscover(t *testing.T) {
	srv, _ := newTestServer()
	srv.cfg.RequiredRole = "" // no token configured, verifier disabled

	body, _ := json.Marshal(registerRequest{
		ServiceName:     "widgets",
		Address:         "10.0.0.5",
		Port:            8080,
		HealthCheckPath: "/healthz",
	})
	req := httptest.NewRequest(http.MethodPost, "/services", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp registerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ServiceID == "" {
		t.Fatal("expected non-empty service id")
	}

	req = httptest.NewRequest(http.MethodGet, "/services/widgets/instances", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAdminAPI_DeregisterUnknownInstance_ReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer()
	srv.cfg.RequiredRole = ""

	req := httptest.NewRequest(http.MethodDelete, "/instances/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAdminAPI_Readiness_FailsWhenCriticalServiceUnhealthy(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	cfg.RequiredRole = ""
	cfg.CriticalServices = []string{"payments"}
	srv := NewServer(cfg, reg, nil, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when critical service has no healthy instance, got %d", w.Code)
	}
}

func TestAdminAPI_Readiness_PassesWhenCriticalServiceHealthy(t *testing.T) {
	reg := registry.New(discardLogger())
	id, err := reg.Register(registry.Registration{
		ServiceName:     "payments",
		Address:         "10.0.0.9",
		Port:            9090,
		HealthCheckPath: "/healthz",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.UpdateHealth(id, registry.HealthHealthy, ""); err != nil {
		t.Fatalf("UpdateHealth() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.RequiredRole = ""
	cfg.CriticalServices = []string{"payments"}
	srv := NewServer(cfg, reg, nil, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminAPI_OperatorAuth_RejectsMissingToken(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	cfg.JWT.SecretKey = "shh"
	srv := NewServer(cfg, reg, nil, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAdminAPI_GatewayHealthDetailed_ReportsHealthyWithNoServices(t *testing.T) {
	srv, _ := newTestServer()
	srv.cfg.RequiredRole = ""

	req := httptest.NewRequest(http.MethodGet, "/health/detailed", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with no services registered, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminAPI_GatewayHealthDetailed_ReturnsServiceUnavailableForUnhealthyService(t *testing.T) {
	reg := registry.New(discardLogger())
	id, err := reg.Register(registry.Registration{
		ServiceName:     "widgets",
		Address:         "10.0.0.5",
		Port:            8080,
		HealthCheckPath: "/healthz",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.UpdateHealth(id, registry.HealthUnhealthy, ""); err != nil {
		t.Fatalf("UpdateHealth() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.RequiredRole = ""
	srv := NewServer(cfg, reg, nil, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/health/detailed", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the only instance is unhealthy, got %d: %s", w.Code, w.Body.String())
	}

	var resp gatewayHealthDetailedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Services) != 1 || resp.Services[0].Status != "unhealthy" {
		t.Fatalf("expected one unhealthy service detail, got %+v", resp.Services)
	}
}

func TestAdminAPI_GatewayMetrics_ReportsInstanceCountsWithoutEngine(t *testing.T) {
	reg := registry.New(discardLogger())
	if _, err := reg.Register(registry.Registration{
		ServiceName:     "widgets",
		Address:         "10.0.0.5",
		Port:            8080,
		HealthCheckPath: "/healthz",
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.RequiredRole = ""
	srv := NewServer(cfg, reg, nil, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp gatewayMetricsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.InstanceCounts["widgets"] != 1 {
		t.Fatalf("expected instance count 1 for widgets, got %+v", resp.InstanceCounts)
	}
	if resp.BreakerStats != nil {
		t.Fatalf("expected nil breaker stats with no engine attached, got %+v", resp.BreakerStats)
	}
}

func TestAdminAPI_Liveness_NeverRequiresAuth(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	cfg.JWT.SecretKey = "shh"
	srv := NewServer(cfg, reg, nil, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
