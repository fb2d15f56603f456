package dashboard

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProxy_ForwardsServicesRoute(t *testing.T) {
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services" {
			t.Errorf("expected /services, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"services":[]}`))
	}))
	defer admin.Close()

	p := New(Config{AdminBaseURL: admin.URL}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/services", nil)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestProxy_UpstreamUnavailable_ReturnsBadGateway(t *testing.T) {
	p := New(Config{AdminBaseURL: "http://127.0.0.1:0"}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/health", nil)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}
