package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registerHealthy(t *testing.T, reg *registry.Registry, serviceName, address string, port int) string {
	t.Helper()
	id, err := reg.Register(registry.Registration{
		ServiceName:     serviceName,
		Address:         address,
		Port:            port,
		HealthCheckPath: "/healthz",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.UpdateHealth(id, registry.HealthHealthy, ""); err != nil {
		t.Fatalf("UpdateHealth() error = %v", err)
	}
	return id
}

func backendAddrPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host:port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return host, port
}

func TestEngine_HappyPath_ForwardsAndInjectsTrustedHeaders(t *testing.T) {
	var gotPath, gotUserID, gotUserRole string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUserID = r.Header.Get("X-User-Id")
		gotUserRole = r.Header.Get("X-User-Role")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}))
	defer backend.Close()

	host, port := backendAddrPort(t, backend)
	reg := registry.New(discardLogger())
	registerHealthy(t, reg, "widgets", host, port)

	cfg := DefaultConfig()
	cfg.Routes = []Route{{Prefix: "/svc/widgets", ServiceName: "widgets", Auth: AuthPublic}}
	cfg.FallbackPrefix = ""

	e := New(cfg, reg, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/svc/widgets/items", nil)
	req.Header.Set("X-User-Id", "client-forged")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotPath != "/items" {
		t.Fatalf("expected backend path /items, got %q", gotPath)
	}
	if gotUserID != "" {
		t.Fatalf("expected client-supplied X-User-Id stripped, got %q", gotUserID)
	}
	if gotUserRole != "" {
		t.Fatalf("expected no X-User-Role for unauthenticated request, got %q", gotUserRole)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header on response")
	}
	if w.Header().Get("X-Response-Time") == "" {
		t.Fatal("expected X-Response-Time header on response")
	}
}

func TestEngine_NoRouteMatch_ReturnsNotFound(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	cfg.FallbackPrefix = ""
	e := New(cfg, reg, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestEngine_NoHealthyInstance_ReturnsServiceUnavailable(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	cfg.Routes = []Route{{Prefix: "/svc/ghost", ServiceName: "ghost", Auth: AuthPublic}}
	cfg.FallbackPrefix = ""
	e := New(cfg, reg, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/svc/ghost/x", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestEngine_BreakerOpensAfterRepeatedUpstreamFailures(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	host, port := backendAddrPort(t, backend)
	reg := registry.New(discardLogger())
	registerHealthy(t, reg, "flaky", host, port)

	cfg := DefaultConfig()
	cfg.Routes = []Route{{Prefix: "/svc/flaky", ServiceName: "flaky", Auth: AuthPublic}}
	cfg.FallbackPrefix = ""
	e := New(cfg, reg, nil, discardLogger())

	var lastCode int
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/svc/flaky/x", nil)
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		lastCode = w.Code
	}

	if lastCode != http.StatusServiceUnavailable {
		t.Fatalf("expected breaker to open (503) after repeated 500s, last code = %d", lastCode)
	}

	req := httptest.NewRequest(http.MethodGet, "/svc/flaky/x", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected breaker-open 503, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "BreakerOpen") {
		t.Fatalf("expected BreakerOpen error kind in body, got %s", w.Body.String())
	}
}

func TestEngine_RateLimitExceeded_ReturnsRateLimited(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	host, port := backendAddrPort(t, backend)
	reg := registry.New(discardLogger())
	registerHealthy(t, reg, "limited", host, port)

	cfg := DefaultConfig()
	cfg.Routes = []Route{{Prefix: "/svc/limited", ServiceName: "limited", Auth: AuthPublic}}
	cfg.FallbackPrefix = ""
	cfg.General.Limit = 2
	cfg.General.Window = time.Minute
	e := New(cfg, reg, nil, discardLogger())

	var lastCode int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/svc/limited/x", nil)
		req.RemoteAddr = "203.0.113.5:12345"
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		lastCode = w.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 3rd request under limit 2, got %d", lastCode)
	}
}

func TestEngine_AuthRequired_MissingToken_ReturnsUnauthenticated(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	cfg.JWT.SecretKey = "shh"
	cfg.Routes = []Route{{Prefix: "/svc/secure", ServiceName: "secure", Auth: AuthRequired}}
	cfg.FallbackPrefix = ""
	e := New(cfg, reg, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/svc/secure/x", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Unauthenticated") {
		t.Fatalf("expected Unauthenticated error kind, got %s", w.Body.String())
	}
}

func TestEngine_AuthRequired_ExpiredToken_ReturnsTokenExpired(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	cfg.JWT.SecretKey = "shh"
	cfg.JWT.ValidateIssuer = false
	cfg.JWT.ValidateAudience = false
	cfg.Routes = []Route{{Prefix: "/svc/secure", ServiceName: "secure", Auth: AuthRequired}}
	cfg.FallbackPrefix = ""
	e := New(cfg, reg, nil, discardLogger())

	claims := auth.Claims{
		UserID: "u-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("shh"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/svc/secure/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "TokenExpired") {
		t.Fatalf("expected TokenExpired error kind, got %s", w.Body.String())
	}
}

func TestEngine_RateLimitBucketsAreScopedPerPolicyNotJustClientIP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	host, port := backendAddrPort(t, backend)
	reg := registry.New(discardLogger())
	registerHealthy(t, reg, "general-svc", host, port)
	registerHealthy(t, reg, "auth", host, port)

	cfg := DefaultConfig()
	cfg.Routes = []Route{
		{Prefix: "/svc/general", ServiceName: "general-svc", Auth: AuthPublic, RateLimitPolicy: RateLimitGeneral},
		{Prefix: "/svc/auth", ServiceName: "auth", Auth: AuthPublic, RateLimitPolicy: RateLimitAuth},
	}
	cfg.FallbackPrefix = ""
	cfg.General.Limit = 2
	cfg.General.Window = time.Minute
	cfg.Auth.Limit = 2
	cfg.Auth.Window = time.Minute
	e := New(cfg, reg, nil, discardLogger())

	sameClient := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.9:12345"
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := sameClient("/svc/general/x"); code != http.StatusOK {
			t.Fatalf("general request %d: expected 200, got %d", i, code)
		}
	}
	if code := sameClient("/svc/general/x"); code != http.StatusTooManyRequests {
		t.Fatalf("expected general bucket exhausted at request 3, got %d", code)
	}

	// The same client hitting a distinct auth-policy route should not be
	// penalized by the general bucket it just exhausted.
	if code := sameClient("/svc/auth/x"); code != http.StatusOK {
		t.Fatalf("expected auth-policy bucket to be independent, got %d", code)
	}
}

func TestEngine_CORSPreflight_RespondsNoContent(t *testing.T) {
	reg := registry.New(discardLogger())
	cfg := DefaultConfig()
	e := New(cfg, reg, nil, discardLogger())

	req := httptest.NewRequest(http.MethodOptions, "/svc/anything/x", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for CORS preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}
