// Package adminapi implements the gateway's operator-facing HTTP/JSON
// control plane: service registration, health and metadata management,
// and observability endpoints. It is mounted on its own listener and never
// passes through the proxy engine's request pipeline.
package adminapi

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/proxy"
	"github.com/meshgate/meshgate/internal/registry"
)

// Config controls the admin API's operator authentication and readiness
// policy.
type Config struct {
	JWT              auth.Config
	RequiredRole     string   // role claim a token must carry; empty disables the check
	CriticalServices []string // services that must each have one healthy instance for /ready
}

// DefaultConfig returns the admin API's default policy: an "operator" role
// claim is required, and no services are considered critical for readiness
// unless configured.
func DefaultConfig() Config {
	return Config{RequiredRole: "operator"}
}

// Server implements the admin API's handlers. It is driven directly by the
// in-memory registry rather than the tracking map the teacher's gRPC
// service layered over Consul, since the registry already carries
// registration timestamps, last-health-check times, and metadata.
type Server struct {
	cfg       Config
	registry  *registry.Registry
	publisher *observability.Publisher
	engine    *proxy.Engine // optional; nil disables per-service breaker stats
	verifier  *auth.Verifier
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer builds an admin API server. engine may be nil if the process
// running the admin API doesn't also run the proxy engine (breaker stats
// will then be reported as unavailable).
func NewServer(cfg Config, reg *registry.Registry, publisher *observability.Publisher, engine *proxy.Engine, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		registry:  reg,
		publisher: publisher,
		engine:    engine,
		verifier:  auth.New(cfg.JWT),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Router builds the gorilla/mux router for the admin API, with operator
// authentication applied to every route except the liveness probe.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/live", s.handleLiveness).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.operatorAuth)

	protected.HandleFunc("/services", s.handleRegister).Methods(http.MethodPost)
	protected.HandleFunc("/services", s.handleListServices).Methods(http.MethodGet)
	protected.HandleFunc("/services/{serviceName}/instances", s.handleDiscover).Methods(http.MethodGet)
	protected.HandleFunc("/instances/{instanceId}", s.handleInstanceDetail).Methods(http.MethodGet)
	protected.HandleFunc("/instances/{instanceId}", s.handleDeregister).Methods(http.MethodDelete)
	protected.HandleFunc("/instances/{instanceId}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	protected.HandleFunc("/instances/{instanceId}/metadata", s.handleUpdateMetadata).Methods(http.MethodPatch)
	protected.HandleFunc("/services/{serviceName}/health", s.handleServiceHealth).Methods(http.MethodGet)
	protected.HandleFunc("/services/{serviceName}/metrics", s.handleServiceMetrics).Methods(http.MethodGet)
	protected.HandleFunc("/health", s.handleGatewayHealth).Methods(http.MethodGet)
	protected.HandleFunc("/health/detailed", s.handleGatewayHealthDetailed).Methods(http.MethodGet)
	protected.HandleFunc("/metrics", s.handleGatewayMetrics).Methods(http.MethodGet)
	protected.HandleFunc("/ready", s.handleReadiness).Methods(http.MethodGet)

	return r
}

// operatorAuth requires a bearer token carrying the configured role claim.
// Requests to the admin API are never routed through the proxy engine's
// own authentication stage; this is a distinct, stricter check.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := s.verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid operator token")
			return
		}
		if s.cfg.RequiredRole != "" && principal.Role != s.cfg.RequiredRole {
			writeJSONError(w, http.StatusForbidden, "forbidden", "token does not carry the required operator role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// resolveAddress replaces a loopback/unspecified address with the caller's
// actual IP, the HTTP analogue of the teacher's gRPC-peer-based resolution.
func resolveAddress(requested string, r *http.Request) string {
	if isRoutable(requested) {
		return requested
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && isRoutable(host) {
		return host
	}

	if requested != "" {
		return requested
	}
	return "127.0.0.1"
}

func isRoutable(addr string) bool {
	if addr == "" || addr == "0.0.0.0" || addr == "::" {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return true // hostname, assume routable
	}
	return !ip.IsLoopback() && !ip.IsUnspecified()
}
