// Package proxy implements the per-request reverse-proxy pipeline:
// request-id assignment, body-size limiting, CORS, rate limiting,
// authentication, route matching, service resolution, breaker gating,
// upstream forwarding, and outcome observation.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/breaker"
	"github.com/meshgate/meshgate/internal/metrics"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/ratelimit"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/router"
)

// Engine is the reverse proxy's request handler. It holds everything
// consulted on the hot path: the route table, the load balancer (backed by
// the registry), one circuit breaker per service name, the rate limiter,
// and the token verifier.
type Engine struct {
	cfg       Config
	routes    *RouteTable
	balancer  *router.LoadBalancer
	verifier  *auth.Verifier
	limiter   *ratelimit.Limiter
	publisher *observability.Publisher
	logger    *slog.Logger
	transport http.RoundTripper

	metrics *metrics.Recorder

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker

	semMu sync.Mutex
	sems  map[string]chan struct{}
}

// New builds an Engine. reg provides the live instance set the balancer
// selects from.
func New(cfg Config, reg *registry.Registry, publisher *observability.Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		routes:    NewRouteTable(cfg.Routes, cfg.FallbackPrefix, cfg.AuthServiceNames),
		balancer:  router.NewLoadBalancer(reg),
		verifier: auth.New(auth.Config{
			SecretKey:        cfg.JWT.SecretKey,
			RSAPublicKeyPEM:  cfg.JWT.RSAPublicKeyPEM,
			Issuer:           cfg.JWT.Issuer,
			Audience:         cfg.JWT.Audience,
			ValidateIssuer:   cfg.JWT.ValidateIssuer,
			ValidateAudience: cfg.JWT.ValidateAudience,
		}),
		limiter:   ratelimit.New(),
		publisher: publisher,
		logger:    logger,
		transport: http.DefaultTransport,
		breakers:  make(map[string]*breaker.Breaker),
		sems:      make(map[string]chan struct{}),
	}
}

// SetMetrics attaches a Prometheus recorder. Optional; nil (the default)
// disables metrics recording without affecting request handling.
func (e *Engine) SetMetrics(rec *metrics.Recorder) {
	e.metrics = rec
}

// ServeHTTP implements the ordered pipeline from spec.md §4.4. Any panic
// escaping the pipeline is converted to an InternalError response rather
// than crashing the process.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("panic in request pipeline", "request_id", requestID, "panic", rec)
			writeError(w, requestID, ErrInternalError, "internal error", 0)
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, e.cfg.MaxRequestBody)

	if e.handleCORS(w, r) {
		return // preflight handled
	}

	route, remainder, ok := e.routes.Match(r.URL.Path)
	if !ok {
		writeError(w, requestID, ErrNotFound, "no route matches this path", 0)
		return
	}

	clientIP := e.clientIP(r)
	bucketKey, policy, isAuthRoute := e.rateLimitBucket(clientIP, route)
	if allowed, retryAfter := e.limiter.Admit(bucketKey, policy); !allowed {
		writeError(w, requestID, ErrRateLimited, "rate limit exceeded", int(retryAfter.Seconds())+1)
		return
	}

	principal, authErr := e.authenticate(route, r)
	if authErr != nil {
		if isAuthRoute {
			e.limiter.RecordFailure(bucketKey, policy)
		}
		writeError(w, requestID, authErr.kind, authErr.message, 0)
		return
	}

	instance, ok := e.selectInstance(route.ServiceName, r)
	if !ok {
		writeError(w, requestID, ErrServiceUnavailable, "no healthy instance for service "+route.ServiceName, 0)
		return
	}

	svcBreaker := e.breakerFor(route.ServiceName)
	if !svcBreaker.Allow() {
		writeError(w, requestID, ErrBreakerOpen, "circuit open for service "+route.ServiceName, 30)
		return
	}

	release, acquired := e.acquireSlot(route.ServiceName)
	if !acquired {
		writeError(w, requestID, ErrServiceUnavailable, "concurrency cap reached for service "+route.ServiceName, 0)
		return
	}
	defer release()

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultUpstreamTimeout
	}

	status, latency, kind := e.forward(w, r, requestID, instance, remainder, principal, timeout)

	e.balancer.ReportResult(instance.ServiceID, router.RequestResult{
		ServiceID:    instance.ServiceID,
		Success:      status > 0 && status < 500,
		ResponseTime: latency,
		StatusCode:   status,
	})

	stateBefore := svcBreaker.State()
	switch kind {
	case ErrUpstreamTimeout, ErrBadGateway:
		svcBreaker.RecordFailure()
	case "":
		if status >= 500 {
			svcBreaker.RecordFailure()
		} else {
			svcBreaker.RecordSuccess()
		}
	}
	e.publishBreakerTransition(r.Context(), route.ServiceName, stateBefore, svcBreaker)

	if e.metrics != nil {
		e.metrics.ObserveRequest(route.ServiceName, status, latency)
		e.metrics.ObserveBreakerState(route.ServiceName, int(svcBreaker.State()))
	}

	if status > 0 {
		w.Header().Set("X-Response-Time", durationMillis(latency))
	}

	e.logger.Info("request handled",
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"service", route.ServiceName,
		"instance_id", instance.ServiceID,
		"status", status,
		"latency_ms", latency.Milliseconds(),
		"error_kind", string(kind),
	)
}

// --- CORS ---

func (e *Engine) handleCORS(w http.ResponseWriter, r *http.Request) bool {
	cfg := e.cfg.CORS
	origin := r.Header.Get("Origin")

	if origin != "" {
		allowed := cfg.AllowAnyOrigin || len(cfg.AllowedOrigins) == 0
		if !allowed {
			for _, o := range cfg.AllowedOrigins {
				if strings.EqualFold(o, origin) {
					allowed = true
					break
				}
			}
		}
		if allowed {
			if cfg.AllowAnyOrigin {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// --- Rate limiting ---

// rateLimitBucket resolves the rate-limit policy for route — an attribute
// of the route, not of clientIP — and prefixes clientIP with the policy's
// identity so a client hitting both general and auth routes is tracked in
// two independent buckets instead of sharing one.
func (e *Engine) rateLimitBucket(clientIP string, route Route) (key string, policy ratelimit.Policy, isAuthRoute bool) {
	if route.RateLimitPolicy == RateLimitAuth {
		return "auth:" + clientIP, ratelimit.Policy{Limit: e.cfg.Auth.Limit, Window: e.cfg.Auth.Window, CountOnlyFailures: true}, true
	}
	return "general:" + clientIP, ratelimit.Policy{Limit: e.cfg.General.Limit, Window: e.cfg.General.Window}, false
}

// --- Authentication ---

type authFailure struct {
	kind    ErrorKind
	message string
}

func (e *Engine) authenticate(route Route, r *http.Request) (*auth.Principal, *authFailure) {
	header := r.Header.Get("Authorization")

	switch route.Auth {
	case AuthPublic:
		return nil, nil
	case AuthOptional:
		p, err := e.verifier.Verify(header)
		if err != nil {
			return nil, nil // silently ignored per spec.md §4.4 step 5
		}
		return &p, nil
	default: // AuthRequired
		p, err := e.verifier.Verify(header)
		if err == nil {
			return &p, nil
		}
		var ve *auth.VerifyError
		if errors.As(err, &ve) && ve.Kind == auth.KindExpired {
			return nil, &authFailure{kind: ErrTokenExpired, message: "token expired"}
		}
		return nil, &authFailure{kind: ErrUnauthenticated, message: "missing or invalid token"}
	}
}

// --- Instance selection ---

func (e *Engine) selectInstance(serviceName string, r *http.Request) (*registry.Instance, bool) {
	inst, err := e.balancer.Select(serviceName, router.Context{
		SessionID:     r.Header.Get("X-Correlation-Id"),
		Headers:       map[string]string{"X-Correlation-ID": r.Header.Get("X-Correlation-Id")},
		PreferredZone: r.Header.Get("X-Preferred-Zone"),
	})
	if err != nil || inst == nil {
		return nil, false
	}
	return inst, true
}

// --- Per-service circuit breakers ---

func (e *Engine) breakerFor(serviceName string) *breaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[serviceName]
	if !ok {
		b = breaker.New(breaker.DefaultConfig())
		e.breakers[serviceName] = b
	}
	return b
}

// BreakerStats reports the current state and rolling-window counters for a
// service's breaker, for exposure via the admin API's service-metrics
// endpoint. ok is false if no breaker has been created for the service yet
// (no request has ever reached it).
func (e *Engine) BreakerStats(serviceName string) (state breaker.State, samples, failures int, ok bool) {
	e.mu.Lock()
	b, ok := e.breakers[serviceName]
	e.mu.Unlock()
	if !ok {
		return breaker.Closed, 0, 0, false
	}
	state, samples, failures = b.Stats()
	return state, samples, failures, true
}

// publishBreakerTransition mirrors a service breaker's state change to
// observability consumers, if a publisher is configured.
func (e *Engine) publishBreakerTransition(ctx context.Context, serviceName string, before breaker.State, b *breaker.Breaker) {
	if e.publisher == nil {
		return
	}
	after, samples, failures := b.Stats()
	if after == before {
		return
	}
	_ = e.publisher.Publish(ctx, observability.BreakerStateChangedEvent{
		EventID:       fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp:     time.Now().UTC(),
		ServiceName:   serviceName,
		PreviousState: before.String(),
		CurrentState:  after.String(),
		SampleCount:   samples,
		FailureCount:  failures,
	})
}

// --- Per-service concurrency cap ---

func (e *Engine) acquireSlot(serviceName string) (release func(), acquired bool) {
	limit := e.cfg.MaxConcurrentPerService
	if limit <= 0 {
		return func() {}, true
	}

	e.semMu.Lock()
	sem, ok := e.sems[serviceName]
	if !ok {
		sem = make(chan struct{}, limit)
		e.sems[serviceName] = sem
	}
	e.semMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

// --- Forwarding ---

// forward builds and issues the upstream request, streams the response to
// the client, and reports the outcome. It returns the upstream status code
// (0 if never obtained), the total latency, and an error kind if the
// outcome was a gateway-local failure (empty string otherwise, including
// when the upstream's own status was forwarded as-is).
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, requestID string, inst *registry.Instance, remainder string, principal *auth.Principal, timeout time.Duration) (status int, latency time.Duration, kind ErrorKind) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	backendURL, err := url.Parse(inst.URL())
	if err != nil {
		return 0, time.Since(start), ErrBadGateway
	}

	outReq := r.Clone(ctx)
	outReq.URL.Scheme = backendURL.Scheme
	outReq.URL.Host = backendURL.Host
	outReq.URL.Path = remainder
	outReq.URL.RawQuery = r.URL.RawQuery
	outReq.Host = backendURL.Host
	outReq.RequestURI = ""
	outReq.Header.Del("Connection")

	stripClientIdentityHeaders(outReq.Header)
	outReq.Header.Set("X-Request-Id", requestID)
	if principal != nil {
		outReq.Header.Set("X-User-Id", principal.ID)
		outReq.Header.Set("X-User-Email", principal.Email)
		outReq.Header.Set("X-User-Role", principal.Role)
		if principal.Tenant != "" {
			outReq.Header.Set("X-Tenant-Id", principal.Tenant)
		}
	}

	resp, err := e.transport.RoundTrip(outReq)
	if err != nil {
		latency = time.Since(start)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, requestID, ErrPayloadTooLarge, "request body exceeds the configured limit", 0)
			return 0, latency, ""
		}
		if ctx.Err() == context.DeadlineExceeded {
			writeError(w, requestID, ErrUpstreamTimeout, "upstream request timed out", 0)
			return 0, latency, ErrUpstreamTimeout
		}
		if errors.Is(r.Context().Err(), context.Canceled) {
			// Client disconnected; not a breaker failure per spec.md Testable Property 7.
			return 0, latency, ""
		}
		writeError(w, requestID, ErrBadGateway, "upstream transport error", 0)
		return 0, latency, ErrBadGateway
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Response-Time", durationMillis(time.Since(start)))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	latency = time.Since(start)
	return resp.StatusCode, latency, ""
}

func stripClientIdentityHeaders(h http.Header) {
	h.Del("X-User-Id")
	h.Del("X-User-Email")
	h.Del("X-User-Role")
	h.Del("X-Tenant-Id")
	h.Del("X-Request-Id")
}

// --- Helpers ---

func (e *Engine) clientIP(r *http.Request) string {
	remoteHost, _, _ := net.SplitHostPort(r.RemoteAddr)
	remoteIP := net.ParseIP(remoteHost)

	if e.cfg.TrustedProxyHops > 0 && remoteIP != nil && remoteIP.IsLoopback() {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			clientIP := strings.TrimSpace(parts[0])
			if clientIP != "" {
				return clientIP
			}
		}
	}

	if remoteHost != "" {
		return remoteHost
	}
	return "unknown"
}

func durationMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
