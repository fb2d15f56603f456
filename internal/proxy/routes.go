package proxy

import (
	"sort"
	"strings"
	"time"
)

// AuthMode controls how the authentication stage treats a matched route.
type AuthMode int

const (
	AuthRequired AuthMode = iota
	AuthOptional
	AuthPublic
)

// RateLimitPolicyKind names which rate-limit policy bucket a route's
// requests are counted against. It is a route attribute, never derived
// from a client's own behavior or identity.
type RateLimitPolicyKind int

const (
	RateLimitGeneral RateLimitPolicyKind = iota
	RateLimitAuth
)

// Route maps a path prefix to a backend service name, with an optional
// single-pass prefix rewrite and a per-route auth policy and timeout.
type Route struct {
	Prefix          string
	ServiceName     string
	PathRewrite     string // replaces Prefix when forwarding; empty means strip only
	Auth            AuthMode
	RateLimitPolicy RateLimitPolicyKind
	Timeout         time.Duration
}

// RouteTable holds the statically configured routes plus a fallback rule
// that maps /api/{service}/* to the service named by the first path segment
// when no static route matches. Match does not check that the registry
// knows that service.
type RouteTable struct {
	routes          []Route // sorted longest-prefix-first
	fallback        Route
	fallbackEnabled bool
	authServiceSet  map[string]bool
}

// NewRouteTable builds a table from explicit routes, sorted so the longest
// prefix is matched first. fallbackPrefix (e.g. "/api/") enables the
// teacher's dynamic /api/{service}/... convention for any route not
// explicitly configured; pass "" to disable it. authServiceNames lists the
// service names that should be classified RateLimitAuth when reached only
// through the fallback, since the fallback's own Prefix is always the same
// static string regardless of which service it resolves to.
func NewRouteTable(routes []Route, fallbackPrefix string, authServiceNames []string) *RouteTable {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(a, b int) bool { return len(sorted[a].Prefix) > len(sorted[b].Prefix) })

	authSet := make(map[string]bool, len(authServiceNames))
	for _, name := range authServiceNames {
		authSet[name] = true
	}

	rt := &RouteTable{routes: sorted, authServiceSet: authSet}
	if fallbackPrefix != "" {
		rt.fallback = Route{Prefix: normalizePrefix(fallbackPrefix), Auth: AuthRequired}
		rt.fallbackEnabled = true
	}
	return rt
}

// Match finds the longest configured prefix matching path. When no static
// route matches and a dynamic fallback prefix is configured, it extracts
// the service name as the first path segment after the fallback prefix.
func (rt *RouteTable) Match(path string) (route Route, remainder string, ok bool) {
	for _, r := range rt.routes {
		if strings.HasPrefix(path, r.Prefix) {
			rem := path[len(r.Prefix):]
			if r.PathRewrite != "" {
				rem = r.PathRewrite + rem
			}
			if !strings.HasPrefix(rem, "/") {
				rem = "/" + rem
			}
			return r, rem, true
		}
	}

	if rt.fallbackEnabled && strings.HasPrefix(path, rt.fallback.Prefix) {
		rest := path[len(rt.fallback.Prefix):]
		if rest == "" {
			return Route{}, "", false
		}
		idx := strings.IndexByte(rest, '/')
		serviceName, rem := rest, "/"
		if idx >= 0 {
			serviceName, rem = rest[:idx], rest[idx:]
		}
		policy := RateLimitGeneral
		if rt.authServiceSet[serviceName] {
			policy = RateLimitAuth
		}
		return Route{Prefix: rt.fallback.Prefix, ServiceName: serviceName, Auth: AuthRequired, RateLimitPolicy: policy}, rem, true
	}

	return Route{}, "", false
}

// normalizePrefix ensures the prefix starts and ends with "/".
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
