package proxy

import "time"

// Config holds all proxy engine runtime configuration. A Config value is
// built once at process start and never mutated in place. New copies it
// into the Engine, so a running Engine never picks up a changed Config.
type Config struct {
	Routes         []Route
	FallbackPrefix string // e.g. "/api/"; "" disables dynamic /api/{service}/* routing

	// AuthServiceNames lists service names that should be classified under
	// the Auth rate-limit policy when matched via the dynamic fallback
	// route rather than a statically-configured Route.
	AuthServiceNames []string

	MaxRequestBody int64 // bytes; default 10MB

	CORS CORSConfig

	General ratelimitPolicyConfig
	Auth    ratelimitPolicyConfig

	JWT JWTConfig

	DefaultUpstreamTimeout  time.Duration
	MaxConcurrentPerService int

	TrustedProxyHops int
}

// ratelimitPolicyConfig mirrors ratelimit.Policy so this package does not
// need to import ratelimit just to describe configuration shape at the
// call site; engine.go converts it on construction.
type ratelimitPolicyConfig struct {
	Limit             int
	Window            time.Duration
	CountOnlyFailures bool
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	AllowAnyOrigin bool
	AllowedOrigins []string
	AllowedHeaders []string
	AllowedMethods []string
}

// JWTConfig controls JWT bearer token validation.
type JWTConfig struct {
	SecretKey        string
	RSAPublicKeyPEM  string
	Issuer           string
	Audience         string
	ValidateIssuer   bool
	ValidateAudience bool
}

// DefaultConfig returns sensible defaults matching spec.md §4.6/§4.4's
// stated defaults.
func DefaultConfig() Config {
	return Config{
		FallbackPrefix:   "/api/",
		AuthServiceNames: []string{"auth"},
		MaxRequestBody:   10 << 20,
		CORS: CORSConfig{
			AllowAnyOrigin: true,
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		},
		General: ratelimitPolicyConfig{Limit: 100, Window: 15 * time.Minute},
		Auth:    ratelimitPolicyConfig{Limit: 5, Window: 15 * time.Minute, CountOnlyFailures: true},
		JWT: JWTConfig{
			ValidateIssuer:   true,
			ValidateAudience: true,
		},
		DefaultUpstreamTimeout:  5 * time.Second,
		MaxConcurrentPerService: 100,
		TrustedProxyHops:        1,
	}
}
