// Package dashboard proxies operator-facing dashboard routes to the
// gateway's metrics listener and to the admin API process, so a single
// origin can back a status UI without exposing those listeners directly.
package dashboard

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config names the base URLs of the listeners this proxy forwards to.
// The metrics listener runs inside the gateway process; the admin API is
// the separate cmd/adminapi process.
type Config struct {
	MetricsBaseURL string // serves /metrics (Prometheus) and /health/metrics
	AdminBaseURL   string // serves /services, /health, /ready, etc.
}

// Proxy forwards /api/dashboard/* requests to the configured listeners.
type Proxy struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// New creates a dashboard proxy.
func New(config Config, logger *slog.Logger) *Proxy {
	return &Proxy{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Handler returns an http.Handler mounted at /api/dashboard/.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/dashboard/prometheus/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/dashboard/prometheus")
		p.proxy(w, r, p.config.MetricsBaseURL, path)
	})

	mux.HandleFunc("/api/dashboard/services", func(w http.ResponseWriter, r *http.Request) {
		p.proxy(w, r, p.config.AdminBaseURL, "/services")
	})

	mux.HandleFunc("/api/dashboard/health", func(w http.ResponseWriter, r *http.Request) {
		p.proxy(w, r, p.config.AdminBaseURL, "/health")
	})

	return mux
}

func (p *Proxy) proxy(w http.ResponseWriter, r *http.Request, baseURL, path string) {
	targetURL := baseURL + path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	for _, h := range []string{"Authorization", "Content-Type", "Accept"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("dashboard proxy failed", "url", targetURL, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
