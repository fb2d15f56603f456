package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshgate/meshgate/internal/dashboard"
	"github.com/meshgate/meshgate/internal/metrics"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/proxy"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/registrysync"
	"github.com/meshgate/meshgate/internal/staticservices"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := loadConfig()

	reg := registry.New(logger)

	if entries, err := staticservices.Load(cfg.staticServicesFile); err != nil {
		logger.Warn("static service file not loaded", "error", err)
	} else if len(entries) > 0 {
		count, err := staticservices.Register(reg, entries)
		if err != nil {
			logger.Warn("some static services failed to register", "error", err)
		}
		logger.Info("static services registered", "count", count)
	}

	publisher, err := observability.NewPublisher(cfg.rabbitURL, logger)
	if err != nil {
		return fmt.Errorf("observability publisher: %w", err)
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.consulAddr != "" {
		syncer, err := registrysync.New(cfg.consulAddr, logger)
		if err != nil {
			logger.Warn("registry sync disabled", "error", err)
		} else {
			go syncer.Run(ctx, reg, 30*time.Second)
		}
	}

	engine := proxy.New(cfg.proxy, reg, publisher, logger)

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	engine.SetMetrics(recorder)

	dash := dashboard.New(dashboard.Config{
		MetricsBaseURL: cfg.metricsBaseURL,
		AdminBaseURL:   cfg.adminBaseURL,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/dashboard/", dash.Handler())
	mux.Handle("/", engine)

	server := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: mux,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/health/metrics", metricsSnapshotHandler())
	metricsServer := &http.Server{Addr: ":" + cfg.metricsPort, Handler: metricsMux}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics listener starting", "port", cfg.metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	logger.Info("gateway starting", "port", cfg.port, "fallback_prefix", cfg.proxy.FallbackPrefix)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func metricsSnapshotHandler() func(http.ResponseWriter, *http.Request) {
	started := time.Now()
	handler := metrics.SnapshotHandler(started)
	return func(w http.ResponseWriter, r *http.Request) { handler(w, r) }
}

// config bundles process-level settings on top of the proxy engine's own
// Config, which covers only request-pipeline behavior.
type config struct {
	port               string
	metricsPort        string
	consulAddr         string
	rabbitURL          string
	staticServicesFile string
	metricsBaseURL     string
	adminBaseURL       string
	proxy              proxy.Config
}

func loadConfig() config {
	cfg := config{
		port:               envOr("GATEWAY_PORT", "8080"),
		metricsPort:        envOr("GATEWAY_METRICS_PORT", "9090"),
		consulAddr:         os.Getenv("CONSUL_ADDRESS"),
		rabbitURL:          os.Getenv("RABBITMQ_URL"),
		staticServicesFile: os.Getenv("STATIC_SERVICES_FILE"),
		metricsBaseURL:     envOr("GATEWAY_METRICS_BASE_URL", "http://localhost:9090"),
		adminBaseURL:       envOr("GATEWAY_ADMIN_BASE_URL", "http://localhost:8090"),
		proxy:              proxy.DefaultConfig(),
	}

	if v := os.Getenv("GATEWAY_FALLBACK_PREFIX"); v != "" {
		cfg.proxy.FallbackPrefix = v
	}
	if v, err := strconv.ParseInt(os.Getenv("GATEWAY_MAX_REQUEST_BODY_BYTES"), 10, 64); err == nil && v > 0 {
		cfg.proxy.MaxRequestBody = v
	}

	if os.Getenv("GATEWAY_CORS_ALLOW_ANY_ORIGIN") == "false" {
		cfg.proxy.CORS.AllowAnyOrigin = false
	}
	if v := os.Getenv("GATEWAY_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.proxy.CORS.AllowedOrigins = strings.Split(v, ",")
	}

	if v, err := strconv.Atoi(os.Getenv("GATEWAY_RATE_LIMIT_GENERAL_PERMITS")); err == nil && v > 0 {
		cfg.proxy.General.Limit = v
	}
	if v, err := strconv.Atoi(os.Getenv("GATEWAY_RATE_LIMIT_AUTH_PERMITS")); err == nil && v > 0 {
		cfg.proxy.Auth.Limit = v
	}

	cfg.proxy.JWT.SecretKey = os.Getenv("JWT_SECRET_KEY")
	cfg.proxy.JWT.RSAPublicKeyPEM = os.Getenv("JWT_RSA_PUBLIC_KEY_PEM")
	cfg.proxy.JWT.Issuer = envOr("JWT_ISSUER", "MeshGate.Gateway")
	cfg.proxy.JWT.Audience = envOr("JWT_AUDIENCE", "MeshGate.Services")

	if v := os.Getenv("GATEWAY_AUTH_RATE_LIMIT_SERVICES"); v != "" {
		cfg.proxy.AuthServiceNames = strings.Split(v, ",")
	}

	if v, err := strconv.Atoi(os.Getenv("GATEWAY_UPSTREAM_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.proxy.DefaultUpstreamTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("GATEWAY_MAX_CONCURRENT_PER_SERVICE")); err == nil && v > 0 {
		cfg.proxy.MaxConcurrentPerService = v
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
