package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/meshgate/meshgate/internal/healthmonitor"
	"github.com/meshgate/meshgate/internal/observability"
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
	port := envOr("HEALTHMONITOR_PORT", "8081")
	consulAddr := os.Getenv("CONSUL_ADDRESS")
	rabbitURL := os.Getenv("RABBITMQ_URL")

	cfg := healthmonitor.DefaultConfig()
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_PROBE_INTERVAL_SECONDS")); err == nil && v > 0 {
		cfg.ProbeInterval = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_HTTP_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.HTTPTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_TCP_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.TCPTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_FAILURE_THRESHOLD")); err == nil && v > 0 {
		cfg.FailureThreshold = v
	}
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_SHUTDOWN_GRACE_SECONDS")); err == nil && v > 0 {
		cfg.ShutdownGrace = time.Duration(v) * time.Second
	}

	reg := registry.New(logger)

	// Without this, a health monitor run as its own process has nothing
	// registered to probe until dynamic registrations or a Consul pull
	// populate it.
	if entries, err := staticservices.Load(os.Getenv("STATIC_SERVICES_FILE")); err != nil {
		logger.Warn("static service file not loaded", "error", err)
	} else if len(entries) > 0 {
		count, err := staticservices.Register(reg, entries)
		if err != nil {
			logger.Warn("some static services failed to register", "error", err)
		}
		logger.Info("static services registered", "count", count)
	}

	publisher, err := observability.NewPublisher(rabbitURL, logger)
	if err != nil {
		return fmt.Errorf("observability publisher: %w", err)
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if consulAddr != "" {
		syncer, err := registrysync.New(consulAddr, logger)
		if err != nil {
			logger.Warn("registry sync disabled", "error", err)
		} else {
			go syncer.Run(ctx, reg, 30*time.Second)
		}
	}

	cache := healthmonitor.NewCache()
	worker := healthmonitor.NewWorker(reg, publisher, cache, cfg, logger)

	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "Healthy"})
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cache.GetAll())
	})

	mux.HandleFunc("GET /api/status/{serviceName}", func(w http.ResponseWriter, r *http.Request) {
		serviceName := r.PathValue("serviceName")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cache.GetByService(serviceName))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("healthmonitor starting", "port", port, "probe_interval", cfg.ProbeInterval)
	serveErr := server.ListenAndServe()

	select {
	case <-workerDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("health probe worker did not stop within shutdown grace period", "grace", cfg.ShutdownGrace)
	}

	if serveErr != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
