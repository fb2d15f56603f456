package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meshgate/meshgate/internal/adminapi"
	"github.com/meshgate/meshgate/internal/auth"
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
	port := envOr("ADMINAPI_PORT", "8090")
	consulAddr := os.Getenv("CONSUL_ADDRESS")
	rabbitURL := os.Getenv("RABBITMQ_URL")

	reg := registry.New(logger)

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

	// registrysync.Run is the only channel that makes registrations from
	// cmd/gateway and cmd/healthmonitor's own independent registries visible
	// here, and vice versa: it both pushes this process's registrations into
	// Consul and pulls Consul's catalog back in on every tick.
	if consulAddr != "" {
		syncer, err := registrysync.New(consulAddr, logger)
		if err != nil {
			logger.Warn("registry sync disabled", "error", err)
		} else {
			go syncer.Run(ctx, reg, 30*time.Second)
		}
	}

	cfg := adminapi.DefaultConfig()
	cfg.JWT = auth.Config{
		SecretKey:        os.Getenv("OPERATOR_JWT_SECRET_KEY"),
		RSAPublicKeyPEM:  os.Getenv("OPERATOR_JWT_RSA_PUBLIC_KEY_PEM"),
		Issuer:           envOr("OPERATOR_JWT_ISSUER", "MeshGate.Operator"),
		Audience:         envOr("OPERATOR_JWT_AUDIENCE", "MeshGate.AdminAPI"),
		ValidateIssuer:   true,
		ValidateAudience: true,
	}
	if v := os.Getenv("ADMINAPI_CRITICAL_SERVICES"); v != "" {
		cfg.CriticalServices = strings.Split(v, ",")
	}

	// The admin API runs as its own process with its own registry (see
	// DESIGN.md's cmd/gateway, cmd/adminapi section), so there is no local
	// proxy engine to report breaker stats from.
	srv := adminapi.NewServer(cfg, reg, publisher, nil, logger)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down admin API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("admin API starting", "port", port, "consul", consulAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
