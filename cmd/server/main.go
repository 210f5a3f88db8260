// voicebridge - webhook bridge between the voice agent, the learner store and the CRM
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/voicebridge/internal/api"
	"github.com/ashureev/voicebridge/internal/callflow"
	"github.com/ashureev/voicebridge/internal/config"
	"github.com/ashureev/voicebridge/internal/crm"
	"github.com/ashureev/voicebridge/internal/metrics"
	"github.com/ashureev/voicebridge/internal/middleware"
	"github.com/ashureev/voicebridge/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	driver, _ := cfg.StoreDriver()
	slog.Info("Starting server", "port", cfg.Port, "store", driver, "crm_enabled", cfg.CRM.Enabled())

	// Initialize dependencies.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	repo, err := store.Open(startupCtx, cfg)
	if err != nil {
		cancelStartup()
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	// An unreachable remote store is not fatal: Init degrades to empty
	// context and /ready reports the outage. Only a broken SQLite file
	// stops startup above.
	if err := repo.Ping(startupCtx); err != nil {
		slog.Warn("Store health check failed", "error", err)
	} else {
		slog.Info("Store connected")
	}
	cancelStartup()

	m := metrics.New()

	var syncer callflow.ContactSyncer
	if cfg.CRM.Enabled() {
		syncer = crm.NewHubSpot(cfg.CRM, cfg.RequestTimeout)
		slog.Info("CRM sync enabled", "base_url", cfg.CRM.BaseURL)
	} else {
		slog.Info("CRM sync disabled (HUBSPOT_TOKEN not set)")
	}

	// Initialize services.
	svc := callflow.NewService(repo, syncer, callflow.Options{
		RequestTimeout:           cfg.RequestTimeout,
		SynthesizeConversationID: cfg.SynthesizeConversationID,
		Metrics:                  m,
		Logger:                   logger,
	})

	// Initialize handlers.
	webhookHandler := api.NewHandler(svc, m)
	healthHandler := api.NewHealthHandler(repo, cfg.RequestTimeout)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	// Webhooks.
	webhookHandler.RegisterRoutes(r)

	// Create server. The write timeout leaves room for a store call and a
	// CRM call, each bounded by REQUEST_TIMEOUT.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 4*cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
