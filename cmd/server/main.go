package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connbridge/internal/api"
	"connbridge/internal/api/handlers"
	"connbridge/internal/api/middleware"
	"connbridge/internal/engine/provider"
	"connbridge/internal/engine/webhooks"
	"connbridge/internal/pkg/logger"
	"connbridge/internal/platform/audit"
	"connbridge/internal/platform/auth"
	"connbridge/internal/platform/config"
	"connbridge/internal/platform/database"
	"connbridge/internal/platform/repositories"
	"connbridge/internal/platform/sealer"
	"connbridge/internal/platform/telemetry"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	applied, err := database.Migrate(context.Background(), db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("Database migrated")
	}

	// Provider API
	providerClient := provider.NewClient(cfg.Provider, provider.WithHTTPClient(&http.Client{
		Timeout:   cfg.Provider.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))
	providerConfigured := cfg.Provider.BaseURL != ""
	if !providerConfigured {
		log.Warn().Msg("provider.base_url not set; provider API calls will fail")
	}

	// Stores. Disabled stores stay nil interfaces so the reconciler skips them.
	var (
		connectionStore  webhooks.ConnectionStore
		connectionReader handlers.ConnectionReader
		secretStore      webhooks.SecretStore
		secretAccess     handlers.SecretStore
		gateway          webhooks.ConnectionFetcher
	)
	if cfg.Webhook.StoreConnections {
		repo := repositories.NewConnectionRepository(db)
		connectionStore = repo
		connectionReader = repo
	}
	if cfg.Webhook.StoreSecrets {
		s, err := sealer.New(cfg.Secrets.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize secret sealer")
		}
		repo := repositories.NewSecretRepository(db, s, cfg.Secrets.RefreshWindow)
		secretStore = repo
		secretAccess = repo
	}
	if providerConfigured {
		gateway = providerClient
	}

	policy, err := webhooks.ParseFailurePolicy(cfg.Webhook.FailurePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid webhook failure policy")
	}
	reconciler := webhooks.NewReconciler(webhooks.Options{
		Connections: connectionStore,
		Secrets:     secretStore,
		Gateway:     gateway,
		Policy:      policy,
	})
	if cfg.Webhook.Secret == "" {
		log.Warn().Msg("webhook.secret not set; webhook signatures are not verified")
	}

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)
	auditLogger := audit.NewLogger(db)
	metrics := &handlers.Metrics{}

	deps := &api.Dependencies{
		WebhookHandler:     handlers.NewWebhookHandler(reconciler, auditLogger, metrics, cfg.Webhook),
		SessionHandler:     handlers.NewSessionHandler(providerClient),
		IntegrationHandler: handlers.NewIntegrationHandler(providerClient),
		ConnectionHandler:  handlers.NewConnectionHandler(connectionReader, secretAccess, providerClient, auditLogger),
		AuditHandler:       handlers.NewAuditHandler(auditLogger),
		HealthHandler:      handlers.NewHealthHandler(db, providerConfigured),
		MetricsHandler:     handlers.NewMetricsHandler(metrics),
		AuthMiddleware:     middleware.NewAuthMiddleware(tokenSvc),
		WebhookRateLimiter: middleware.NewRateLimiter(cfg.Webhook.RateLimitPerMin),
	}
	router := api.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "connbridge"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("failure_policy", policy.String()).
			Bool("store_connections", cfg.Webhook.StoreConnections).
			Bool("store_secrets", cfg.Webhook.StoreSecrets).
			Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracer shutdown failed")
	}
}
