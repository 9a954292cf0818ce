package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"connbridge/internal/engine/provider"
	"connbridge/internal/pkg/logger"
	"connbridge/internal/platform/config"
	"connbridge/internal/platform/database"
	"connbridge/internal/platform/repositories"
	"connbridge/internal/platform/sealer"
	"connbridge/internal/workers"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const refreshBatch = 100

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	once := flag.Bool("once", false, "Run a single refresh pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	if !cfg.Webhook.StoreSecrets {
		log.Fatal().Msg("webhook.store_secrets is disabled; nothing to refresh")
	}
	if cfg.Provider.BaseURL == "" {
		log.Fatal().Msg("provider.base_url is required to refresh secrets")
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	s, err := sealer.New(cfg.Secrets.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize secret sealer")
	}
	secrets := repositories.NewSecretRepository(db, s, cfg.Secrets.RefreshWindow)
	gateway := provider.NewClient(cfg.Provider, provider.WithHTTPClient(&http.Client{
		Timeout:   cfg.Provider.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))

	refresh := func(ctx context.Context) error {
		stats, err := workers.RefreshSecrets(ctx, secrets, gateway, cfg.Secrets.RefreshWindow, refreshBatch)
		if err != nil {
			return err
		}
		log.Info().
			Int("checked", stats.Checked).
			Int("refreshed", stats.Refreshed).
			Int("failed", stats.Failed).
			Msg("Secret refresh pass complete")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := refresh(ctx); err != nil {
			log.Fatal().Err(err).Msg("Secret refresh failed")
		}
		return
	}

	log.Info().Dur("interval", cfg.Secrets.RefreshInterval).Msg("Starting secret refresh worker")
	workers.Every(ctx, cfg.Secrets.RefreshInterval, "secret_refresh", refresh)
}
