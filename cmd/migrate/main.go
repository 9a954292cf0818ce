package main

import (
	"context"
	"flag"
	"fmt"

	"connbridge/internal/pkg/logger"
	"connbridge/internal/platform/config"
	"connbridge/internal/platform/database"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	applied, err := database.Migrate(context.Background(), db)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	for _, name := range applied {
		log.Info().Str("migration", name).Msg("Applied migration")
	}
	fmt.Printf("Migration completed successfully (%d applied)\n", len(applied))
}
