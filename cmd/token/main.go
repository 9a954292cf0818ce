// Command token mints a management API access token for local testing.
package main

import (
	"flag"
	"fmt"

	"connbridge/internal/platform/auth"
	"connbridge/internal/platform/config"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	owner := flag.String("owner", "", "Owner (end user) id")
	org := flag.String("org", "", "Organization id")
	role := flag.String("role", "member", "Role: member, admin or owner")
	email := flag.String("email", "", "Email")
	flag.Parse()

	if *owner == "" {
		log.Fatal().Msg("--owner is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	token, err := auth.NewTokenService(cfg.JWT).GenerateAccessToken(*owner, *org, *role, *email)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate token")
	}
	fmt.Println(token)
}
