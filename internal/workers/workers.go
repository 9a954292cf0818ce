package workers

import (
	"context"
	"time"

	"connbridge/internal/engine/credentials"
	"connbridge/internal/engine/webhooks"
	"connbridge/internal/platform/models"

	"github.com/rs/zerolog/log"
)

// ExpiringSecrets is the part of the secret store the refresh worker needs.
type ExpiringSecrets interface {
	ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]*models.ConnectionSecret, error)
	UpdateSecret(ctx context.Context, connectionID string, partial models.Credentials) (*models.ConnectionSecret, error)
}

// RefreshStats summarizes one refresh pass.
type RefreshStats struct {
	Checked   int
	Refreshed int
	Failed    int
}

// RefreshSecrets re-fetches every cached secret expiring within window from
// the provider API, which refreshes OAuth tokens on read, and stores the
// result. A connection the provider cannot return is counted as failed and
// left for the next pass.
func RefreshSecrets(ctx context.Context, secrets ExpiringSecrets, gateway webhooks.ConnectionFetcher, window time.Duration, batch int) (RefreshStats, error) {
	var stats RefreshStats

	expiring, err := secrets.ListExpiring(ctx, time.Now().Add(window), batch)
	if err != nil {
		return stats, err
	}

	for _, secret := range expiring {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++

		detail := gateway.GetConnection(ctx, secret.ConnectionID, secret.Provider)
		if detail == nil {
			stats.Failed++
			log.Warn().Str("connection_id", secret.ConnectionID).Msg("provider did not return connection; secret not refreshed")
			continue
		}

		creds := credentials.Normalize(detail.Credentials)
		if _, err := secrets.UpdateSecret(ctx, secret.ConnectionID, creds); err != nil {
			stats.Failed++
			log.Error().Err(err).Str("connection_id", secret.ConnectionID).Msg("failed to update refreshed secret")
			continue
		}
		stats.Refreshed++
	}

	return stats, nil
}

// Every runs fn immediately and then on each tick until ctx is done.
func Every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker", name).Msg("worker run failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Str("worker", name).Msg("worker stopped")
			return
		case <-ticker.C:
		}
	}
}
