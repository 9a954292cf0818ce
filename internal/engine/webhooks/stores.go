package webhooks

import (
	"context"

	"connbridge/internal/engine/provider"
	"connbridge/internal/platform/models"
)

// ConnectionStore is the application's record of tracked connections.
// Get returns nil, nil when the connection is unknown; UpdateStatus returns
// models.ErrConnectionNotFound in that case.
type ConnectionStore interface {
	Get(ctx context.Context, connectionID string) (*models.Connection, error)
	Create(ctx context.Context, providerConfigKey, connectionID, ownerID, organizationID string, metadata map[string]interface{}) (*models.Connection, error)
	UpdateStatus(ctx context.Context, connectionID string, status models.ConnectionStatus) (*models.Connection, error)
	Delete(ctx context.Context, connectionID string) (bool, error)
}

// ConnectionMetadataUpdater is an optional ConnectionStore capability.
type ConnectionMetadataUpdater interface {
	Update(ctx context.Context, connectionID string, metadata map[string]interface{}) (*models.Connection, error)
}

// SecretStore caches credentials per connection. GetSecret returns nil, nil
// when nothing is stored; UpdateSecret returns models.ErrSecretNotFound.
type SecretStore interface {
	StoreSecret(ctx context.Context, connectionID, provider string, creds models.Credentials, ownerID, organizationID string) (*models.ConnectionSecret, error)
	GetSecret(ctx context.Context, connectionID string) (*models.ConnectionSecret, error)
	UpdateSecret(ctx context.Context, connectionID string, partial models.Credentials) (*models.ConnectionSecret, error)
	DeleteSecret(ctx context.Context, connectionID string) (bool, error)
}

// RefreshChecker is an optional SecretStore capability.
type RefreshChecker interface {
	NeedsRefresh(ctx context.Context, connectionID string) (bool, error)
}

// ConnectionFetcher is the slice of the provider gateway the reconciler
// needs. Implementations return nil on any failure and never panic.
type ConnectionFetcher interface {
	GetConnection(ctx context.Context, connectionID, providerConfigKey string) *provider.ConnectionDetail
}
