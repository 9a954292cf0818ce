package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"connbridge/internal/engine/credentials"
	"connbridge/internal/platform/database"
	"connbridge/internal/platform/models"
	"connbridge/internal/platform/sealer"
)

const secretColumns = `connection_id, provider, owner_id, organization_id, sealed_credentials, metadata, created_at, updated_at, last_refreshed_at`

// SecretRepository is the SQL Secrets Store. Credentials are sealed with the
// connection id as associated data, so a row copied onto another connection
// fails to open.
type SecretRepository struct {
	db            *database.DB
	sealer        *sealer.Sealer
	refreshWindow time.Duration
	now           func() time.Time
}

func NewSecretRepository(db *database.DB, s *sealer.Sealer, refreshWindow time.Duration) *SecretRepository {
	return &SecretRepository{db: db, sealer: s, refreshWindow: refreshWindow, now: time.Now}
}

// StoreSecret inserts or replaces the secret for connectionID.
func (r *SecretRepository) StoreSecret(ctx context.Context, connectionID, provider string, creds models.Credentials, ownerID, organizationID string) (*models.ConnectionSecret, error) {
	sealed, err := r.seal(connectionID, creds)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO connection_secrets (connection_id, provider, owner_id, organization_id, credential_type, sealed_credentials, expires_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			provider = excluded.provider,
			owner_id = excluded.owner_id,
			organization_id = excluded.organization_id,
			credential_type = excluded.credential_type,
			sealed_credentials = excluded.sealed_credentials,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			last_refreshed_at = excluded.updated_at
	`), connectionID, provider, ownerID, organizationID, string(creds.Type), sealed, expiryColumn(creds), now, now)
	if err != nil {
		return nil, err
	}

	return r.GetSecret(ctx, connectionID)
}

func (r *SecretRepository) GetSecret(ctx context.Context, connectionID string) (*models.ConnectionSecret, error) {
	secret, err := r.getSecret(ctx, r.db, connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return secret, err
}

// UpdateSecret merges partial into the stored credentials.
func (r *SecretRepository) UpdateSecret(ctx context.Context, connectionID string, partial models.Credentials) (*models.ConnectionSecret, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := r.getSecret(ctx, tx, connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}

	merged := current.Credentials.Merge(partial)
	sealed, err := r.seal(connectionID, merged)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE connection_secrets
		SET credential_type = ?, sealed_credentials = ?, expires_at = ?, updated_at = ?, last_refreshed_at = ?
		WHERE connection_id = ?
	`), string(merged.Type), sealed, expiryColumn(merged), now, now, connectionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	current.Credentials = merged
	current.UpdatedAt = now
	current.LastRefreshedAt = &now
	return current, nil
}

func (r *SecretRepository) DeleteSecret(ctx context.Context, connectionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM connection_secrets WHERE connection_id = ?`), connectionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NeedsRefresh reports whether the stored token expires within the refresh
// window. Unknown connections and credentials without expiry report false.
func (r *SecretRepository) NeedsRefresh(ctx context.Context, connectionID string) (bool, error) {
	secret, err := r.GetSecret(ctx, connectionID)
	if err != nil || secret == nil {
		return false, err
	}
	return credentials.Expiring(secret.Credentials, r.refreshWindow, r.now()), nil
}

// ListExpiring returns secrets whose tokens expire before cutoff, soonest
// first.
func (r *SecretRepository) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]*models.ConnectionSecret, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+secretColumns+` FROM connection_secrets
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`), cutoff.UTC().Truncate(time.Second), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*models.ConnectionSecret
	for rows.Next() {
		secret, err := r.scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, secret)
	}
	return secrets, rows.Err()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *SecretRepository) getSecret(ctx context.Context, q rowQuerier, connectionID string) (*models.ConnectionSecret, error) {
	row := q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+secretColumns+` FROM connection_secrets WHERE connection_id = ?`), connectionID)
	return r.scanSecret(row)
}

func (r *SecretRepository) scanSecret(s scanner) (*models.ConnectionSecret, error) {
	var secret models.ConnectionSecret
	var sealed, metaStr string
	var lastRefreshed sql.NullTime

	if err := s.Scan(&secret.ConnectionID, &secret.Provider, &secret.OwnerID, &secret.OrganizationID, &sealed, &metaStr, &secret.CreatedAt, &secret.UpdatedAt, &lastRefreshed); err != nil {
		return nil, err
	}

	plain, err := r.sealer.Open(sealed, secret.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("open credentials for %s: %w", secret.ConnectionID, err)
	}
	if err := json.Unmarshal(plain, &secret.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials for %s: %w", secret.ConnectionID, err)
	}
	if metaStr != "" && metaStr != "{}" {
		if err := json.Unmarshal([]byte(metaStr), &secret.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", secret.ConnectionID, err)
		}
	}
	if lastRefreshed.Valid {
		t := lastRefreshed.Time
		secret.LastRefreshedAt = &t
	}
	return &secret, nil
}

func (r *SecretRepository) seal(connectionID string, creds models.Credentials) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return r.sealer.Seal(plain, connectionID)
}

// expiryColumn is the queryable copy of the credential expiry, nil when the
// credentials carry none.
func expiryColumn(c models.Credentials) interface{} {
	t, ok := credentials.ExpiryTime(c)
	if !ok {
		return nil
	}
	return t.UTC().Truncate(time.Second)
}
