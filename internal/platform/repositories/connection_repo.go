package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"connbridge/internal/platform/database"
	"connbridge/internal/platform/models"

	"github.com/google/uuid"
)

const connectionColumns = `id, owner_id, organization_id, provider, connection_id, status, metadata, created_at, updated_at`

// ConnectionRepository is the SQL Connection Store. connection_id carries a
// unique index, so concurrent creates for one connection yield exactly one
// row and models.ErrDuplicateConnection for the loser.
type ConnectionRepository struct {
	db *database.DB
}

func NewConnectionRepository(db *database.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

func (r *ConnectionRepository) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+connectionColumns+` FROM connections WHERE connection_id = ?`), connectionID)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *ConnectionRepository) Create(ctx context.Context, providerConfigKey, connectionID, ownerID, organizationID string, metadata map[string]interface{}) (*models.Connection, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	now := time.Now().UTC()
	conn := &models.Connection{
		ID:             "conn_" + uuid.New().String(),
		OwnerID:        ownerID,
		OrganizationID: organizationID,
		Provider:       providerConfigKey,
		ConnectionID:   connectionID,
		Status:         models.StatusActive,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conn.ID, conn.OwnerID, conn.OrganizationID, conn.Provider, conn.ConnectionID, conn.Status, string(metaJSON), conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrDuplicateConnection, connectionID)
		}
		return nil, err
	}
	return conn, nil
}

func (r *ConnectionRepository) UpdateStatus(ctx context.Context, connectionID string, status models.ConnectionStatus) (*models.Connection, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid connection status %q", status)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE connections SET status = ?, updated_at = ? WHERE connection_id = ?`), status, time.Now().UTC(), connectionID)
	if err != nil {
		return nil, err
	}
	return r.afterUpdate(ctx, res, connectionID)
}

// Update replaces the connection's metadata.
func (r *ConnectionRepository) Update(ctx context.Context, connectionID string, metadata map[string]interface{}) (*models.Connection, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE connections SET metadata = ?, updated_at = ? WHERE connection_id = ?`), string(metaJSON), time.Now().UTC(), connectionID)
	if err != nil {
		return nil, err
	}
	return r.afterUpdate(ctx, res, connectionID)
}

func (r *ConnectionRepository) afterUpdate(ctx context.Context, res sql.Result, connectionID string) (*models.Connection, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, models.ErrConnectionNotFound
	}
	conn, err := r.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, models.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *ConnectionRepository) Delete(ctx context.Context, connectionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM connections WHERE connection_id = ?`), connectionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *ConnectionRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Connection, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT `+connectionColumns+` FROM connections WHERE owner_id = ? ORDER BY created_at DESC`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	connections := []*models.Connection{}
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, conn)
	}
	return connections, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(s scanner) (*models.Connection, error) {
	var c models.Connection
	var metaStr string
	if err := s.Scan(&c.ID, &c.OwnerID, &c.OrganizationID, &c.Provider, &c.ConnectionID, &c.Status, &metaStr, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", c.ConnectionID, err)
		}
	}
	return &c, nil
}
